package pushgateway

import (
	"context"
	"sync"

	"crowdx/internal/pkg/logger"
)

type envelope struct {
	campaignID int64
	payload    []byte
}

// Hub tracks the websocket viewers of each campaign page and fans messages
// out to them. All room mutation happens on the Run goroutine.
type Hub struct {
	nodeID     string
	rooms      map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	quit       chan struct{}

	mu      sync.RWMutex
	viewers map[int64]int
}

func NewHub(nodeID string) *Hub {
	return &Hub{
		nodeID:     nodeID,
		rooms:      make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 256),
		quit:       make(chan struct{}),
		viewers:    make(map[int64]int),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			h.rooms = map[int64]map[*Client]struct{}{}
			h.mu.Lock()
			h.viewers = map[int64]int{}
			h.mu.Unlock()
			return
		case c := <-h.register:
			room, ok := h.rooms[c.campaignID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[c.campaignID] = room
			}
			room[c] = struct{}{}
			h.setViewers(c.campaignID, len(room))
			logger.Ctx(ctx).Debug().Int64("campaign_id", c.campaignID).Str("node", h.nodeID).Msg("viewer joined")
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			for c := range h.rooms[e.campaignID] {
				select {
				case c.send <- e.payload:
				default:
					// a viewer that cannot keep up is dropped rather than
					// stalling the room
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	room := h.rooms[c.campaignID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.campaignID)
	}
	h.setViewers(c.campaignID, len(room))
}

// join hands c to the Run loop. It fails once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Broadcast queues payload for every viewer of campaignID.
func (h *Hub) Broadcast(ctx context.Context, campaignID int64, payload []byte) {
	select {
	case h.broadcast <- envelope{campaignID: campaignID, payload: payload}:
	case <-ctx.Done():
	case <-h.quit:
	}
}

// Viewers reports how many clients currently watch campaignID.
func (h *Hub) Viewers(campaignID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.viewers[campaignID]
}

func (h *Hub) setViewers(campaignID int64, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.viewers, campaignID)
		return
	}
	h.viewers[campaignID] = n
}
