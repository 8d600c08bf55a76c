package pushgateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crowdx/internal/pkg/logger"
)

// SnapshotFunc returns the latest funding snapshot of a campaign, or nil.
type SnapshotFunc func(ctx context.Context, campaignID int64) ([]byte, error)

type Handler struct {
	hub       *Hub
	snapshots SnapshotFunc
	upgrader  websocket.Upgrader
}

// NewHandler serves campaign viewers. allowedOrigins empty accepts any origin.
func NewHandler(hub *Hub, snapshots SnapshotFunc, allowedOrigins []string) *Handler {
	h := &Handler{hub: hub, snapshots: snapshots}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/campaigns/{id}", h.serveWs)
}

func (h *Handler) serveWs(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || campaignID <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logger.Ctx(r.Context()).Warn().Err(err).Msg("push: websocket upgrade failed")
		return
	}

	client := &Client{hub: h.hub, conn: conn, send: make(chan []byte, sendBuffer), campaignID: campaignID}

	// the snapshot goes first so a reconnecting viewer sees the current total
	// before any live update
	if h.snapshots != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		snap, err := h.snapshots(ctx, campaignID)
		cancel()
		if err != nil {
			logger.Ctx(r.Context()).Warn().Err(err).Int64("campaign_id", campaignID).Msg("push: snapshot unavailable")
		} else if snap != nil {
			client.send <- snap
		}
	}

	if !h.hub.join(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
