package domain

import (
	"math"
	"time"
)

// DefaultDecayK is how strongly inactivity drags a score down per hour.
const DefaultDecayK = 0.15

// scoreEpsilon is the smallest score change worth a write.
const scoreEpsilon = 1e-9

// Weights per engagement signal. Money and new backers count most.
type Weights struct {
	Like, View, Comment, Donation, RecruiterSave, Backer float64
}

var DefaultWeights = Weights{Like: 3, View: 1, Comment: 6, Donation: 8, RecruiterSave: 10, Backer: 12}

func (w Weights) Raw(e Engagement) float64 {
	donations, _ := e.DonationSum24h.Float64()
	return w.Like*float64(e.Likes) +
		w.View*float64(e.Views) +
		w.Comment*float64(e.Comments) +
		w.Donation*donations +
		w.RecruiterSave*float64(e.RecruiterSaves) +
		w.Backer*float64(e.Backers24h)
}

// HoursSince is the inactivity the decay is applied over, never less than
// one hour so a fresh campaign does not get an unbounded boost.
func HoursSince(lastActivity, now time.Time) float64 {
	return math.Max(1, now.Sub(lastActivity).Hours())
}

// Decay applies continuous decay: raw / (1 + k*hours), clamped at zero.
func Decay(raw, hours, k float64) float64 {
	return math.Max(0, raw/(1+k*math.Max(1, hours)))
}

// TrendingScorer turns engagement into the decayed score stored on the campaign.
type TrendingScorer struct {
	Weights Weights
	K       float64
}

func NewTrendingScorer(k float64) TrendingScorer {
	if k < 0 {
		k = DefaultDecayK
	}
	return TrendingScorer{Weights: DefaultWeights, K: k}
}

func (s TrendingScorer) Score(c *Campaign, now time.Time) float64 {
	return Decay(s.Weights.Raw(c.Engagement), HoursSince(c.LastActivityAt, now), s.K)
}

// ScoreChanged reports whether next differs from the stored score enough to
// be written back.
func ScoreChanged(stored, next float64) bool {
	return math.Abs(stored-next) > scoreEpsilon
}
