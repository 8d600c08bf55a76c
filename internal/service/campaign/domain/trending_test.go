package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func sampleEngagement() Engagement {
	return Engagement{
		Likes:          10,
		Views:          100,
		Comments:       2,
		DonationSum24h: decimal.NewFromInt(50),
		RecruiterSaves: 1,
		Backers24h:     3,
	}
}

func TestRawScore(t *testing.T) {
	assert.Equal(t, 588.0, DefaultWeights.Raw(sampleEngagement()))
	assert.Zero(t, DefaultWeights.Raw(Engagement{}))
}

func TestDecay(t *testing.T) {
	tests := []struct {
		name  string
		hours float64
		want  float64
	}{
		{"under an hour counts as one", 0.2, 588 / 1.15},
		{"one hour", 1, 588 / 1.15},
		{"ten hours", 10, 588 / 2.5},
		{"two days", 48, 588 / 8.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Decay(588, tt.hours, DefaultDecayK), 1e-9)
		})
	}
	assert.Zero(t, Decay(-5, 3, DefaultDecayK), "negative raw is clamped")
}

func TestTrendingScorerIsDeterministic(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &Campaign{Engagement: sampleEngagement(), LastActivityAt: now.Add(-10 * time.Hour)}
	s := NewTrendingScorer(DefaultDecayK)

	first := s.Score(c, now)
	assert.InDelta(t, 235.2, first, 1e-9)
	assert.Equal(t, first, s.Score(c, now))

	later := s.Score(c, now.Add(10*time.Hour))
	assert.Less(t, later, first, "score decays while the campaign is idle")
}

func TestHoursSinceFloorsAtOne(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 1.0, HoursSince(now, now))
	assert.Equal(t, 1.0, HoursSince(now.Add(time.Hour), now), "future activity is treated as fresh")
	assert.InDelta(t, 3.0, HoursSince(now.Add(-3*time.Hour), now), 1e-9)
}

func TestScoreChanged(t *testing.T) {
	assert.False(t, ScoreChanged(1.0, 1.0+1e-12))
	assert.True(t, ScoreChanged(1.0, 1.001))
}
