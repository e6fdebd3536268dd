package engine

import (
	"time"

	"mtdbench/internal/attack"
	"mtdbench/internal/defense"
	"mtdbench/internal/domain"
	"mtdbench/internal/shuffle"
)

// Summary is the read-only export of a run.
type Summary struct {
	RunID              string                 `json:"run_id"`
	Seed               uint64                 `json:"seed"`
	VirtualTime        time.Duration          `json:"virtual_time"`
	Domains            int                    `json:"domains"`
	TrackedUsers       int                    `json:"tracked_users"`
	Shuffles           shuffle.Stats          `json:"shuffles"`
	Attack             attack.AggregateStats  `json:"attack"`
	Defense            defense.Stats          `json:"defense"`
	Detections         uint64                 `json:"detections"`
	ThresholdCrossings uint64                 `json:"threshold_crossings"`
	Rebalances         uint64                 `json:"rebalances"`
	OutlierHits        uint64                 `json:"outlier_hits"`
	EventsPublished    uint64                 `json:"events_published"`
	EventCounts        map[string]int         `json:"event_counts"`
	RiskDistribution   map[string]int         `json:"risk_distribution"`
	AverageScore       float64                `json:"average_score"`
	DomainMetrics      []domain.DomainMetrics `json:"domain_metrics"`
}

func (c *Context) Summary() Summary {
	s := Summary{
		RunID:              c.RunID,
		Seed:               c.sc.Seed,
		VirtualTime:        c.Clock.Now(),
		Domains:            len(c.Domains.DomainIDs()),
		TrackedUsers:       len(c.Scores.TrackedUsers()),
		Shuffles:           c.Shuffler.Stats(),
		Attack:             c.Attacks.Stats(),
		Defense:            c.Defense.Stats(),
		Detections:         c.detections,
		ThresholdCrossings: c.crossings,
		Rebalances:         c.rebalances,
		OutlierHits:        c.outlierHits,
		EventsPublished:    c.Bus.Published(),
		EventCounts:        make(map[string]int),
		RiskDistribution:   make(map[string]int),
		AverageScore:       c.Scores.AverageScore(c.Scores.TrackedUsers()),
		DomainMetrics:      c.AllDomainMetrics(),
	}
	for t, n := range c.eventCounts {
		s.EventCounts[t.String()] = n
	}
	for level, n := range c.Scores.RiskDistribution() {
		s.RiskDistribution[level.String()] = n
	}
	return s
}

// DomainMetrics combines a domain's membership with its score and shuffle
// record. Unknown domains report false.
func (c *Context) DomainMetrics(id uint32) (domain.DomainMetrics, bool) {
	d, ok := c.Domains.Domain(id)
	if !ok {
		return domain.DomainMetrics{}, false
	}
	return domain.DomainMetrics{
		DomainID:         id,
		UserCount:        len(d.UserIDs),
		ProxyCount:       len(d.ProxyIDs),
		LoadFactor:       d.LoadFactor,
		AverageRiskScore: c.Scores.AverageScore(d.UserIDs),
		ShuffleCount:     c.Shuffler.DomainShuffleCount(id),
		LastShuffle:      c.Shuffler.LastShuffle(id),
	}, true
}

func (c *Context) AllDomainMetrics() []domain.DomainMetrics {
	ids := c.Domains.DomainIDs()
	out := make([]domain.DomainMetrics, 0, len(ids))
	for _, id := range ids {
		if m, ok := c.DomainMetrics(id); ok {
			out = append(out, m)
		}
	}
	return out
}
