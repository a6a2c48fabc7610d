// Package score ranks clusters. The global score rewards recency and
// domain diversity; the topic-adjusted score additionally applies the
// topic's priority and boost when its query matches the cluster.
package score

import (
	"math"
	"time"

	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/topic"
)

// Weights configures the scoring terms. The diversity weight must stay
// above the volume weight so a single-domain flood of near-duplicates
// never outranks a multi-domain cluster of equal size and recency.
type Weights struct {
	HalfLife  time.Duration
	Fresh     float64
	Diversity float64
	Volume    float64
	VolumeCap int
}

// Defaults returns the standard weights: half-life 12h, freshness
// 0.45, diversity 0.35, volume 0.20, volume saturating at 100 items.
func Defaults() Weights {
	return Weights{
		HalfLife:  12 * time.Hour,
		Fresh:     0.45,
		Diversity: 0.35,
		Volume:    0.20,
		VolumeCap: 100,
	}
}

// Scorer computes cluster scores with a fixed set of weights.
type Scorer struct {
	w Weights
}

// New builds a Scorer, filling zero weights from Defaults.
func New(w Weights) *Scorer {
	d := Defaults()
	if w.HalfLife <= 0 {
		w.HalfLife = d.HalfLife
	}
	if w.Fresh <= 0 && w.Diversity <= 0 && w.Volume <= 0 {
		w.Fresh, w.Diversity, w.Volume = d.Fresh, d.Diversity, d.Volume
	}
	if w.VolumeCap <= 0 {
		w.VolumeCap = d.VolumeCap
	}
	return &Scorer{w: w}
}

// Score returns the global score of a cluster at the given instant,
// in [0, 1].
func (s *Scorer) Score(c *model.Cluster, now time.Time) float64 {
	return s.w.Fresh*s.freshness(c, now) +
		s.w.Diversity*diversity(c) +
		s.w.Volume*s.volume(c)
}

// ScoreForTopic returns the topic-adjusted score: the global score
// multiplied by the topic's priority and boost when the topic's query
// matches the cluster's representative text, zero otherwise.
func (s *Scorer) ScoreForTopic(c *model.Cluster, t *topic.Topic, now time.Time) float64 {
	if !t.Matches(c.RepText()) {
		return 0
	}
	return s.Score(c, now) * t.Priority * t.Boost
}

// freshness decays exponentially with age measured from the cluster's
// last update; one half-life halves the term.
func (s *Scorer) freshness(c *model.Cluster, now time.Time) float64 {
	age := now.Sub(c.UpdatedAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age.Hours() / s.w.HalfLife.Hours())
}

// diversity grows with distinct contributing domains with diminishing
// returns: 1 domain → 0.5, 3 → 0.75, 9 → 0.9.
func diversity(c *model.Cluster) float64 {
	return 1 - 1/(1+float64(c.DomainsCount()))
}

// volume grows logarithmically with member count, saturating at the
// configured cap.
func (s *Scorer) volume(c *model.Cluster) float64 {
	v := math.Log1p(float64(c.ItemsCount)) / math.Log1p(float64(s.w.VolumeCap))
	return math.Min(v, 1)
}

// Scored pairs a cluster with its computed score for sorting.
type Scored struct {
	Cluster *model.Cluster
	Score   float64
}

// Less is the ordering shared by global and topic selection: higher
// score first, then more recently updated, then lower identifier. The
// last key makes the order total and reproducible.
func Less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Cluster.UpdatedAt.Equal(b.Cluster.UpdatedAt) {
		return a.Cluster.UpdatedAt.After(b.Cluster.UpdatedAt)
	}
	return a.Cluster.ID < b.Cluster.ID
}
