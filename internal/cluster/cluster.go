// Package cluster groups articles into story clusters by fingerprint
// proximity. Assignment is incremental: each article is matched
// against the open clusters of the active window, first match wins.
package cluster

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/normalize"
	"github.com/windworldwire/newsbot/internal/simhash"
)

// DefaultThreshold is the Hamming distance at or below which two
// fingerprints are treated as the same story.
const DefaultThreshold = 10

const bucketSize = time.Hour

// RepPolicy decides whether an incoming article should replace a
// cluster's representative. The default prefers the earliest publish
// time, on the theory that the first report is the least rewritten.
type RepPolicy func(c *model.Cluster, art model.Article) bool

// EarliestPublished replaces the representative when the article was
// published before the current one.
func EarliestPublished(c *model.Cluster, art model.Article) bool {
	return art.PublishedAt.Before(c.RepPublishedAt)
}

// Manager holds the working set of open clusters for one run. It is
// not safe for concurrent use; the pipeline clusters serially.
type Manager struct {
	threshold int
	window    time.Duration
	policy    RepPolicy

	clusters map[int64]*model.Cluster
	buckets  map[int64][]int64
	nextID   int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold overrides the similarity distance threshold.
func WithThreshold(threshold int) Option {
	return func(m *Manager) { m.threshold = threshold }
}

// WithRepPolicy overrides the representative replacement policy.
func WithRepPolicy(policy RepPolicy) Option {
	return func(m *Manager) { m.policy = policy }
}

// NewManager creates an empty Manager covering the given window.
func NewManager(window time.Duration, opts ...Option) *Manager {
	m := &Manager{
		threshold: DefaultThreshold,
		window:    window,
		policy:    EarliestPublished,
		clusters:  make(map[int64]*model.Cluster),
		buckets:   make(map[int64][]int64),
		nextID:    1,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load seeds the working set with clusters read from the store. New
// cluster identifiers continue past the highest loaded one.
func (m *Manager) Load(clusters []*model.Cluster) {
	for _, c := range clusters {
		if c.Status != model.ClusterOpen {
			continue
		}
		m.clusters[c.ID] = c
		m.index(c)
		if c.ID >= m.nextID {
			m.nextID = c.ID + 1
		}
	}
	zap.L().Debug("clusters loaded", zap.Int("count", len(m.clusters)))
}

// SetNextID raises the identifier floor for new clusters. The pipeline
// seeds it from the store's highest cluster identifier so that new
// clusters never collide with rows outside the loaded window.
func (m *Manager) SetNextID(id int64) {
	if id > m.nextID {
		m.nextID = id
	}
}

func bucketOf(t time.Time) int64 {
	return t.UTC().Truncate(bucketSize).Unix()
}

func (m *Manager) index(c *model.Cluster) {
	b := bucketOf(c.UpdatedAt)
	m.buckets[b] = append(m.buckets[b], c.ID)
}

func (m *Manager) reindex(c *model.Cluster, old time.Time) {
	oldB, newB := bucketOf(old), bucketOf(c.UpdatedAt)
	if oldB == newB {
		return
	}
	ids := m.buckets[oldB]
	for i, id := range ids {
		if id == c.ID {
			m.buckets[oldB] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.buckets[newB] = append(m.buckets[newB], c.ID)
}

// candidates returns open clusters updated within the window ending at
// now, most recently updated first. Ties fall to the lower identifier
// so assignment stays reproducible.
func (m *Manager) candidates(now time.Time) []*model.Cluster {
	cutoff := now.Add(-m.window)
	from, to := bucketOf(cutoff), bucketOf(now)

	var out []*model.Cluster
	for b := to; b >= from; b -= int64(bucketSize / time.Second) {
		for _, id := range m.buckets[b] {
			c := m.clusters[id]
			if c != nil && !c.UpdatedAt.Before(cutoff) {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Assign attaches the article to the first cluster within the distance
// threshold, or creates a new cluster around it. The returned bool is
// true when a new cluster was created. A malformed stored fingerprint
// surfaces as an error rather than being read as a verdict.
func (m *Manager) Assign(art model.Article, now time.Time) (*model.Cluster, bool, error) {
	for _, c := range m.candidates(now) {
		similar, err := simhash.AreSimilar(art.Fingerprint, c.RepFingerprint, m.threshold)
		if err != nil {
			return nil, false, eris.Wrapf(err, "cluster %d", c.ID)
		}
		if similar {
			m.attach(c, art)
			return c, false, nil
		}
	}

	c := m.create(art)
	return c, true, nil
}

func (m *Manager) attach(c *model.Cluster, art model.Article) {
	old := c.UpdatedAt

	c.ItemsCount++
	if domain := normalize.Domain(art.URL); domain != "" {
		if c.Domains == nil {
			c.Domains = make(map[string]int)
		}
		c.Domains[domain]++
	}
	if art.Lang != "" {
		if c.Langs == nil {
			c.Langs = make(map[string]int)
		}
		c.Langs[art.Lang]++
	}
	// Last-updated never moves backwards.
	if art.PublishedAt.After(c.UpdatedAt) {
		c.UpdatedAt = art.PublishedAt
	}
	if m.policy(c, art) {
		c.RepArticleID = art.ID
		c.RepTitle = art.Title
		c.RepSummary = art.Summary
		c.RepFingerprint = art.Fingerprint
		c.RepPublishedAt = art.PublishedAt
	}

	m.reindex(c, old)
}

func (m *Manager) create(art model.Article) *model.Cluster {
	c := &model.Cluster{
		ID:             m.nextID,
		Status:         model.ClusterOpen,
		CreatedAt:      art.PublishedAt,
		UpdatedAt:      art.PublishedAt,
		ItemsCount:     1,
		Domains:        make(map[string]int),
		Langs:          make(map[string]int),
		RepArticleID:   art.ID,
		RepTitle:       art.Title,
		RepSummary:     art.Summary,
		RepFingerprint: art.Fingerprint,
		RepPublishedAt: art.PublishedAt,
	}
	m.nextID++
	if domain := normalize.Domain(art.URL); domain != "" {
		c.Domains[domain] = 1
	}
	if art.Lang != "" {
		c.Langs[art.Lang] = 1
	}
	m.clusters[c.ID] = c
	m.index(c)
	return c
}

// Clusters returns the working set ordered by identifier.
func (m *Manager) Clusters() []*model.Cluster {
	out := make([]*model.Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cluster returns one cluster by identifier, or nil.
func (m *Manager) Cluster(id int64) *model.Cluster {
	return m.clusters[id]
}

// Len returns the number of clusters in the working set.
func (m *Manager) Len() int {
	return len(m.clusters)
}
