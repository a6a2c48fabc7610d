package model

import (
	"sync"
	"time"
)

// Source is a feed origin. The conditional-fetch cache (ETag,
// LastModified) and the error counter are owned by the fetch phase;
// everything else is seeded from configuration.
type Source struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Lang         string    `json:"lang"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	ErrorCount   int       `json:"error_count"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Article is one normalized feed entry. Immutable once created.
// URLHash is the content-addressed identity: two entries with the same
// hash are the same item and only the first is ever stored.
type Article struct {
	ID          int64     `json:"id"`
	SourceID    int64     `json:"source_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary,omitempty"`
	Lang        string    `json:"lang"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
	URLHash     string    `json:"url_hash"`
	Fingerprint string    `json:"fingerprint"`
	// ClusterID is 0 until the article has been assigned to a cluster.
	ClusterID int64 `json:"cluster_id,omitempty"`
}

// ClusterStatus tracks a cluster's lifecycle. The core only ever
// creates and updates open clusters; closing is retention policy.
type ClusterStatus string

const (
	ClusterOpen   ClusterStatus = "open"
	ClusterClosed ClusterStatus = "closed"
)

// Cluster groups Articles judged to report the same story.
// ItemsCount, Domains and Langs only grow while the cluster is open.
type Cluster struct {
	ID             int64          `json:"id"`
	Status         ClusterStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ItemsCount     int            `json:"items_count"`
	Domains        map[string]int `json:"domains"`
	Langs          map[string]int `json:"langs,omitempty"`
	RepArticleID   int64          `json:"rep_article_id"`
	RepTitle       string         `json:"rep_title"`
	RepSummary     string         `json:"rep_summary,omitempty"`
	RepFingerprint string         `json:"rep_fingerprint"`
	RepPublishedAt time.Time      `json:"rep_published_at"`
	ScoreTotal     float64        `json:"score_total"`
}

// DomainsCount returns the number of distinct contributing domains.
func (c *Cluster) DomainsCount() int {
	return len(c.Domains)
}

// RepText returns the representative text used for topic matching and
// fingerprint comparison.
func (c *Cluster) RepText() string {
	if c.RepSummary == "" {
		return c.RepTitle
	}
	return c.RepTitle + " " + c.RepSummary
}

// Pick is one cluster selected into a run's output. TopicKey is empty
// for global picks; AdjustedScore equals ScoreTotal for them.
type Pick struct {
	ClusterID     int64   `json:"cluster_id"`
	ScoreTotal    float64 `json:"score_total"`
	AdjustedScore float64 `json:"adjusted_score"`
	TopicKey      string  `json:"topic_key,omitempty"`
	TopicPriority float64 `json:"topic_priority,omitempty"`
	Rank          int     `json:"rank"`
}

// Selection is the output of one pipeline run. After duplicate
// resolution no cluster ID appears twice across GlobalPicks and
// TopicPicks.
type Selection struct {
	GlobalPicks []Pick    `json:"global_picks"`
	TopicPicks  []Pick    `json:"topic_picks"`
	Stats       *RunStats `json:"stats,omitempty"`
}

// TotalPicks is derived, never stored.
func (s *Selection) TotalPicks() int {
	return len(s.GlobalPicks) + len(s.TopicPicks)
}

// TopicsRepresented returns the number of distinct topics present in
// the topic picks.
func (s *Selection) TopicsRepresented() int {
	seen := make(map[string]struct{}, len(s.TopicPicks))
	for _, p := range s.TopicPicks {
		seen[p.TopicKey] = struct{}{}
	}
	return len(seen)
}

// RunStats accumulates per-source and per-article outcomes for one
// run. Failures land here instead of aborting the run.
type RunStats struct {
	RunID           string        `json:"run_id"`
	WindowHours     int           `json:"window_hours"`
	SourcesTotal    int           `json:"sources_total"`
	SourcesOK       int           `json:"sources_ok"`
	SourcesNotMod   int           `json:"sources_304"`
	SourcesError    int           `json:"sources_error"`
	ItemsTotal      int           `json:"items_total"`
	ItemsInserted   int           `json:"items_inserted"`
	ItemsDuplicated int           `json:"items_duplicated"`
	ItemsRejected   int           `json:"items_rejected"`
	NewClusters     int           `json:"new_clusters"`
	ItemsClustered  int           `json:"items_clustered"`
	Errors          []string      `json:"errors,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Runtime         time.Duration `json:"runtime"`

	mu sync.Mutex
}

// AddError records a per-source or per-article failure. Safe for use
// from concurrent fetch workers.
func (s *RunStats) AddError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, msg)
}
