package trender

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windworldwire/newsbot/internal/config"
	"github.com/windworldwire/newsbot/internal/fetcher"
	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/store"
	"github.com/windworldwire/newsbot/internal/topic"
)

var (
	storyTaiwan = "Taiwan Strengthens Cyber Security Measures Against Growing Digital Threats: the government announced new investment in network defense infrastructure and coordinated monitoring of critical systems across the island"
	// Reworded wire copy of storyTaiwan; clusters with it.
	storyTaiwanWire = "Taiwan Strengthens Cyber Security Measures Against Growing Digital Threats: the administration announced new investment in network defense infrastructure and coordinated monitoring of critical systems across the region"
	storyAI         = "AI Research Center Opens In Silicon Valley With Focus On Machine Learning: scientists will explore novel neural architectures, robotics applications and large language model training techniques for industry partners"
)

// stubFetcher returns canned results keyed by source ID.
type stubFetcher struct {
	results map[int64]fetcher.FetchResult
	calls   map[int64]int
}

func (s *stubFetcher) Fetch(_ context.Context, src model.Source) fetcher.FetchResult {
	if s.calls == nil {
		s.calls = map[int64]int{}
	}
	s.calls[src.ID]++
	return s.results[src.ID]
}

// fetchFunc adapts a function to the fetcher.Fetcher interface.
type fetchFunc func(ctx context.Context, src model.Source) fetcher.FetchResult

func (f fetchFunc) Fetch(ctx context.Context, src model.Source) fetcher.FetchResult {
	return f(ctx, src)
}

func testConfig() *config.Config {
	return &config.Config{
		Fetch:   config.FetchConfig{MaxConcurrent: 4, ErrorThreshold: 3},
		Cluster: config.ClusterConfig{HammingThreshold: 10},
		Score: config.ScoreConfig{
			HalfLifeHours:   12,
			WeightFresh:     0.45,
			WeightDiversity: 0.35,
			WeightVolume:    0.20,
			VolumeCap:       100,
		},
		Select: config.SelectConfig{KGlobal: 5, MaxPostsPerRun: 5},
	}
}

func newTestPipeline(t *testing.T, f fetcher.Fetcher, topicsYAML string) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "trender.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	var topics []topic.Topic
	if topicsYAML != "" {
		topics, err = topic.Parse([]byte(topicsYAML))
		require.NoError(t, err)
	}
	return New(testConfig(), st, f, topics), st
}

func seedTestSource(t *testing.T, st store.Store, name, url string) *model.Source {
	t.Helper()
	src, err := st.UpsertSource(context.Background(), model.Source{
		Name: name, URL: url, Lang: "en", Active: true,
	})
	require.NoError(t, err)
	return src
}

func entry(title, link string, published time.Time) fetcher.Entry {
	return fetcher.Entry{
		Title:     title,
		Link:      link,
		Published: published.Format(time.RFC1123Z),
	}
}

func TestRunIngest_WindowValidation(t *testing.T) {
	p, _ := newTestPipeline(t, &stubFetcher{}, "")
	for _, hours := range []int{0, -1, 169} {
		_, err := p.RunIngest(context.Background(), hours)
		assert.Error(t, err, "window %d", hours)
	}
}

func TestRunIngest_MixedSourceOutcomes(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, "")

	okSrc := seedTestSource(t, st, "ok feed", "https://one.example.com/rss")
	cachedSrc := seedTestSource(t, st, "cached feed", "https://two.example.com/rss")
	brokenSrc := seedTestSource(t, st, "broken feed", "https://three.example.com/rss")

	f.results[okSrc.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		ETag:   `"v2"`,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-time.Hour)),
			entry(storyAI, "https://one.example.com/b", now.Add(-2*time.Hour)),
		},
	}
	f.results[cachedSrc.ID] = fetcher.FetchResult{Status: fetcher.StatusNotModified}
	f.results[brokenSrc.ID] = fetcher.FetchResult{Status: fetcher.StatusError, Err: assert.AnError}

	stats, err := p.RunIngest(ctx, 24)
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 3, stats.SourcesTotal)
	assert.Equal(t, 1, stats.SourcesOK)
	assert.Equal(t, 1, stats.SourcesNotMod)
	assert.Equal(t, 1, stats.SourcesError)
	assert.Equal(t, 2, stats.ItemsTotal)
	assert.Equal(t, 2, stats.ItemsInserted)
	assert.Equal(t, 0, stats.ItemsDuplicated)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "three.example.com")

	// Conditional-fetch cache persisted for the OK source, error count
	// bumped for the broken one.
	sources, err := st.ListActiveSources(ctx)
	require.NoError(t, err)
	byID := map[int64]model.Source{}
	for _, s := range sources {
		byID[s.ID] = s
	}
	assert.Equal(t, `"v2"`, byID[okSrc.ID].ETag)
	assert.Equal(t, 1, byID[brokenSrc.ID].ErrorCount)
}

func TestRunIngest_SecondRunDeduplicates(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, "")
	src := seedTestSource(t, st, "feed", "https://one.example.com/rss")
	f.results[src.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-time.Hour)),
			entry(storyAI, "https://one.example.com/b", now.Add(-2*time.Hour)),
		},
	}

	first, err := p.RunIngest(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 2, first.ItemsInserted)

	second, err := p.RunIngest(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ItemsInserted)
	assert.Equal(t, 2, second.ItemsDuplicated)
}

func TestRunIngest_CancelledMidFetch_KeepsCompletedWork(t *testing.T) {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fastSrc *model.Source
	fastDone := make(chan struct{})

	f := fetchFunc(func(fctx context.Context, src model.Source) fetcher.FetchResult {
		if src.ID == fastSrc.ID {
			defer close(fastDone)
			return fetcher.FetchResult{
				Status: fetcher.StatusOK,
				Entries: []fetcher.Entry{
					entry(storyTaiwan, "https://one.example.com/a", now.Add(-time.Hour)),
				},
			}
		}
		// Still in flight when the run is cancelled.
		<-fastDone
		cancel()
		<-fctx.Done()
		return fetcher.FetchResult{Status: fetcher.StatusError, Err: fctx.Err()}
	})

	p, st := newTestPipeline(t, f, "")
	fastSrc = seedTestSource(t, st, "fast feed", "https://one.example.com/rss")
	seedTestSource(t, st, "slow feed", "https://two.example.com/rss")

	stats, err := p.RunIngest(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SourcesOK)
	assert.Equal(t, 1, stats.SourcesError)
	assert.Equal(t, 1, stats.ItemsInserted, "completed fetches still flow through")
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "context canceled")

	// The aborted feed keeps its clean error count; the run being cut
	// short must not push it towards deactivation.
	sources, err := st.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	for _, s := range sources {
		assert.Zero(t, s.ErrorCount, s.Name)
	}
}

func TestRunIngest_RepeatedFailureDeactivatesSource(t *testing.T) {
	ctx := context.Background()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, "")
	src := seedTestSource(t, st, "flaky feed", "https://one.example.com/rss")
	f.results[src.ID] = fetcher.FetchResult{Status: fetcher.StatusError, Err: assert.AnError}

	for i := 0; i < 3; i++ {
		_, err := p.RunIngest(ctx, 24)
		require.NoError(t, err)
	}

	sources, err := st.ListActiveSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources, "source should be inactive after three consecutive failures")
}

func TestRunTrending_Validation(t *testing.T) {
	p, _ := newTestPipeline(t, &stubFetcher{}, "")
	_, err := p.RunTrending(context.Background(), 24, 0)
	assert.Error(t, err)
	_, err = p.RunTrending(context.Background(), 24, 101)
	assert.Error(t, err)
	_, err = p.RunTrending(context.Background(), 200, 5)
	assert.Error(t, err)
}

func TestRunTrending_ClustersScoresAndSelects(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, "")
	src := seedTestSource(t, st, "feed", "https://agg.example.com/rss")
	f.results[src.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-2*time.Hour)),
			entry(storyTaiwanWire, "https://two.example.com/b", now.Add(-time.Hour)),
			entry(storyAI, "https://three.example.com/c", now.Add(-time.Hour)),
		},
	}

	sel, err := p.RunTrending(ctx, 24, 5)
	require.NoError(t, err)
	require.NotNil(t, sel.Stats)

	assert.Equal(t, 3, sel.Stats.ItemsClustered)
	assert.Equal(t, 2, sel.Stats.NewClusters)
	assert.Len(t, sel.GlobalPicks, 2)
	assert.Empty(t, sel.TopicPicks)

	// The two-domain Taiwan cluster outranks the single-item AI one.
	assert.Greater(t, sel.GlobalPicks[0].ScoreTotal, sel.GlobalPicks[1].ScoreTotal)
	assert.Equal(t, 1, sel.GlobalPicks[0].Rank)
	assert.Equal(t, 2, sel.GlobalPicks[1].Rank)

	// Clusters persisted with their scores.
	clusters, err := st.RecentClusters(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	for _, c := range clusters {
		assert.Greater(t, c.ScoreTotal, 0.0)
	}
}

func TestRunTrending_SecondRunReusesClusters(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, "")
	src := seedTestSource(t, st, "feed", "https://agg.example.com/rss")
	f.results[src.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-2*time.Hour)),
		},
	}

	first, err := p.RunTrending(ctx, 24, 5)
	require.NoError(t, err)
	require.Equal(t, 1, first.Stats.NewClusters)

	// A follow-up article joins the existing cluster instead of
	// spawning a new one.
	f.results[src.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-2*time.Hour)),
			entry(storyTaiwanWire, "https://two.example.com/b", now.Add(-time.Hour)),
		},
	}
	second, err := p.RunTrending(ctx, 24, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stats.NewClusters)

	clusters, err := st.RecentClusters(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].ItemsCount)
}

const taiwanTopicYAML = `
topics:
  - name: Taiwan Security
    topic_key: taiwan_security
    queries:
      - taiwan AND security
    priority: 1.5
`

func TestRunTrending_TopicClaimBeatsGlobal(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, taiwanTopicYAML)
	src := seedTestSource(t, st, "feed", "https://agg.example.com/rss")
	f.results[src.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-time.Hour)),
			entry(storyAI, "https://three.example.com/c", now.Add(-time.Hour)),
		},
	}

	sel, err := p.RunTrending(ctx, 24, 5)
	require.NoError(t, err)

	require.Len(t, sel.TopicPicks, 1)
	assert.Equal(t, "taiwan_security", sel.TopicPicks[0].TopicKey)
	assert.Equal(t, 1, sel.TopicPicks[0].Rank)

	// The Taiwan cluster is claimed by the topic, so the global list
	// holds only the AI cluster.
	require.Len(t, sel.GlobalPicks, 1)
	assert.NotEqual(t, sel.TopicPicks[0].ClusterID, sel.GlobalPicks[0].ClusterID)
	assert.Equal(t, 2, sel.TotalPicks())
	assert.Equal(t, 1, sel.TopicsRepresented())
}

func TestRunTopics(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	f := &stubFetcher{results: map[int64]fetcher.FetchResult{}}
	p, st := newTestPipeline(t, f, taiwanTopicYAML)
	src := seedTestSource(t, st, "feed", "https://agg.example.com/rss")
	f.results[src.ID] = fetcher.FetchResult{
		Status: fetcher.StatusOK,
		Entries: []fetcher.Entry{
			entry(storyTaiwan, "https://one.example.com/a", now.Add(-time.Hour)),
			entry(storyAI, "https://three.example.com/c", now.Add(-time.Hour)),
		},
	}

	byTopic, err := p.RunTopics(ctx, 24)
	require.NoError(t, err)

	require.Contains(t, byTopic, "taiwan_security")
	ts := byTopic["taiwan_security"]
	require.Len(t, ts.TopicPicks, 1)
	assert.Equal(t, 1, ts.TopicPicks[0].Rank)
	assert.NotNil(t, ts.Stats)
	assert.Empty(t, ts.GlobalPicks)
}

func TestTopics_SortedByKey(t *testing.T) {
	const yaml = `
topics:
  - name: Zebra
    topic_key: zebra
    queries: [zebra]
  - name: Alpha
    topic_key: alpha
    queries: [alpha]
`
	p, _ := newTestPipeline(t, &stubFetcher{}, yaml)
	got := p.Topics()
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Key)
	assert.Equal(t, "zebra", got[1].Key)
}
