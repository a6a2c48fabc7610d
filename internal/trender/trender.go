// Package trender drives one pipeline run: fetch active sources,
// normalize and dedupe the entries, cluster them, then score and
// select the trending picks. Per-source and per-article failures are
// accumulated in run statistics; only missing configuration is fatal.
package trender

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/windworldwire/newsbot/internal/cluster"
	"github.com/windworldwire/newsbot/internal/config"
	"github.com/windworldwire/newsbot/internal/fetcher"
	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/normalize"
	"github.com/windworldwire/newsbot/internal/score"
	"github.com/windworldwire/newsbot/internal/selector"
	"github.com/windworldwire/newsbot/internal/store"
	"github.com/windworldwire/newsbot/internal/topic"
)

const (
	minWindowHours = 1
	maxWindowHours = 168
	maxKGlobal     = 100
)

// Pipeline wires the run entry points to their collaborators.
type Pipeline struct {
	cfg    *config.Config
	store  store.Store
	fetch  fetcher.Fetcher
	topics []topic.Topic

	now func() time.Time
}

// New assembles a Pipeline. Topics are loaded once and stay fixed for
// every run made through this instance.
func New(cfg *config.Config, st store.Store, f fetcher.Fetcher, topics []topic.Topic) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  st,
		fetch:  f,
		topics: topics,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func validateWindow(windowHours int) error {
	if windowHours < minWindowHours || windowHours > maxWindowHours {
		return eris.Errorf("window_hours must be between %d and %d, got %d",
			minWindowHours, maxWindowHours, windowHours)
	}
	return nil
}

// fetchOutcome pairs a source with its fetch result, keeping the
// source order stable regardless of completion order.
type fetchOutcome struct {
	src model.Source
	res fetcher.FetchResult
}

// RunIngest fetches every active source under bounded concurrency,
// normalizes the entries, and inserts the new articles. It never
// aborts on per-source failures; the returned stats carry them.
func (p *Pipeline) RunIngest(ctx context.Context, windowHours int) (*model.RunStats, error) {
	if err := validateWindow(windowHours); err != nil {
		return nil, err
	}

	stats := &model.RunStats{
		RunID:       uuid.NewString(),
		WindowHours: windowHours,
		StartedAt:   p.now(),
	}
	defer func() { stats.Runtime = p.now().Sub(stats.StartedAt) }()

	sources, err := p.store.ListActiveSources(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "trender: load sources")
	}
	stats.SourcesTotal = len(sources)
	zap.L().Info("ingest started",
		zap.String("run_id", stats.RunID),
		zap.Int("sources", len(sources)))

	outcomes := make([]fetchOutcome, len(sources))
	limit := p.cfg.Fetch.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, src := range sources {
		g.Go(func() error {
			outcomes[i] = fetchOutcome{src: src, res: p.fetch.Fetch(gctx, src)}
			return nil
		})
	}
	// Workers never return errors; Wait only surfaces ctx cancellation.
	if err := g.Wait(); err != nil {
		return stats, eris.Wrap(err, "trender: fetch phase")
	}

	// A cancelled run aborts outstanding fetches only; whatever the
	// completed fetches produced is still persisted.
	persist := context.WithoutCancel(ctx)

	now := p.now()
	var pending []model.Article
	for _, out := range outcomes {
		switch out.res.Status {
		case fetcher.StatusOK:
			stats.SourcesOK++
			p.recordFetchSuccess(persist, stats, out)
			for _, entry := range out.res.Entries {
				stats.ItemsTotal++
				art, ok := normalize.Normalize(entry, out.src, now)
				if !ok {
					stats.ItemsRejected++
					continue
				}
				pending = append(pending, art)
			}

		case fetcher.StatusNotModified:
			stats.SourcesNotMod++
			if err := p.store.ResetSourceError(persist, out.src.ID); err != nil {
				stats.AddError(fmt.Sprintf("source %d: reset error count: %v", out.src.ID, err))
			}

		default:
			stats.SourcesError++
			stats.AddError(fmt.Sprintf("source %d (%s): %v", out.src.ID, out.src.URL, out.res.Err))
			// A fetch cut short by run cancellation is not the
			// source's fault and must not push it towards
			// deactivation.
			if errors.Is(out.res.Err, context.Canceled) || errors.Is(out.res.Err, context.DeadlineExceeded) {
				break
			}
			if err := p.store.BumpSourceError(persist, out.src.ID, p.cfg.Fetch.ErrorThreshold); err != nil {
				stats.AddError(fmt.Sprintf("source %d: bump error count: %v", out.src.ID, err))
			}
		}
	}

	inserted, err := p.store.InsertArticles(persist, pending)
	if err != nil {
		return stats, eris.Wrap(err, "trender: insert articles")
	}
	stats.ItemsInserted = int(inserted)
	stats.ItemsDuplicated = len(pending) - int(inserted)

	zap.L().Info("ingest finished",
		zap.String("run_id", stats.RunID),
		zap.Int("sources_ok", stats.SourcesOK),
		zap.Int("sources_304", stats.SourcesNotMod),
		zap.Int("sources_error", stats.SourcesError),
		zap.Int("items_inserted", stats.ItemsInserted),
		zap.Int("items_duplicated", stats.ItemsDuplicated))
	return stats, nil
}

func (p *Pipeline) recordFetchSuccess(ctx context.Context, stats *model.RunStats, out fetchOutcome) {
	if err := p.store.UpdateSourceFetchCache(ctx, out.src.ID, out.res.ETag, out.res.LastModified); err != nil {
		stats.AddError(fmt.Sprintf("source %d: update fetch cache: %v", out.src.ID, err))
	}
	if out.src.ErrorCount > 0 {
		if err := p.store.ResetSourceError(ctx, out.src.ID); err != nil {
			stats.AddError(fmt.Sprintf("source %d: reset error count: %v", out.src.ID, err))
		}
	}
}

// RunTrending runs the full pipeline and returns one Selection with
// global and topic picks for the window.
func (p *Pipeline) RunTrending(ctx context.Context, windowHours, kGlobal int) (*model.Selection, error) {
	if kGlobal < 1 || kGlobal > maxKGlobal {
		return nil, eris.Errorf("k_global must be between 1 and %d, got %d", maxKGlobal, kGlobal)
	}
	return p.run(ctx, windowHours, kGlobal)
}

// RunTopics runs the full pipeline and splits the resolved picks into
// one Selection per topic key. Only topics that received picks appear
// in the result.
func (p *Pipeline) RunTopics(ctx context.Context, windowHours int) (map[string]*model.Selection, error) {
	sel, err := p.run(ctx, windowHours, p.cfg.Select.KGlobal)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*model.Selection)
	for _, pick := range sel.TopicPicks {
		ts, ok := out[pick.TopicKey]
		if !ok {
			ts = &model.Selection{Stats: sel.Stats}
			out[pick.TopicKey] = ts
		}
		ts.TopicPicks = append(ts.TopicPicks, pick)
	}
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, windowHours, kGlobal int) (*model.Selection, error) {
	stats, err := p.RunIngest(ctx, windowHours)
	if err != nil {
		return nil, err
	}

	now := p.now()
	window := time.Duration(windowHours) * time.Hour

	mgr := cluster.NewManager(window,
		cluster.WithThreshold(p.cfg.Cluster.HammingThreshold))

	// Clusters are loaded over a wider window than articles so a story
	// that started before the article window still attracts updates.
	existing, err := p.store.RecentClusters(ctx, now.Add(-3*window))
	if err != nil {
		return nil, eris.Wrap(err, "trender: load clusters")
	}
	mgr.Load(existing)

	maxID, err := p.store.MaxClusterID(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "trender: max cluster id")
	}
	mgr.SetNextID(maxID + 1)

	// RecentArticles orders by publish time then URL hash, which keeps
	// assignment reproducible across runs over the same input set.
	articles, err := p.store.RecentArticles(ctx, now.Add(-window))
	if err != nil {
		return nil, eris.Wrap(err, "trender: load articles")
	}

	for _, art := range articles {
		// Articles linked by an earlier run are already reflected in
		// their cluster's stored aggregates.
		if art.ClusterID != 0 {
			continue
		}
		c, created, err := mgr.Assign(art, now)
		if err != nil {
			stats.AddError(fmt.Sprintf("article %d: %v", art.ID, err))
			continue
		}
		stats.ItemsClustered++
		if created {
			stats.NewClusters++
		}
		if err := p.store.AssignArticleCluster(ctx, art.ID, c.ID); err != nil {
			stats.AddError(fmt.Sprintf("article %d: link cluster %d: %v", art.ID, c.ID, err))
		}
	}

	scorer := score.New(score.Weights{
		HalfLife:  time.Duration(p.cfg.Score.HalfLifeHours * float64(time.Hour)),
		Fresh:     p.cfg.Score.WeightFresh,
		Diversity: p.cfg.Score.WeightDiversity,
		Volume:    p.cfg.Score.WeightVolume,
		VolumeCap: p.cfg.Score.VolumeCap,
	})

	clusters := mgr.Clusters()
	for _, c := range clusters {
		c.ScoreTotal = scorer.Score(c, now)
		if err := p.store.SaveCluster(ctx, c); err != nil {
			stats.AddError(fmt.Sprintf("cluster %d: save: %v", c.ID, err))
		}
	}

	sel := selector.New(scorer, p.cfg.Select.MaxPostsPerRun)
	global := sel.SelectGlobal(clusters, now, kGlobal)
	topicPicks := sel.SelectTopics(clusters, p.topics, now)
	result := selector.Resolve(global, topicPicks)
	result.Stats = stats

	zap.L().Info("trending run finished",
		zap.String("run_id", stats.RunID),
		zap.Int("clusters", len(clusters)),
		zap.Int("new_clusters", stats.NewClusters),
		zap.Int("global_picks", len(result.GlobalPicks)),
		zap.Int("topic_picks", len(result.TopicPicks)),
		zap.Int("topics", result.TopicsRepresented()))
	return result, nil
}

// Topics returns the configured topics, sorted by key for stable
// display in the serving layer.
func (p *Pipeline) Topics() []topic.Topic {
	out := make([]topic.Topic, len(p.topics))
	copy(out, p.topics)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
