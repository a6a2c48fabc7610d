// Package selector picks the top-k clusters globally and per topic,
// then resolves clusters claimed by more than one list. Topic picks
// beat global picks; among topics the higher priority wins. Lists are
// not backfilled after a removal.
package selector

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/score"
	"github.com/windworldwire/newsbot/internal/topic"
)

// Selector runs top-k selection against a fixed scorer and caps.
type Selector struct {
	scorer         *score.Scorer
	maxPostsPerRun int
}

// New builds a Selector. maxPostsPerRun caps the global list
// regardless of the per-run k; zero means no cap.
func New(scorer *score.Scorer, maxPostsPerRun int) *Selector {
	return &Selector{scorer: scorer, maxPostsPerRun: maxPostsPerRun}
}

// SelectGlobal scores every cluster and returns the top k as global
// picks, capped further by the selector's max posts per run.
func (s *Selector) SelectGlobal(clusters []*model.Cluster, now time.Time, k int) []model.Pick {
	if s.maxPostsPerRun > 0 && k > s.maxPostsPerRun {
		k = s.maxPostsPerRun
	}
	if k <= 0 {
		return nil
	}

	scored := make([]score.Scored, 0, len(clusters))
	for _, c := range clusters {
		scored = append(scored, score.Scored{Cluster: c, Score: s.scorer.Score(c, now)})
	}
	sort.Slice(scored, func(i, j int) bool { return score.Less(scored[i], scored[j]) })

	if len(scored) > k {
		scored = scored[:k]
	}
	picks := make([]model.Pick, 0, len(scored))
	for _, sc := range scored {
		picks = append(picks, model.Pick{
			ClusterID:     sc.Cluster.ID,
			ScoreTotal:    sc.Score,
			AdjustedScore: sc.Score,
		})
	}
	return picks
}

// SelectTopics returns, for each enabled topic, its qualifying
// clusters ranked by adjusted score and cut to the topic's MaxPosts.
// A cluster qualifies when the topic query matches its representative
// text, its domains and languages pass the topic's filters, and the
// adjusted score clears the topic's MinScore.
func (s *Selector) SelectTopics(clusters []*model.Cluster, topics []topic.Topic, now time.Time) []model.Pick {
	var picks []model.Pick

	for i := range topics {
		t := &topics[i]
		if !t.Enabled {
			continue
		}

		var scored []score.Scored
		for _, c := range clusters {
			if !clusterDomainsAllowed(c, t) || !clusterLangAllowed(c, t) {
				continue
			}
			adjusted := s.scorer.ScoreForTopic(c, t, now)
			if adjusted <= 0 || adjusted < t.MinScore {
				continue
			}
			scored = append(scored, score.Scored{Cluster: c, Score: adjusted})
		}
		sort.Slice(scored, func(i, j int) bool { return score.Less(scored[i], scored[j]) })

		max := t.MaxPosts
		if max > 0 && len(scored) > max {
			scored = scored[:max]
		}
		for _, sc := range scored {
			picks = append(picks, model.Pick{
				ClusterID:     sc.Cluster.ID,
				ScoreTotal:    s.scorer.Score(sc.Cluster, now),
				AdjustedScore: sc.Score,
				TopicKey:      t.Key,
				TopicPriority: t.Priority,
			})
		}
	}
	return picks
}

// clusterDomainsAllowed reports whether at least one contributing
// domain passes the topic's domain filter.
func clusterDomainsAllowed(c *model.Cluster, t *topic.Topic) bool {
	if len(t.AllowDomains) == 0 {
		return true
	}
	for domain := range c.Domains {
		if t.AllowsDomain(domain) {
			return true
		}
	}
	return false
}

// clusterLangAllowed reports whether at least one contributing
// language passes the topic's language filter.
func clusterLangAllowed(c *model.Cluster, t *topic.Topic) bool {
	if t.Lang == "" {
		return true
	}
	for lang := range c.Langs {
		if t.AllowsLang(lang) {
			return true
		}
	}
	return false
}

// Resolve merges the independently computed lists into one Selection
// in which no cluster appears twice. A cluster in both a topic list
// and the global list keeps only its topic pick; a cluster in several
// topic lists keeps only the highest-priority topic, with the lower
// key winning a priority tie. Removed slots are not backfilled.
func Resolve(global, topicPicks []model.Pick) *model.Selection {
	// Best topic claim per cluster.
	claims := make(map[int64]model.Pick, len(topicPicks))
	for _, p := range topicPicks {
		cur, ok := claims[p.ClusterID]
		if !ok || p.TopicPriority > cur.TopicPriority ||
			(p.TopicPriority == cur.TopicPriority && p.TopicKey < cur.TopicKey) {
			claims[p.ClusterID] = p
		}
	}

	sel := &model.Selection{}
	for _, p := range topicPicks {
		if claims[p.ClusterID].TopicKey != p.TopicKey {
			zap.L().Debug("topic pick dropped",
				zap.Int64("cluster_id", p.ClusterID),
				zap.String("topic", p.TopicKey),
				zap.String("kept_by", claims[p.ClusterID].TopicKey))
			continue
		}
		p.Rank = 0 // assigned below
		sel.TopicPicks = append(sel.TopicPicks, p)
	}
	for _, p := range global {
		if _, claimed := claims[p.ClusterID]; claimed {
			continue
		}
		sel.GlobalPicks = append(sel.GlobalPicks, p)
	}

	for i := range sel.GlobalPicks {
		sel.GlobalPicks[i].Rank = i + 1
	}
	rankByTopic := make(map[string]int)
	for i := range sel.TopicPicks {
		rankByTopic[sel.TopicPicks[i].TopicKey]++
		sel.TopicPicks[i].Rank = rankByTopic[sel.TopicPicks[i].TopicKey]
	}
	return sel
}
