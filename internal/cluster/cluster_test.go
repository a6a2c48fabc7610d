package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windworldwire/newsbot/internal/model"
	"github.com/windworldwire/newsbot/internal/simhash"
)

var (
	storyA = "Taiwan Strengthens Cyber Security Measures Against Growing Digital Threats: the government announced new investment in network defense infrastructure and coordinated monitoring of critical systems across the island"
	// Lightly reworded wire copy of storyA; within the distance threshold.
	storyAWire = "Taiwan Strengthens Cyber Security Measures Against Growing Digital Threats: the administration announced new investment in network defense infrastructure and coordinated monitoring of critical systems across the region"
	storyB     = "AI Research Center Opens In Silicon Valley With Focus On Machine Learning: scientists will explore novel neural architectures, robotics applications and large language model training techniques for industry partners"
	storyC     = "Championship Final Ends In Dramatic Penalty Shootout After Extra Time as the home side lifts the trophy for the first time in decades"
)

func article(id int64, text, url string, published time.Time) model.Article {
	return model.Article{
		ID:          id,
		Title:       text,
		URL:         url,
		PublishedAt: published,
		Fingerprint: simhash.Fingerprint(text),
	}
}

func TestAssign_NewCluster(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	c, created, err := m.Assign(article(1, storyA, "https://one.example.com/a", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, c.ItemsCount)
	assert.Equal(t, model.ClusterOpen, c.Status)
	assert.Equal(t, map[string]int{"one.example.com": 1}, c.Domains)
	assert.Equal(t, int64(1), c.RepArticleID)
}

func TestAssign_WireCopyJoinsCluster(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	first, created, err := m.Assign(article(1, storyA, "https://one.example.com/a", now.Add(-time.Hour)), now)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := m.Assign(article(2, storyAWire, "https://two.example.com/b", now), now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ItemsCount)
	assert.Equal(t, 2, second.DomainsCount())

	third, created, err := m.Assign(article(3, storyB, "https://three.example.com/c", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, m.Len())
}

func TestAssign_MostRecentCandidateTriedFirst(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	stale, _, err := m.Assign(article(1, storyA, "https://a.example.com/1", now.Add(-6*time.Hour)), now)
	require.NoError(t, err)
	fresh, _, err := m.Assign(article(2, storyC, "https://b.example.com/2", now.Add(-time.Hour)), now)
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, fresh.ID)

	// Both clusters are open; candidate order is most recently updated
	// first, so the fresh one is compared before the stale one.
	cands := m.candidates(now)
	require.Len(t, cands, 2)
	assert.Equal(t, fresh.ID, cands[0].ID)
	assert.Equal(t, stale.ID, cands[1].ID)
}

func TestAssign_WindowExcludesOldClusters(t *testing.T) {
	m := NewManager(3 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	old, _, err := m.Assign(article(1, storyA, "https://a.example.com/1", now.Add(-8*time.Hour)), now)
	require.NoError(t, err)

	// Same story again, but the existing cluster fell out of the window.
	c, created, err := m.Assign(article(2, storyAWire, "https://b.example.com/2", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, old.ID, c.ID)
}

func TestAssign_Deterministic(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	articles := []model.Article{
		article(1, storyA, "https://a.example.com/1", now.Add(-3*time.Hour)),
		article(2, storyB, "https://b.example.com/2", now.Add(-2*time.Hour)),
		article(3, storyAWire, "https://c.example.com/3", now.Add(-1*time.Hour)),
	}

	run := func() map[int64]int64 {
		m := NewManager(24 * time.Hour)
		got := make(map[int64]int64)
		for _, a := range articles {
			c, _, err := m.Assign(a, now)
			require.NoError(t, err)
			got[a.ID] = c.ID
		}
		return got
	}

	first := run()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
	assert.Equal(t, first[1], first[3], "wire copy lands with the original")
	assert.NotEqual(t, first[1], first[2])
}

func TestAttach_AggregatesMonotonic(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	c, _, err := m.Assign(article(1, storyA, "https://a.example.com/1", now.Add(-time.Hour)), now)
	require.NoError(t, err)
	updatedBefore := c.UpdatedAt

	// An older wire copy must not move last-updated backwards.
	_, created, err := m.Assign(article(2, storyAWire, "https://a.example.com/2", now.Add(-5*time.Hour)), now)
	require.NoError(t, err)
	require.False(t, created)

	assert.Equal(t, updatedBefore, c.UpdatedAt)
	assert.Equal(t, 2, c.ItemsCount)
	assert.Equal(t, map[string]int{"a.example.com": 2}, c.Domains)
	assert.Equal(t, 1, c.DomainsCount())
}

func TestAttach_AggregatesLanguages(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	first := article(1, storyA, "https://a.example.com/1", now.Add(-time.Hour))
	first.Lang = "en"
	c, _, err := m.Assign(first, now)
	require.NoError(t, err)

	second := article(2, storyAWire, "https://b.example.com/2", now)
	second.Lang = "es"
	_, created, err := m.Assign(second, now)
	require.NoError(t, err)
	require.False(t, created)

	assert.Equal(t, map[string]int{"en": 1, "es": 1}, c.Langs)
}

func TestRepPolicy_EarliestPublished(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	c, _, err := m.Assign(article(1, storyA, "https://a.example.com/1", now.Add(-time.Hour)), now)
	require.NoError(t, err)
	require.Equal(t, int64(1), c.RepArticleID)

	// Older wire copy becomes the representative.
	_, _, err = m.Assign(article(2, storyAWire, "https://b.example.com/2", now.Add(-4*time.Hour)), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.RepArticleID)
	assert.Equal(t, simhash.Fingerprint(storyAWire), c.RepFingerprint)

	// A newer copy does not take over.
	_, _, err = m.Assign(article(3, storyA, "https://c.example.com/3", now), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.RepArticleID)
}

func TestAssign_BadStoredFingerprint(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	m.Load([]*model.Cluster{{
		ID:             9,
		Status:         model.ClusterOpen,
		UpdatedAt:      now,
		RepFingerprint: "not-a-fingerprint",
	}})

	_, _, err := m.Assign(article(1, storyA, "https://a.example.com/1", now), now)
	require.Error(t, err)
	assert.ErrorIs(t, err, simhash.ErrBadFingerprint)
}

func TestLoad_SeedsWorkingSet(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	m.Load([]*model.Cluster{
		{ID: 5, Status: model.ClusterOpen, UpdatedAt: now.Add(-time.Hour), RepFingerprint: simhash.Fingerprint(storyA), Domains: map[string]int{"a.example.com": 1}, ItemsCount: 1},
		{ID: 6, Status: model.ClusterClosed, UpdatedAt: now, RepFingerprint: simhash.Fingerprint(storyB)},
	})
	assert.Equal(t, 1, m.Len(), "closed clusters are not candidates")

	c, created, err := m.Assign(article(10, storyAWire, "https://b.example.com/x", now), now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), c.ID)

	// New clusters continue past the loaded identifiers.
	fresh, created, err := m.Assign(article(11, storyB, "https://c.example.com/y", now), now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Greater(t, fresh.ID, int64(5))
}

func TestClusters_OrderedByID(t *testing.T) {
	m := NewManager(24 * time.Hour)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	texts := []string{storyA, storyB, storyC}
	for i, txt := range texts {
		_, _, err := m.Assign(article(int64(i+1), txt, fmt.Sprintf("https://s%d.example.com/a", i), now), now)
		require.NoError(t, err)
	}

	all := m.Clusters()
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
	assert.NotNil(t, m.Cluster(all[0].ID))
	assert.Nil(t, m.Cluster(999))
}
