package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windworldwire/newsbot/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgres_ListActiveSources(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	lastMod := now.Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM sources WHERE active").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "url", "lang", "etag", "last_modified",
			"error_count", "active", "created_at", "updated_at",
		}).
			AddRow(int64(1), "A", "https://a.example.com/rss", "en", `"v1"`, &lastMod, 0, true, now, now).
			AddRow(int64(2), "B", "https://b.example.com/rss", "es", "", (*time.Time)(nil), 2, true, now, now))

	sources, err := s.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, int64(1), sources[0].ID)
	assert.True(t, lastMod.Equal(sources[0].LastModified))
	assert.True(t, sources[1].LastModified.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertArticle(t *testing.T) {
	s, mock := newMockStore(t)
	published := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	art := testArticle(1, "hash-1", published)

	mock.ExpectQuery("INSERT INTO articles").
		WithArgs(art.SourceID, art.Title, art.URL, art.Summary, art.Lang,
			art.PublishedAt, art.FetchedAt, art.URLHash, art.Fingerprint).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	created, err := s.InsertArticle(context.Background(), &art)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(11), art.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertArticle_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)
	published := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	art := testArticle(1, "hash-1", published)

	// ON CONFLICT DO NOTHING returns no row for a duplicate.
	mock.ExpectQuery("INSERT INTO articles").
		WithArgs(art.SourceID, art.Title, art.URL, art.Summary, art.Lang,
			art.PublishedAt, art.FetchedAt, art.URLHash, art.Fingerprint).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	created, err := s.InsertArticle(context.Background(), &art)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, art.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BumpSourceError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources SET error_count = error_count").
		WithArgs(10, pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.BumpSourceError(context.Background(), 3, 10))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BumpSourceError_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources SET error_count = error_count").
		WithArgs(10, pgxmock.AnyArg(), int64(99)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.Error(t, s.BumpSourceError(context.Background(), 99, 10))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AssignArticleCluster(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE articles SET cluster_id").
		WithArgs(int64(42), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.AssignArticleCluster(context.Background(), 7, 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveCluster(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	c := &model.Cluster{
		ID:         1,
		Status:     model.ClusterOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
		ItemsCount: 2,
		Domains:    map[string]int{"a.example.com": 2},
		Langs:      map[string]int{"en": 2},
	}

	mock.ExpectExec("INSERT INTO clusters").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveCluster(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecentClusters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	repPub := now.Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM clusters WHERE updated_at").
		WithArgs(now.Add(-24 * time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "created_at", "updated_at", "items_count", "domains", "langs",
			"rep_article_id", "rep_title", "rep_summary", "rep_fingerprint", "rep_published_at", "score_total",
		}).AddRow(int64(1), "open", now.Add(-2*time.Hour), now, 3, []byte(`{"a.example.com":3}`), []byte(`{"en":3}`),
			int64(9), "Headline", "", "1141008010140582", &repPub, 0.5))

	clusters, err := s.RecentClusters(context.Background(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, model.ClusterOpen, clusters[0].Status)
	assert.Equal(t, map[string]int{"a.example.com": 3}, clusters[0].Domains)
	assert.Equal(t, map[string]int{"en": 3}, clusters[0].Langs)
	assert.True(t, repPub.Equal(clusters[0].RepPublishedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MaxClusterID_Empty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT MAX").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*int64)(nil)))

	id, err := s.MaxClusterID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
