// Package store persists sources, articles and clusters behind a
// driver-agnostic interface with SQLite and PostgreSQL backends.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/windworldwire/newsbot/internal/model"
)

// Store defines the persistence interface for the trending pipeline.
type Store interface {
	// Sources
	ListActiveSources(ctx context.Context) ([]model.Source, error)
	UpsertSource(ctx context.Context, src model.Source) (*model.Source, error)
	UpdateSourceFetchCache(ctx context.Context, id int64, etag string, lastModified time.Time) error
	// BumpSourceError increments the consecutive-error count and flips
	// the source inactive once it reaches threshold.
	BumpSourceError(ctx context.Context, id int64, threshold int) error
	ResetSourceError(ctx context.Context, id int64) error

	// SeedSources loads feed definitions in one shot, updating rows
	// that already exist. Returns the number of rows written.
	SeedSources(ctx context.Context, sources []model.Source) (int64, error)

	// Articles. InsertArticle is write-once on url_hash: a duplicate
	// returns created=false with no error. On success the article's ID
	// is filled in. InsertArticles is the batch form used by the
	// pipeline; it reports how many rows were actually inserted.
	InsertArticle(ctx context.Context, art *model.Article) (bool, error)
	InsertArticles(ctx context.Context, arts []model.Article) (int64, error)
	RecentArticles(ctx context.Context, since time.Time) ([]model.Article, error)
	// AssignArticleCluster records the article's cluster membership so
	// later runs over the same window do not re-count it.
	AssignArticleCluster(ctx context.Context, articleID, clusterID int64) error

	// Clusters. SaveCluster upserts by the caller-assigned identifier,
	// covering both creation and aggregate updates.
	RecentClusters(ctx context.Context, since time.Time) ([]*model.Cluster, error)
	SaveCluster(ctx context.Context, c *model.Cluster) error
	MaxClusterID(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open builds a Store from a driver name and DSN.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
