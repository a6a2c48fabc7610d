package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/windworldwire/newsbot/internal/db"
	"github.com/windworldwire/newsbot/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; tests inject pgxmock here.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name          TEXT NOT NULL,
	url           TEXT NOT NULL UNIQUE,
	lang          TEXT NOT NULL DEFAULT 'en',
	etag          TEXT NOT NULL DEFAULT '',
	last_modified TIMESTAMPTZ,
	error_count   INTEGER NOT NULL DEFAULT 0,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS articles (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	source_id    BIGINT NOT NULL REFERENCES sources(id),
	title        TEXT NOT NULL,
	url          TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	lang         TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	url_hash     TEXT NOT NULL UNIQUE,
	fingerprint  TEXT NOT NULL,
	cluster_id   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clusters (
	id               BIGINT PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'open',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	items_count      INTEGER NOT NULL DEFAULT 0,
	domains          JSONB NOT NULL DEFAULT '{}',
	langs            JSONB NOT NULL DEFAULT '{}',
	rep_article_id   BIGINT NOT NULL DEFAULT 0,
	rep_title        TEXT NOT NULL DEFAULT '',
	rep_summary      TEXT NOT NULL DEFAULT '',
	rep_fingerprint  TEXT NOT NULL DEFAULT '',
	rep_published_at TIMESTAMPTZ,
	score_total      DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active);
CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at);
CREATE INDEX IF NOT EXISTS idx_articles_source_id ON articles(source_id);
CREATE INDEX IF NOT EXISTS idx_articles_cluster_id ON articles(cluster_id);
CREATE INDEX IF NOT EXISTS idx_clusters_status_updated ON clusters(status, updated_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, url, lang, etag, last_modified, error_count, active, created_at, updated_at
		 FROM sources WHERE active ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var lastMod *time.Time
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.Lang, &src.ETag, &lastMod,
			&src.ErrorCount, &src.Active, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		if lastMod != nil {
			src.LastModified = lastMod.UTC()
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list active sources")
}

func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) (*model.Source, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sources (name, url, lang, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (url) DO UPDATE SET name = EXCLUDED.name, lang = EXCLUDED.lang,
		   active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
		 RETURNING id, name, url, lang, etag, error_count, active, created_at, updated_at`,
		src.Name, src.URL, src.Lang, src.Active, now,
	)
	var stored model.Source
	if err := row.Scan(&stored.ID, &stored.Name, &stored.URL, &stored.Lang, &stored.ETag,
		&stored.ErrorCount, &stored.Active, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert source %s", src.URL)
	}
	return &stored, nil
}

func (s *PostgresStore) SeedSources(ctx context.Context, sources []model.Source) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(sources))
	for _, src := range sources {
		rows = append(rows, []any{src.Name, src.URL, src.Lang, src.Active, now, now})
	}
	return db.BulkUpsert(ctx, s.pool, db.BulkConfig{
		Table:        "sources",
		Columns:      []string{"name", "url", "lang", "active", "created_at", "updated_at"},
		ConflictKeys: []string{"url"},
		UpdateCols:   []string{"name", "lang", "active", "updated_at"},
	}, rows)
}

func (s *PostgresStore) UpdateSourceFetchCache(ctx context.Context, id int64, etag string, lastModified time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET etag = $1, last_modified = $2, updated_at = $3 WHERE id = $4`,
		etag, nullTime(lastModified), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source cache %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) BumpSourceError(ctx context.Context, id int64, threshold int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET error_count = error_count + 1,
		   active = CASE WHEN error_count + 1 >= $1 THEN FALSE ELSE active END,
		   updated_at = $2
		 WHERE id = $3`,
		threshold, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump source error %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) ResetSourceError(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET error_count = 0, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset source error %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) InsertArticle(ctx context.Context, art *model.Article) (bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO articles (source_id, title, url, summary, lang, published_at, fetched_at, url_hash, fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (url_hash) DO NOTHING
		 RETURNING id`,
		art.SourceID, art.Title, art.URL, art.Summary, art.Lang,
		art.PublishedAt.UTC(), art.FetchedAt.UTC(), art.URLHash, art.Fingerprint,
	)
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert article %s", art.URLHash)
	}
	art.ID = id
	return true, nil
}

func (s *PostgresStore) InsertArticles(ctx context.Context, arts []model.Article) (int64, error) {
	rows := make([][]any, 0, len(arts))
	for _, a := range arts {
		rows = append(rows, []any{a.SourceID, a.Title, a.URL, a.Summary, a.Lang,
			a.PublishedAt.UTC(), a.FetchedAt.UTC(), a.URLHash, a.Fingerprint})
	}
	return db.BulkInsertIgnore(ctx, s.pool, db.BulkConfig{
		Table: "articles",
		Columns: []string{"source_id", "title", "url", "summary", "lang",
			"published_at", "fetched_at", "url_hash", "fingerprint"},
		ConflictKeys: []string{"url_hash"},
	}, rows)
}

func (s *PostgresStore) RecentArticles(ctx context.Context, since time.Time) ([]model.Article, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, title, url, summary, lang, published_at, fetched_at, url_hash, fingerprint, cluster_id
		 FROM articles WHERE published_at >= $1 ORDER BY published_at, url_hash`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent articles")
	}
	defer rows.Close()

	var out []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.SourceID, &a.Title, &a.URL, &a.Summary, &a.Lang,
			&a.PublishedAt, &a.FetchedAt, &a.URLHash, &a.Fingerprint, &a.ClusterID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan article")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent articles")
}

func (s *PostgresStore) AssignArticleCluster(ctx context.Context, articleID, clusterID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE articles SET cluster_id = $1 WHERE id = $2`, clusterID, articleID)
	if err != nil {
		return eris.Wrapf(err, "postgres: assign article %d to cluster %d", articleID, clusterID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("article not found: %d", articleID)
	}
	return nil
}

func (s *PostgresStore) RecentClusters(ctx context.Context, since time.Time) ([]*model.Cluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, created_at, updated_at, items_count, domains, langs,
		        rep_article_id, rep_title, rep_summary, rep_fingerprint, rep_published_at, score_total
		 FROM clusters WHERE updated_at >= $1 AND status = 'open' ORDER BY id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent clusters")
	}
	defer rows.Close()

	var out []*model.Cluster
	for rows.Next() {
		var c model.Cluster
		var status string
		var domainsJSON, langsJSON []byte
		var repPublished *time.Time
		if err := rows.Scan(&c.ID, &status, &c.CreatedAt, &c.UpdatedAt, &c.ItemsCount, &domainsJSON, &langsJSON,
			&c.RepArticleID, &c.RepTitle, &c.RepSummary, &c.RepFingerprint, &repPublished, &c.ScoreTotal); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster")
		}
		c.Status = model.ClusterStatus(status)
		if repPublished != nil {
			c.RepPublishedAt = repPublished.UTC()
		}
		if err := json.Unmarshal(domainsJSON, &c.Domains); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal domains for cluster %d", c.ID)
		}
		if err := json.Unmarshal(langsJSON, &c.Langs); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal langs for cluster %d", c.ID)
		}
		out = append(out, &c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent clusters")
}

func (s *PostgresStore) SaveCluster(ctx context.Context, c *model.Cluster) error {
	domainsJSON, err := json.Marshal(c.Domains)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal domains")
	}
	langsJSON, err := json.Marshal(c.Langs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal langs")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clusters (id, status, created_at, updated_at, items_count, domains, langs,
		   rep_article_id, rep_title, rep_summary, rep_fingerprint, rep_published_at, score_total)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, updated_at = EXCLUDED.updated_at,
		   items_count = EXCLUDED.items_count, domains = EXCLUDED.domains,
		   langs = EXCLUDED.langs,
		   rep_article_id = EXCLUDED.rep_article_id, rep_title = EXCLUDED.rep_title,
		   rep_summary = EXCLUDED.rep_summary, rep_fingerprint = EXCLUDED.rep_fingerprint,
		   rep_published_at = EXCLUDED.rep_published_at, score_total = EXCLUDED.score_total`,
		c.ID, string(c.Status), c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.ItemsCount, domainsJSON, langsJSON,
		c.RepArticleID, c.RepTitle, c.RepSummary, c.RepFingerprint, nullTime(c.RepPublishedAt), c.ScoreTotal,
	)
	return eris.Wrapf(err, "postgres: save cluster %d", c.ID)
}

func (s *PostgresStore) MaxClusterID(ctx context.Context) (int64, error) {
	var id *int64
	err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM clusters`).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: max cluster id")
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}
