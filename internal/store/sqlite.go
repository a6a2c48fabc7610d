package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/windworldwire/newsbot/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	url           TEXT NOT NULL UNIQUE,
	lang          TEXT NOT NULL DEFAULT 'en',
	etag          TEXT NOT NULL DEFAULT '',
	last_modified DATETIME,
	error_count   INTEGER NOT NULL DEFAULT 0,
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS articles (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id    INTEGER NOT NULL REFERENCES sources(id),
	title        TEXT NOT NULL,
	url          TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	lang         TEXT NOT NULL DEFAULT '',
	published_at DATETIME NOT NULL,
	fetched_at   DATETIME NOT NULL,
	url_hash     TEXT NOT NULL UNIQUE,
	fingerprint  TEXT NOT NULL,
	cluster_id   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clusters (
	id               INTEGER PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'open',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	items_count      INTEGER NOT NULL DEFAULT 0,
	domains          TEXT NOT NULL DEFAULT '{}',
	langs            TEXT NOT NULL DEFAULT '{}',
	rep_article_id   INTEGER NOT NULL DEFAULT 0,
	rep_title        TEXT NOT NULL DEFAULT '',
	rep_summary      TEXT NOT NULL DEFAULT '',
	rep_fingerprint  TEXT NOT NULL DEFAULT '',
	rep_published_at DATETIME,
	score_total      REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active);
CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at);
CREATE INDEX IF NOT EXISTS idx_articles_source_id ON articles(source_id);
CREATE INDEX IF NOT EXISTS idx_articles_cluster_id ON articles(cluster_id);
CREATE INDEX IF NOT EXISTS idx_clusters_status_updated ON clusters(status, updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, lang, etag, last_modified, error_count, active, created_at, updated_at
		 FROM sources WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list active sources")
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) (*model.Source, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (name, url, lang, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET name = excluded.name, lang = excluded.lang,
		   active = excluded.active, updated_at = excluded.updated_at`,
		src.Name, src.URL, src.Lang, src.Active, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert source %s", src.URL)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, lang, etag, last_modified, error_count, active, created_at, updated_at
		 FROM sources WHERE url = ?`, src.URL)
	stored, err := scanSource(row)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *SQLiteStore) SeedSources(ctx context.Context, sources []model.Source) (int64, error) {
	var n int64
	for _, src := range sources {
		if _, err := s.UpsertSource(ctx, src); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *SQLiteStore) UpdateSourceFetchCache(ctx context.Context, id int64, etag string, lastModified time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET etag = ?, last_modified = ?, updated_at = ? WHERE id = ?`,
		etag, nullTime(lastModified), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source cache %d", id)
	}
	return checkRowsAffected(res, "source", id)
}

func (s *SQLiteStore) BumpSourceError(ctx context.Context, id int64, threshold int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET error_count = error_count + 1,
		   active = CASE WHEN error_count + 1 >= ? THEN 0 ELSE active END,
		   updated_at = ?
		 WHERE id = ?`,
		threshold, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump source error %d", id)
	}
	return checkRowsAffected(res, "source", id)
}

func (s *SQLiteStore) ResetSourceError(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET error_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset source error %d", id)
	}
	return checkRowsAffected(res, "source", id)
}

func (s *SQLiteStore) InsertArticle(ctx context.Context, art *model.Article) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO articles (source_id, title, url, summary, lang, published_at, fetched_at, url_hash, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url_hash) DO NOTHING`,
		art.SourceID, art.Title, art.URL, art.Summary, art.Lang,
		art.PublishedAt.UTC(), art.FetchedAt.UTC(), art.URLHash, art.Fingerprint,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert article %s", art.URLHash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: last insert id")
	}
	art.ID = id
	return true, nil
}

func (s *SQLiteStore) InsertArticles(ctx context.Context, arts []model.Article) (int64, error) {
	var inserted int64
	for i := range arts {
		created, err := s.InsertArticle(ctx, &arts[i])
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}
	return inserted, nil
}

func (s *SQLiteStore) RecentArticles(ctx context.Context, since time.Time) ([]model.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, title, url, summary, lang, published_at, fetched_at, url_hash, fingerprint, cluster_id
		 FROM articles WHERE published_at >= ? ORDER BY published_at, url_hash`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent articles")
	}
	defer rows.Close()

	var out []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.SourceID, &a.Title, &a.URL, &a.Summary, &a.Lang,
			&a.PublishedAt, &a.FetchedAt, &a.URLHash, &a.Fingerprint, &a.ClusterID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan article")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent articles")
}

func (s *SQLiteStore) AssignArticleCluster(ctx context.Context, articleID, clusterID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE articles SET cluster_id = ? WHERE id = ?`, clusterID, articleID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: assign article %d to cluster %d", articleID, clusterID)
	}
	return checkRowsAffected(res, "article", articleID)
}

func (s *SQLiteStore) RecentClusters(ctx context.Context, since time.Time) ([]*model.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, created_at, updated_at, items_count, domains, langs,
		        rep_article_id, rep_title, rep_summary, rep_fingerprint, rep_published_at, score_total
		 FROM clusters WHERE updated_at >= ? AND status = 'open' ORDER BY id`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent clusters")
	}
	defer rows.Close()

	var out []*model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent clusters")
}

func (s *SQLiteStore) SaveCluster(ctx context.Context, c *model.Cluster) error {
	domainsJSON, err := json.Marshal(c.Domains)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal domains")
	}
	langsJSON, err := json.Marshal(c.Langs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal langs")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clusters (id, status, created_at, updated_at, items_count, domains, langs,
		   rep_article_id, rep_title, rep_summary, rep_fingerprint, rep_published_at, score_total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status, updated_at = excluded.updated_at,
		   items_count = excluded.items_count, domains = excluded.domains,
		   langs = excluded.langs,
		   rep_article_id = excluded.rep_article_id, rep_title = excluded.rep_title,
		   rep_summary = excluded.rep_summary, rep_fingerprint = excluded.rep_fingerprint,
		   rep_published_at = excluded.rep_published_at, score_total = excluded.score_total`,
		c.ID, string(c.Status), c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.ItemsCount, string(domainsJSON), string(langsJSON),
		c.RepArticleID, c.RepTitle, c.RepSummary, c.RepFingerprint, nullTime(c.RepPublishedAt), c.ScoreTotal,
	)
	return eris.Wrapf(err, "sqlite: save cluster %d", c.ID)
}

func (s *SQLiteStore) MaxClusterID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM clusters`).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: max cluster id")
	}
	return id.Int64, nil
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (model.Source, error) {
	var src model.Source
	var lastMod sql.NullTime
	err := row.Scan(&src.ID, &src.Name, &src.URL, &src.Lang, &src.ETag, &lastMod,
		&src.ErrorCount, &src.Active, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return model.Source{}, eris.Wrap(err, "sqlite: scan source")
	}
	if lastMod.Valid {
		src.LastModified = lastMod.Time.UTC()
	}
	return src, nil
}

func scanCluster(row scannable) (*model.Cluster, error) {
	var c model.Cluster
	var status, domainsJSON, langsJSON string
	var repPublished sql.NullTime
	err := row.Scan(&c.ID, &status, &c.CreatedAt, &c.UpdatedAt, &c.ItemsCount, &domainsJSON, &langsJSON,
		&c.RepArticleID, &c.RepTitle, &c.RepSummary, &c.RepFingerprint, &repPublished, &c.ScoreTotal)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan cluster")
	}
	c.Status = model.ClusterStatus(status)
	if repPublished.Valid {
		c.RepPublishedAt = repPublished.Time.UTC()
	}
	if err := json.Unmarshal([]byte(domainsJSON), &c.Domains); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal domains for cluster %d", c.ID)
	}
	if err := json.Unmarshal([]byte(langsJSON), &c.Langs); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal langs for cluster %d", c.ID)
	}
	return &c, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
