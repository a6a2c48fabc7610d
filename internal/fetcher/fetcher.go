// Package fetcher retrieves RSS/Atom feed documents under conditional
// GET, per-host rate limiting, retry with backoff, and per-host
// circuit breaking.
package fetcher

import (
	"context"
	"time"

	"github.com/windworldwire/newsbot/internal/model"
)

// Status is the outcome class of one fetch attempt.
type Status string

const (
	StatusOK          Status = "ok"
	StatusNotModified Status = "not-modified"
	StatusError       Status = "error"
)

// Entry is one raw feed item before normalization. Fields carry the
// provider's text as-is; cleanup happens downstream.
type Entry struct {
	Title     string
	Link      string
	Summary   string
	Published string // raw date string, parsed by the normalizer
}

// FetchResult is the outcome of fetching one Source. On StatusOK the
// new ETag/LastModified replace the Source's cache; on
// StatusNotModified the existing cache stands; on StatusError Err
// carries the terminal failure after retries.
type FetchResult struct {
	Status       Status
	Entries      []Entry
	ETag         string
	LastModified time.Time
	Err          error
}

// Fetcher fetches one feed source. The per-Source conditional-fetch
// cache travels in and out as explicit values; callers apply the
// returned values to the store.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) FetchResult
}
