package ingest

import (
	"errors"

	"github.com/samvad-hq/samvad-feed-ingester/pkg/feeds"
)

// Error taxonomy of the pipeline. Every error returned by Poll, Upsert and
// Upload wraps exactly one of these.
var (
	ErrTransport  = feeds.ErrTransport
	ErrMalformed  = feeds.ErrMalformed
	ErrStoreRead  = errors.New("store read failed")
	ErrStoreWrite = errors.New("store write failed")
	ErrAttachment = errors.New("attachment failed")
	// ErrNotIngestible marks items without a reference id.
	ErrNotIngestible = errors.New("item has no reference id")
)
