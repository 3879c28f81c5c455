// Package sync provides interfaces and implementations for synchronizing
// the remote OGD catalog with the local metadata cache.
package sync

import (
	"context"
	"time"

	"github.com/datagovindia/dgi/internal/catalog/api"
)

// Mode selects how a refresh walks the remote catalog.
type Mode string

const (
	// ModeFull re-reads the whole catalog and removes rows the remote no
	// longer reports.
	ModeFull Mode = "full"
	// ModeIncremental reads the most recently changed records until it meets
	// one the cache already holds.
	ModeIncremental Mode = "incremental"
)

// DefaultPageSize is the catalog page size used when none is configured.
const DefaultPageSize = 1000

// incrementalStartPage is the first page size of an incremental pass; it
// doubles on every page up to the configured page size.
const incrementalStartPage = 10

// ProgressFunc receives the number of catalog records handled so far and
// the remote total (0 when unknown).
type ProgressFunc func(processed, total int)

// RefreshOptions configures one Refresh call.
type RefreshOptions struct {
	// Mode defaults to ModeFull.
	Mode Mode
	// PageSize is the catalog page size (0 = DefaultPageSize, at most
	// api.MaxCatalogPage).
	PageSize int
	// Restart discards an interrupted full refresh instead of resuming it.
	Restart bool
	// Progress may be nil.
	Progress ProgressFunc
}

// RefreshResult summarizes one refresh.
type RefreshResult struct {
	// Mode is the mode that actually ran; an incremental request without a
	// completed full refresh runs as ModeFull.
	Mode       Mode          `json:"mode" yaml:"mode"`
	Generation int64         `json:"generation" yaml:"generation"`
	Total      int           `json:"total" yaml:"total"`
	Processed  int           `json:"processed" yaml:"processed"`
	Skipped    int           `json:"skipped" yaml:"skipped"`
	Removed    int64         `json:"removed" yaml:"removed"`
	Resumed    bool          `json:"resumed" yaml:"resumed"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// Catalog is the remote side of a refresh. *api.Client satisfies it.
type Catalog interface {
	ListCatalog(ctx context.Context, req api.CatalogRequest) (*api.CatalogPage, error)
}

// Syncer keeps the metadata cache in sync with the remote catalog.
//
// A full refresh writes each catalog page in its own transaction together
// with the position of the next page, so a failure leaves every earlier page
// committed and a later refresh resumes at the failed page. Rows the remote
// stopped reporting are removed only once a full pass completes.
type Syncer interface {
	// Refresh pulls catalog records into the cache.
	//
	// Returns the first network, remote API or cache error encountered,
	// unchanged in kind. Records with an invalid index_name are skipped and
	// counted in RefreshResult.Skipped.
	//
	// Example:
	//   res, err := syncer.Refresh(ctx, sync.RefreshOptions{Mode: sync.ModeIncremental})
	Refresh(ctx context.Context, opts RefreshOptions) (*RefreshResult, error)
}
