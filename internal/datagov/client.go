// Package datagov is the entry point for programs using the data.gov.in
// catalog: it owns the metadata cache and the API client and exposes
// refresh, search and dataset download as one Client.
//
// Opening a Client performs no network I/O. The catalog is only fetched by
// an explicit Refresh; Search and the listing helpers read the cache alone.
package datagov

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/api"
	"github.com/datagovindia/dgi/internal/catalog/db"
	"github.com/datagovindia/dgi/internal/catalog/export"
	"github.com/datagovindia/dgi/internal/catalog/schema"
	"github.com/datagovindia/dgi/internal/catalog/sync"
	"github.com/datagovindia/dgi/internal/config"
)

// Client combines the metadata cache and the remote API.
type Client struct {
	cfg    *config.Config
	db     *db.DB
	api    *api.Client
	apiErr error
	syncer sync.Syncer
	logger zerolog.Logger
}

// Open validates cfg, opens (creating if needed) the cache and builds the
// API client. A missing API key does not fail Open, since cache queries do
// not need one; remote operations then return the configuration error.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: logger}

	key, err := cfg.ResolvedAPIKey()
	if err != nil {
		c.apiErr = err
	} else {
		if cfg.UsingSampleKey() {
			logger.Warn().Msg("using the public sample API key, which is heavily rate limited")
		}
		c.api, err = api.New(api.Options{
			BaseURL: cfg.BaseURL,
			APIKey:  key,
			Timeout: cfg.HTTP.Timeout,
			Retries: cfg.HTTP.Retries,
			Logger:  logger.With().Str("component", "api").Logger(),
		})
		if err != nil {
			return nil, err
		}
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(ctx); err != nil {
		database.Close()
		return nil, err
	}
	c.db = database

	if c.api != nil {
		c.syncer = sync.New(database, c.api, logger)
	}
	return c, nil
}

// Close closes the cache.
func (c *Client) Close() error {
	return c.db.Close()
}

// Config returns the configuration the client was opened with.
func (c *Client) Config() *config.Config {
	return c.cfg
}

func (c *Client) remote() (*api.Client, error) {
	if c.api == nil {
		return nil, c.apiErr
	}
	return c.api, nil
}

// ===== Metadata sync =====

// Refresh pulls the remote catalog into the cache. A zero PageSize uses the
// configured sync.page_size.
func (c *Client) Refresh(ctx context.Context, opts sync.RefreshOptions) (*sync.RefreshResult, error) {
	if _, err := c.remote(); err != nil {
		return nil, err
	}
	if opts.PageSize == 0 {
		opts.PageSize = c.cfg.Sync.PageSize
	}
	return c.syncer.Refresh(ctx, opts)
}

// Status describes the cache.
type Status struct {
	Path         string        `json:"path" yaml:"path"`
	SizeBytes    int64         `json:"size_bytes" yaml:"size_bytes"`
	Resources    int           `json:"resources" yaml:"resources"`
	Generation   int64         `json:"generation" yaml:"generation"`
	Mode         string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	InProgress   bool          `json:"in_progress" yaml:"in_progress"`
	NextOffset   int           `json:"next_offset,omitempty" yaml:"next_offset,omitempty"`
	RemoteTotal  int           `json:"remote_total" yaml:"remote_total"`
	StartedAt    *time.Time    `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	NeedsRefresh bool          `json:"needs_refresh" yaml:"needs_refresh"`
	Interval     time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

// Status reports the cache location, size, row count and sync state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	count, err := c.db.Count(ctx)
	if err != nil {
		return nil, err
	}
	state, err := c.db.GetSyncState(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Path:        c.db.Path(),
		Resources:   count,
		Generation:  state.Generation,
		Mode:        state.Mode,
		InProgress:  state.InProgress(),
		RemoteTotal: state.Total,
		StartedAt:   state.StartedAt,
		CompletedAt: state.CompletedAt,
		Interval:    c.cfg.Sync.RefreshInterval,
	}
	if state.InProgress() {
		st.NextOffset = state.NextOffset
	}
	if info, err := os.Stat(c.db.Path()); err == nil {
		st.SizeBytes = info.Size()
	}
	st.NeedsRefresh = needsRefresh(state, c.cfg.Sync.RefreshInterval, time.Now())
	return st, nil
}

// NeedsRefresh reports whether the cache was never refreshed, holds an
// interrupted refresh, or was last refreshed longer ago than
// sync.refresh_interval. An interval of zero disables the age check.
func (c *Client) NeedsRefresh(ctx context.Context) (bool, error) {
	state, err := c.db.GetSyncState(ctx)
	if err != nil {
		return false, err
	}
	return needsRefresh(state, c.cfg.Sync.RefreshInterval, time.Now()), nil
}

func needsRefresh(state *db.SyncState, interval time.Duration, now time.Time) bool {
	if !state.Completed() {
		return true
	}
	if interval == 0 {
		return false
	}
	return now.Sub(*state.CompletedAt) > interval
}

// ===== Cache queries =====

// Search returns the cached resources matching q.
func (c *Client) Search(ctx context.Context, q db.Query) ([]*schema.Resource, error) {
	return c.db.Search(ctx, q)
}

// Resource returns one cached resource, or an ErrNotFound error.
func (c *Client) Resource(ctx context.Context, indexName string) (*schema.Resource, error) {
	return c.db.GetResource(ctx, indexName)
}

// Count returns the number of cached resources.
func (c *Client) Count(ctx context.Context) (int, error) {
	return c.db.Count(ctx)
}

// OrgTypes lists the distinct organization types in the cache.
func (c *Client) OrgTypes(ctx context.Context) ([]string, error) {
	return c.db.ListOrgTypes(ctx)
}

// Orgs lists the distinct organizations in the cache.
func (c *Client) Orgs(ctx context.Context) ([]string, error) {
	return c.db.ListOrgs(ctx)
}

// Sectors lists the distinct sectors in the cache.
func (c *Client) Sectors(ctx context.Context) ([]string, error) {
	return c.db.ListSectors(ctx)
}

// Sources lists the distinct sources in the cache.
func (c *Client) Sources(ctx context.Context) ([]string, error) {
	return c.db.ListSources(ctx)
}

// RecentlyUpdated lists cached resources by update time, newest first.
func (c *Client) RecentlyUpdated(ctx context.Context, opts db.RecentOptions) ([]*schema.Resource, error) {
	return c.db.ListRecentlyUpdated(ctx, opts)
}

// RecentlyCreated lists cached resources by creation time, newest first.
func (c *Client) RecentlyCreated(ctx context.Context, opts db.RecentOptions) ([]*schema.Resource, error) {
	return c.db.ListRecentlyCreated(ctx, opts)
}

// ===== Remote datasets =====

// GetData downloads every record of a dataset. A zero PageSize uses the
// configured data.page_size.
func (c *Client) GetData(ctx context.Context, indexName string, opts api.DataOptions) (*api.Dataset, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}
	if opts.PageSize == 0 {
		opts.PageSize = c.cfg.Data.PageSize
	}
	return client.GetData(ctx, indexName, opts)
}

// Stream delivers every record of a dataset to fn without holding the
// whole dataset in memory.
func (c *Client) Stream(ctx context.Context, indexName string, opts api.DataOptions, fn func(api.Record) error) (int, error) {
	client, err := c.remote()
	if err != nil {
		return 0, err
	}
	if opts.PageSize == 0 {
		opts.PageSize = c.cfg.Data.PageSize
	}
	return client.Stream(ctx, indexName, opts, fn)
}

// Preview fetches a single page of a dataset.
func (c *Client) Preview(ctx context.Context, indexName string, req api.DataRequest) (*api.DataPage, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	return client.GetPage(ctx, indexName, req)
}

// Info fetches the remote metadata and record count of a dataset.
func (c *Client) Info(ctx context.Context, indexName string) (*api.DataPage, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}
	return client.Info(ctx, indexName)
}

// ===== Backup =====

// Export writes the cache to a JSONL file.
func (c *Client) Export(ctx context.Context, path string) (int, error) {
	return export.ExportFile(ctx, c.db, path)
}

// Import loads resources from a JSONL file into the cache.
func (c *Client) Import(ctx context.Context, path string, opts export.ImportOptions) (*export.ImportResult, error) {
	if path == "" {
		return nil, apperrors.Errorf(apperrors.ErrConfig, "datagov.Import", "no input file")
	}
	return export.ImportFile(ctx, c.db, path, opts)
}
