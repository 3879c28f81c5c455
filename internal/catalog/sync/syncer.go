package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/api"
	"github.com/datagovindia/dgi/internal/catalog/db"
	"github.com/datagovindia/dgi/internal/catalog/schema"
)

// syncer implements the Syncer interface.
type syncer struct {
	db      *db.DB
	catalog Catalog
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a new Syncer instance.
//
// The database must be open and have its schema created before it is passed
// to this function.
//
// Example:
//
//	database, err := db.Open(path)
//	if err != nil {
//	    return err
//	}
//	if err := database.InitSchema(ctx); err != nil {
//	    return err
//	}
//	syncer := sync.New(database, client, logger)
func New(database *db.DB, catalog Catalog, logger zerolog.Logger) Syncer {
	return &syncer{
		db:      database,
		catalog: catalog,
		logger:  logger.With().Str("component", "sync").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refresh implements Syncer.Refresh.
func (s *syncer) Refresh(ctx context.Context, opts RefreshOptions) (*RefreshResult, error) {
	const op = "sync.Refresh"

	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 0 || pageSize > api.MaxCatalogPage {
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "page size must be 1..%d (got %d)", api.MaxCatalogPage, pageSize)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeFull
	}

	state, err := s.db.GetSyncState(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res *RefreshResult

	switch mode {
	case ModeFull:
		res, err = s.fullRefresh(ctx, state, pageSize, opts)
	case ModeIncremental:
		if !state.Completed() {
			s.logger.Info().Msg("no completed full refresh, running a full refresh instead")
			res, err = s.fullRefresh(ctx, state, pageSize, opts)
		} else {
			res, err = s.incrementalRefresh(ctx, state, pageSize, opts)
		}
	default:
		return nil, apperrors.Errorf(apperrors.ErrConfig, op, "unknown refresh mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	s.logger.Info().
		Str("mode", string(res.Mode)).
		Int64("generation", res.Generation).
		Int("total", res.Total).
		Int("processed", res.Processed).
		Int("skipped", res.Skipped).
		Int64("removed", res.Removed).
		Bool("resumed", res.Resumed).
		Dur("duration", res.Duration).
		Msg("refresh complete")
	return res, nil
}

// fullRefresh walks the catalog in creation order, oldest first, so that
// records published during an interrupted run land behind the saved offset.
func (s *syncer) fullRefresh(ctx context.Context, prev *db.SyncState, pageSize int, opts RefreshOptions) (*RefreshResult, error) {
	res := &RefreshResult{Mode: ModeFull}

	state := &db.SyncState{Mode: string(ModeFull)}
	if prev.InProgress() && prev.Mode == string(ModeFull) && !opts.Restart {
		*state = *prev
		res.Resumed = true
		s.logger.Info().
			Int64("generation", state.Generation).
			Int("offset", state.NextOffset).
			Msg("resuming interrupted refresh")
	} else {
		started := s.now()
		state.Generation = prev.Generation + 1
		state.StartedAt = &started
		if err := s.db.SaveSyncState(ctx, state); err != nil {
			return nil, err
		}
		s.logger.Info().Int64("generation", state.Generation).Msg("starting full refresh")
	}
	res.Generation = state.Generation
	res.Total = state.Total

	offset := state.NextOffset
	for {
		page, err := s.catalog.ListCatalog(ctx, api.CatalogRequest{
			Offset:    offset,
			Limit:     pageSize,
			SortBy:    api.SortCreated,
			SortOrder: api.Asc,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int("offset", offset).Msg("catalog page failed, refresh can be resumed")
			return nil, err
		}
		if len(page.Records) == 0 {
			break
		}

		resources, skipped := s.decode(page.Records)
		offset += len(page.Records)
		state.NextOffset = offset
		state.Total = page.Total

		if err := s.db.WritePage(ctx, resources, state.Generation, state); err != nil {
			return nil, err
		}

		res.Total = page.Total
		res.Processed += len(resources)
		res.Skipped += skipped
		if opts.Progress != nil {
			opts.Progress(offset, page.Total)
		}

		s.logger.Debug().Int("offset", offset).Int("total", page.Total).Msg("catalog page stored")

		if page.Total > 0 && offset >= page.Total {
			break
		}
	}

	if res.Total > 0 && offset != res.Total {
		s.logger.Warn().
			Int("seen", offset).
			Int("total", res.Total).
			Msg("catalog size changed during refresh")
	}

	completed := s.now()
	state.CompletedAt = &completed
	removed, err := s.db.CompleteRun(ctx, state.Generation, state)
	if err != nil {
		return nil, err
	}
	res.Removed = removed
	return res, nil
}

// incrementalRefresh fetches recently changed records in two passes, by
// update time and by creation time, each stopping at the first page that
// reaches records the cache already has.
func (s *syncer) incrementalRefresh(ctx context.Context, prev *db.SyncState, pageSize int, opts RefreshOptions) (*RefreshResult, error) {
	res := &RefreshResult{Mode: ModeIncremental, Generation: prev.Generation, Total: prev.Total}

	unchanged := func(r *schema.Resource, cached *time.Time, known bool) bool {
		if !known || cached == nil || r.Updated == nil {
			return false
		}
		// Cached times have second precision.
		return !cached.Before(r.Updated.Truncate(time.Second))
	}
	if err := s.incrementalPass(ctx, api.SortUpdated, pageSize, res, opts.Progress, unchanged); err != nil {
		return nil, err
	}

	cached := func(_ *schema.Resource, _ *time.Time, known bool) bool { return known }
	if err := s.incrementalPass(ctx, api.SortCreated, pageSize, res, opts.Progress, cached); err != nil {
		return nil, err
	}

	completed := s.now()
	state := *prev
	state.Mode = string(ModeIncremental)
	state.Total = res.Total
	state.CompletedAt = &completed
	if err := s.db.SaveSyncState(ctx, &state); err != nil {
		return nil, err
	}
	return res, nil
}

// incrementalPass pages through the catalog newest first by sortBy. Records
// for which seen reports true are not rewritten, and the pass ends after the
// first page containing one.
func (s *syncer) incrementalPass(ctx context.Context, sortBy api.SortField, pageSize int, res *RefreshResult,
	progress ProgressFunc, seen func(r *schema.Resource, cached *time.Time, known bool) bool) error {
	size := incrementalStartPage
	if size > pageSize {
		size = pageSize
	}

	offset := 0
	for {
		page, err := s.catalog.ListCatalog(ctx, api.CatalogRequest{
			Offset:    offset,
			Limit:     size,
			SortBy:    sortBy,
			SortOrder: api.Desc,
		})
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			return nil
		}

		resources, skipped := s.decode(page.Records)
		ids := make([]string, len(resources))
		for i, r := range resources {
			ids[i] = r.IndexName
		}
		times, err := s.db.UpdatedTimes(ctx, ids)
		if err != nil {
			return err
		}

		stop := false
		fresh := make([]*schema.Resource, 0, len(resources))
		for _, r := range resources {
			cached, known := times[r.IndexName]
			if seen(r, cached, known) {
				stop = true
				continue
			}
			fresh = append(fresh, r)
		}

		if len(fresh) > 0 {
			if err := s.db.WritePage(ctx, fresh, res.Generation, nil); err != nil {
				return err
			}
		}

		offset += len(page.Records)
		res.Total = page.Total
		res.Processed += len(fresh)
		res.Skipped += skipped
		if progress != nil {
			progress(res.Processed, page.Total)
		}

		s.logger.Debug().
			Str("sort", string(sortBy)).
			Int("offset", offset).
			Int("written", len(fresh)).
			Msg("incremental page stored")

		if stop || (page.Total > 0 && offset >= page.Total) {
			return nil
		}
		size *= 2
		if size > pageSize {
			size = pageSize
		}
	}
}

// decode normalizes raw catalog records, skipping those that cannot be
// cached. Malformed records are logged and counted, never fatal.
func (s *syncer) decode(records []gjson.Result) ([]*schema.Resource, int) {
	resources := make([]*schema.Resource, 0, len(records))
	skipped := 0
	for _, raw := range records {
		r, err := schema.FromRaw(raw)
		if err != nil {
			if errors.Is(err, schema.ErrInvalidIndexName) {
				s.logger.Debug().Err(err).Msg("skipping catalog record")
			} else {
				s.logger.Warn().Err(err).Msg("skipping catalog record")
			}
			skipped++
			continue
		}
		resources = append(resources, r)
	}
	return resources, skipped
}
