package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/datagovindia/dgi/internal/apperrors"
)

// SyncState records the refresh in progress or the last completed one.
type SyncState struct {
	// Generation identifies the full refresh run that rows are stamped with.
	Generation int64
	// Mode is "full" or "incremental".
	Mode string
	// NextOffset is the catalog offset a resumed full run continues from.
	NextOffset int
	// Total is the remote catalog size reported by the last fetched page.
	Total       int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// InProgress reports whether a run started and never completed, which is
// the case after a failure mid-pagination.
func (s *SyncState) InProgress() bool {
	return s.StartedAt != nil && s.CompletedAt == nil
}

// Completed reports whether at least one run finished.
func (s *SyncState) Completed() bool {
	return s.CompletedAt != nil
}

// GetSyncState returns the stored sync state, or a zero state when the cache
// was never refreshed.
func (db *DB) GetSyncState(ctx context.Context) (*SyncState, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT generation, mode, next_offset, total, started_at, completed_at
	FROM sync_state WHERE id = 1
	`)

	var st SyncState
	var started, completed sql.NullString
	err := row.Scan(&st.Generation, &st.Mode, &st.NextOffset, &st.Total, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return &SyncState{}, nil
	}
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, "db.GetSyncState", "read sync state: %w", err)
	}

	st.StartedAt = nullStringToTime(started)
	st.CompletedAt = nullStringToTime(completed)
	return &st, nil
}

// SaveSyncState replaces the stored sync state.
func (db *DB) SaveSyncState(ctx context.Context, st *SyncState) error {
	if err := saveSyncState(ctx, db.conn, st); err != nil {
		return apperrors.E(apperrors.ErrCache, "db.SaveSyncState", err)
	}
	return nil
}

func saveSyncState(ctx context.Context, ex execer, st *SyncState) error {
	_, err := ex.ExecContext(ctx, `
	INSERT INTO sync_state (id, generation, mode, next_offset, total, started_at, completed_at)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		generation = excluded.generation,
		mode = excluded.mode,
		next_offset = excluded.next_offset,
		total = excluded.total,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at
	`,
		st.Generation,
		st.Mode,
		st.NextOffset,
		st.Total,
		timeToNullString(st.StartedAt),
		timeToNullString(st.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}
