// Package export moves cached catalog metadata in and out of JSONL files,
// one resource per line, so a cache can be seeded without a full refresh.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/db"
	"github.com/datagovindia/dgi/internal/catalog/schema"
)

// importBatch is the number of resources written per transaction.
const importBatch = 500

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	DryRun bool // Parse and validate without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int      `json:"read" yaml:"read"`
	Imported int      `json:"imported" yaml:"imported"`
	Skipped  int      `json:"skipped" yaml:"skipped"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Export writes every cached resource to w as JSON lines, ordered by
// index_name. It returns the number of resources written.
func Export(ctx context.Context, database *db.DB, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	n := 0
	err := database.EachResource(ctx, func(r *schema.Resource) error {
		if err := enc.Encode(r); err != nil {
			return apperrors.Errorf(apperrors.ErrCache, "export.Export", "encode %s: %w", r.IndexName, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, apperrors.Errorf(apperrors.ErrCache, "export.Export", "flush: %w", err)
	}
	return n, nil
}

// ExportFile writes the cache to path, replacing it atomically.
func ExportFile(ctx context.Context, database *db.DB, path string) (int, error) {
	const op = "export.ExportFile"

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, apperrors.Errorf(apperrors.ErrCache, op, "create directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, apperrors.Errorf(apperrors.ErrCache, op, "create temp file: %w", err)
	}

	n, err := Export(ctx, database, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = apperrors.Errorf(apperrors.ErrCache, op, "close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, apperrors.Errorf(apperrors.ErrCache, op, "rename temp file: %w", err)
	}
	return n, nil
}

// FromJSONL reads resources from JSON lines. Blank lines are ignored; a
// malformed line is a configuration error naming its line number.
func FromJSONL(r io.Reader) ([]*schema.Resource, error) {
	var resources []*schema.Resource
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var res schema.Resource
		if err := decoder.Decode(&res); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, apperrors.Errorf(apperrors.ErrConfig, "export.FromJSONL", "invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		// Apply defaults for missing fields
		res.SetDefaults()
		resources = append(resources, &res)
	}

	return resources, nil
}

// Import upserts the resources read from r into the cache. Resources with an
// invalid index_name are skipped and reported in ImportResult.Errors.
//
// New rows are stamped with the generation of the last completed full
// refresh, so the next full refresh to complete (including a resumed one)
// removes them if the remote catalog does not have them. Rows already cached
// keep their generation.
func Import(ctx context.Context, database *db.DB, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	resources, err := FromJSONL(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Read: len(resources)}

	state, err := database.GetSyncState(ctx)
	if err != nil {
		return nil, err
	}

	gen := state.Generation
	if state.InProgress() {
		gen--
	}

	batch := make([]*schema.Resource, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if !opts.DryRun {
			if err := database.MergePage(ctx, batch, gen); err != nil {
				return err
			}
		}
		result.Imported += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, res := range resources {
		if err := res.Validate(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		batch = append(batch, res)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return result, nil
}

// ImportFile imports a JSONL file.
func ImportFile(ctx context.Context, database *db.DB, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrConfig, "export.ImportFile", "open %s: %w", path, err)
	}
	defer f.Close()

	return Import(ctx, database, f, opts)
}
