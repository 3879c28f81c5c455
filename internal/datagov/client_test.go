package datagov

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/api"
	"github.com/datagovindia/dgi/internal/catalog/apitest"
	"github.com/datagovindia/dgi/internal/catalog/db"
	"github.com/datagovindia/dgi/internal/catalog/export"
	"github.com/datagovindia/dgi/internal/catalog/sync"
	"github.com/datagovindia/dgi/internal/config"
)

// testConfig returns a valid configuration pointing at srv and a temporary
// cache directory.
func testConfig(t *testing.T, srv *apitest.Server) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.APIKey = apitest.APIKey
	cfg.HTTP.Timeout = 5 * time.Second
	if srv != nil {
		cfg.BaseURL = srv.URL
	}
	return cfg
}

func openTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()

	c, err := Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func seedCatalog(srv *apitest.Server) {
	srv.SetCatalog([]map[string]any{
		withSector(apitest.CatalogRecord(1, "Population Census 2011", 1700000001), "Census"),
		withSector(apitest.CatalogRecord(2, "District-wise POPULATION estimates", 1700000002), "Census"),
		withSector(apitest.CatalogRecord(3, "Rainfall in India", 1700000003), "Agriculture"),
		withSector(apitest.CatalogRecord(4, "Crop production statistics", 1700000004), "Agriculture"),
	})
}

func withSector(rec map[string]any, sector string) map[string]any {
	rec["sector"] = []string{sector}
	return rec
}

func TestOpen_NoNetwork(t *testing.T) {
	srv := apitest.New(t)
	openTestClient(t, testConfig(t, srv))

	if n := len(srv.Requests()); n != 0 {
		t.Errorf("Open() made %d requests", n)
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Sync.PageSize = 0

	if _, err := Open(context.Background(), cfg, zerolog.Nop()); !errors.Is(err, apperrors.ErrConfig) {
		t.Errorf("Open() error = %v, want ErrConfig", err)
	}
}

func TestMissingAPIKey(t *testing.T) {
	srv := apitest.New(t)
	cfg := testConfig(t, srv)
	cfg.APIKey = ""
	c := openTestClient(t, cfg)
	ctx := context.Background()

	if _, err := c.Refresh(ctx, sync.RefreshOptions{}); !errors.Is(err, apperrors.ErrConfig) {
		t.Errorf("Refresh() error = %v, want ErrConfig", err)
	}
	if _, err := c.GetData(ctx, apitest.ID(1), api.DataOptions{}); !errors.Is(err, apperrors.ErrConfig) {
		t.Errorf("GetData() error = %v, want ErrConfig", err)
	}
	if n := len(srv.Requests()); n != 0 {
		t.Errorf("made %d requests without an API key", n)
	}

	// Cache queries work without a key.
	results, err := c.Search(ctx, db.Query{})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() on empty cache = %d results", len(results))
	}
}

func TestRefreshAndSearch(t *testing.T) {
	srv := apitest.New(t)
	seedCatalog(srv)
	c := openTestClient(t, testConfig(t, srv))
	ctx := context.Background()

	needs, err := c.NeedsRefresh(ctx)
	if err != nil || !needs {
		t.Errorf("NeedsRefresh() = %v, %v; want true before first refresh", needs, err)
	}

	res, err := c.Refresh(ctx, sync.RefreshOptions{})
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if res.Processed != 4 {
		t.Errorf("Processed = %d, want 4", res.Processed)
	}

	needs, err = c.NeedsRefresh(ctx)
	if err != nil || needs {
		t.Errorf("NeedsRefresh() = %v, %v; want false after refresh", needs, err)
	}

	results, err := c.Search(ctx, db.Query{Filters: []db.Filter{{Field: db.FieldTitle, Value: "population"}}})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search(title=population) = %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.IndexName != apitest.ID(1) && r.IndexName != apitest.ID(2) {
			t.Errorf("unexpected match %s (%s)", r.IndexName, r.Title)
		}
	}

	all, err := c.Search(ctx, db.Query{})
	if err != nil || len(all) != 4 {
		t.Errorf("Search() = %d, %v; want all 4", len(all), err)
	}

	none, err := c.Search(ctx, db.Query{Filters: []db.Filter{{Field: db.FieldTitle, Value: "zzzznonexistent"}}})
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("Search() = %v, want empty slice", none)
	}

	if _, err := c.Search(ctx, db.Query{Filters: []db.Filter{{Field: "colour", Value: "red"}}}); !errors.Is(err, apperrors.ErrInvalidFilter) {
		t.Errorf("Search() error = %v, want ErrInvalidFilter", err)
	}

	sectors, err := c.Sectors(ctx)
	if err != nil {
		t.Fatalf("Sectors() failed: %v", err)
	}
	if len(sectors) != 2 || sectors[0] != "Agriculture" || sectors[1] != "Census" {
		t.Errorf("Sectors() = %v", sectors)
	}

	types, err := c.OrgTypes(ctx)
	if err != nil || len(types) != 1 || types[0] != "central" {
		t.Errorf("OrgTypes() = %v, %v", types, err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Resources != 4 || st.InProgress || st.CompletedAt == nil || st.SizeBytes == 0 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestResource_NotCached(t *testing.T) {
	c := openTestClient(t, testConfig(t, nil))

	if _, err := c.Resource(context.Background(), apitest.ID(1)); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Resource() error = %v, want ErrNotFound", err)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)

	tests := []struct {
		name     string
		state    db.SyncState
		interval time.Duration
		want     bool
	}{
		{"never refreshed", db.SyncState{}, time.Hour, true},
		{"interrupted", db.SyncState{StartedAt: &recent}, time.Hour, true},
		{"stale", db.SyncState{StartedAt: &old, CompletedAt: &old}, time.Hour, true},
		{"fresh", db.SyncState{StartedAt: &recent, CompletedAt: &recent}, time.Hour, false},
		{"age check disabled", db.SyncState{StartedAt: &old, CompletedAt: &old}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRefresh(&tt.state, tt.interval, now); got != tt.want {
				t.Errorf("needsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetData(t *testing.T) {
	srv := apitest.New(t)
	records := make([]map[string]any, 23)
	for i := range records {
		records[i] = map[string]any{"district": fmt.Sprintf("D%02d", i), "value": float64(i) + 0.5}
	}
	srv.SetDataset(apitest.ID(7), &apitest.Dataset{Title: "Districts", Fields: []string{"district", "value"}, Records: records})

	cfg := testConfig(t, srv)
	cfg.Data.PageSize = 5
	c := openTestClient(t, cfg)
	ctx := context.Background()

	ds, err := c.GetData(ctx, apitest.ID(7), api.DataOptions{})
	if err != nil {
		t.Fatalf("GetData() failed: %v", err)
	}
	if len(ds.Records) != 23 {
		t.Errorf("len(Records) = %d, want 23", len(ds.Records))
	}
	if n := srv.CountRequests("/resource/"); n != 5 {
		t.Errorf("requests = %d, want 5 pages of 5", n)
	}

	if _, err := c.GetData(ctx, apitest.ID(8), api.DataOptions{}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetData() error = %v, want ErrNotFound", err)
	}

	page, err := c.Preview(ctx, apitest.ID(7), api.DataRequest{})
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}
	if len(page.Records) != 10 || page.Total != 23 {
		t.Errorf("Preview() = %d records of %d", len(page.Records), page.Total)
	}
}

func TestWriteCSV(t *testing.T) {
	srv := apitest.New(t)
	srv.SetDataset(apitest.ID(7), &apitest.Dataset{
		Title:  "Districts",
		Fields: []string{"district", "value"},
		Records: []map[string]any{
			{"district": "Pune", "value": 12.5},
			{"district": "Thane, Rural", "value": 3},
			{"district": "Nagpur"},
		},
	})
	c := openTestClient(t, testConfig(t, srv))

	var buf bytes.Buffer
	n, err := c.WriteCSV(context.Background(), apitest.ID(7), api.DataOptions{PageSize: 2}, &buf)
	if err != nil {
		t.Fatalf("WriteCSV() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("WriteCSV() wrote %d records, want 3", n)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	want := [][]string{
		{"district", "value"},
		{"Pune", "12.5"},
		{"Thane, Rural", "3"},
		{"Nagpur", ""},
	}
	if fmt.Sprint(rows) != fmt.Sprint(want) {
		t.Errorf("CSV rows = %v, want %v", rows, want)
	}
}

func TestExportImport(t *testing.T) {
	srv := apitest.New(t)
	seedCatalog(srv)
	src := openTestClient(t, testConfig(t, srv))
	ctx := context.Background()

	if _, err := src.Refresh(ctx, sync.RefreshOptions{}); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "catalog.jsonl")
	n, err := src.Export(ctx, path)
	if err != nil || n != 4 {
		t.Fatalf("Export() = %d, %v", n, err)
	}

	dst := openTestClient(t, testConfig(t, nil))
	res, err := dst.Import(ctx, path, export.ImportOptions{})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Imported != 4 {
		t.Errorf("Imported = %d, want 4", res.Imported)
	}

	count, err := dst.Count(ctx)
	if err != nil || count != 4 {
		t.Errorf("Count() = %d, %v", count, err)
	}
}
