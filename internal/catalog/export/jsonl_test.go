package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/db"
	"github.com/datagovindia/dgi/internal/catalog/schema"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return database
}

func testResource(n int) *schema.Resource {
	updated := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Hour)
	return &schema.Resource{
		IndexName: fmt.Sprintf("00000000-0000-0000-0000-%012d", n),
		Title:     fmt.Sprintf("Resource %d", n),
		Org:       []string{"Census of India"},
		OrgType:   "central",
		Source:    "data.gov.in",
		Sector:    []string{"Population"},
		Fields:    []string{"district"},
		Updated:   &updated,
	}
}

func seed(t *testing.T, database *db.DB, n int) {
	t.Helper()

	var page []*schema.Resource
	for i := 1; i <= n; i++ {
		page = append(page, testResource(i))
	}
	if err := database.WritePage(context.Background(), page, 1, nil); err != nil {
		t.Fatalf("WritePage() failed: %v", err)
	}
}

func all(t *testing.T, database *db.DB) []*schema.Resource {
	t.Helper()

	var out []*schema.Resource
	if err := database.EachResource(context.Background(), func(r *schema.Resource) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("EachResource() failed: %v", err)
	}
	return out
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := openTestDB(t)
	seed(t, src, 3)

	var buf bytes.Buffer
	n, err := Export(ctx, src, &buf)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Export() wrote %d, want 3", n)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 3 {
		t.Errorf("output has %d lines, want 3", lines)
	}

	dst := openTestDB(t)
	result, err := Import(ctx, dst, &buf, ImportOptions{})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Read != 3 || result.Imported != 3 || result.Skipped != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	if !reflect.DeepEqual(all(t, src), all(t, dst)) {
		t.Error("imported cache differs from exported one")
	}
}

func TestExportFile(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	seed(t, database, 2)

	path := filepath.Join(t.TempDir(), "out", "catalog.jsonl")
	n, err := ExportFile(ctx, database, path)
	if err != nil {
		t.Fatalf("ExportFile() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ExportFile() wrote %d, want 2", n)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	result, err := ImportFile(ctx, openTestDB(t), path, ImportOptions{})
	if err != nil {
		t.Fatalf("ImportFile() failed: %v", err)
	}
	if result.Imported != 2 {
		t.Errorf("Imported = %d, want 2", result.Imported)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	input := `{"index_name":"00000000-0000-0000-0000-000000000001","title":"One"}` + "\n"
	result, err := Import(ctx, database, strings.NewReader(input), ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Imported != 1 {
		t.Errorf("Imported = %d, want 1", result.Imported)
	}

	n, err := database.Count(ctx)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("dry run wrote %d rows", n)
	}
}

func TestImport_SkipsInvalid(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	input := strings.Join([]string{
		`{"index_name":"00000000-0000-0000-0000-000000000001","title":"Good"}`,
		``,
		`{"index_name":"short","title":"Bad"}`,
	}, "\n")

	result, err := Import(ctx, database, strings.NewReader(input), ImportOptions{})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Read != 2 || result.Imported != 1 || result.Skipped != 1 || len(result.Errors) != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	r, err := database.GetResource(ctx, "00000000-0000-0000-0000-000000000001")
	if err != nil {
		t.Fatalf("GetResource() failed: %v", err)
	}
	if r.Source != schema.DefaultSource || r.Org == nil {
		t.Errorf("defaults not applied: %+v", r)
	}
}

func TestImport_InvalidJSON(t *testing.T) {
	_, err := Import(context.Background(), openTestDB(t), strings.NewReader("{not json}\n"), ImportOptions{})
	if !errors.Is(err, apperrors.ErrConfig) {
		t.Errorf("Import() error = %v, want ErrConfig", err)
	}
}

func TestImportFile_Missing(t *testing.T) {
	_, err := ImportFile(context.Background(), openTestDB(t), filepath.Join(t.TempDir(), "nope.jsonl"), ImportOptions{})
	if !errors.Is(err, apperrors.ErrConfig) {
		t.Errorf("ImportFile() error = %v, want ErrConfig", err)
	}
}
