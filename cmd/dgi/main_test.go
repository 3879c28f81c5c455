package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/apitest"
)

// isolate points every config and cache location at temporary directories
// and clears DATAGOVINDIA_* variables.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("NO_COLOR", "1")
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, "DATAGOVINDIA_") {
			t.Setenv(name, "")
		}
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	code := execute(context.Background(), args, &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

// env holds a fake API and the flags that point dgi at it.
type env struct {
	srv   *apitest.Server
	flags []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	isolate(t)
	srv := apitest.New(t)
	return &env{
		srv: srv,
		flags: []string{
			"--base-url", srv.URL,
			"--api-key", apitest.APIKey,
			"--cache-dir", t.TempDir(),
			"--timeout", "5s",
		},
	}
}

func (e *env) run(t *testing.T, args ...string) result {
	t.Helper()
	return run(t, append(append([]string{}, args...), e.flags...)...)
}

func (e *env) seed() {
	records := []map[string]any{
		apitest.CatalogRecord(1, "Population Census 2011", 1700000001),
		apitest.CatalogRecord(2, "District-wise POPULATION estimates", 1700000002),
		apitest.CatalogRecord(3, "Rainfall in India", 1700000003),
	}
	records[2]["org_type"] = "State"
	e.srv.SetCatalog(records)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"plain", errors.New("boom"), exitGeneral},
		{"config", apperrors.E(apperrors.ErrConfig, "op", nil), exitConfig},
		{"invalid filter", apperrors.E(apperrors.ErrInvalidFilter, "op", nil), exitValidation},
		{"usage", usageErrorf("bad flag"), exitValidation},
		{"network", apperrors.E(apperrors.ErrNetwork, "op", errors.New("refused")), exitNetwork},
		{"canceled", apperrors.E(apperrors.ErrNetwork, "op", context.Canceled), exitCanceled},
		{"remote", apperrors.HTTP(apperrors.ErrRemoteAPI, "op", 500, nil), exitRemoteAPI},
		{"not found", apperrors.E(apperrors.ErrNotFound, "op", nil), exitNotFound},
		{"cache", apperrors.E(apperrors.ErrCache, "op", nil), exitCache},
		{"wrapped", fmt.Errorf("refresh: %w", apperrors.E(apperrors.ErrCache, "op", nil)), exitCache},
		{"canceled commit", apperrors.Errorf(apperrors.ErrCache, "db.WritePage", "commit page: %w", context.Canceled), exitCanceled},
		{"bare canceled", context.Canceled, exitCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "2024-01-31", want: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)},
		{in: "2024-01-31 08:30", want: time.Date(2024, 1, 31, 8, 30, 0, 0, time.UTC)},
		{in: "72h", want: now.Add(-72 * time.Hour)},
		{in: "3 days ago", want: now.Add(-72 * time.Hour)},
		{in: "gibberish", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseWhen(tt.in, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseWhen(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWhen(%q) failed: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseWhen(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseUntil(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseUntil("2024-01-31", now)
	if err != nil {
		t.Fatalf("parseUntil() failed: %v", err)
	}
	if want := time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC); !got.Equal(want) {
		t.Errorf("parseUntil(date) = %v, want %v", got, want)
	}

	// Anything with a time of day is taken as given.
	got, err = parseUntil("2024-01-31 08:30", now)
	if err != nil {
		t.Fatalf("parseUntil() failed: %v", err)
	}
	if want := time.Date(2024, 1, 31, 8, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("parseUntil(datetime) = %v, want %v", got, want)
	}
}

func TestSearch_EmptyCacheHint(t *testing.T) {
	e := newEnv(t)

	res := e.run(t, "search", "--title", "rain")
	if res.code != exitSuccess {
		t.Fatalf("exit %d: %s", res.code, res.stderr)
	}
	if !strings.Contains(res.stderr, "dgi refresh") {
		t.Errorf("missing refresh hint in stderr: %q", res.stderr)
	}
	if n := len(e.srv.Requests()); n != 0 {
		t.Errorf("search made %d requests", n)
	}
}

func TestSearch_InvalidBaseURLWithoutKey(t *testing.T) {
	isolate(t)

	res := run(t, "search", "--base-url", "api.data.gov.in", "--cache-dir", t.TempDir())
	if res.code != exitConfig {
		t.Errorf("exit %d, want %d: %s", res.code, exitConfig, res.stderr)
	}
	if !strings.Contains(res.stderr, "base_url") {
		t.Errorf("stderr does not name base_url: %q", res.stderr)
	}
}

func TestRefreshThenQuery(t *testing.T) {
	e := newEnv(t)
	e.seed()

	res := e.run(t, "refresh", "-q", "--format", "json")
	if res.code != exitSuccess {
		t.Fatalf("refresh exit %d: %s", res.code, res.stderr)
	}
	var summary struct {
		Mode      string `json:"mode"`
		Processed int    `json:"processed"`
	}
	if err := json.Unmarshal([]byte(res.stdout), &summary); err != nil {
		t.Fatalf("refresh output is not JSON: %v\n%s", err, res.stdout)
	}
	if summary.Mode != "full" || summary.Processed != 3 {
		t.Errorf("unexpected summary %+v", summary)
	}

	t.Run("search by title", func(t *testing.T) {
		res := e.run(t, "search", "--title", "population", "--format", "json", "--fields", "index_name,title")
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}
		var rows []map[string]any
		if err := json.Unmarshal([]byte(res.stdout), &rows); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("got %d rows, want 2", len(rows))
		}
		if _, ok := rows[0]["org"]; ok {
			t.Errorf("--fields not applied: %v", rows[0])
		}
	})

	t.Run("search by filter expression", func(t *testing.T) {
		res := e.run(t, "search", "--filter", "org_type=state", "--format", "json")
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}
		if !strings.Contains(res.stdout, "Rainfall in India") || strings.Contains(res.stdout, "Census") {
			t.Errorf("unexpected results:\n%s", res.stdout)
		}
	})

	t.Run("recent until a date includes that day", func(t *testing.T) {
		day := time.Unix(1700000002, 0).Format("2006-01-02")
		res := e.run(t, "recent", "updated", "--since", day, "--until", day, "--format", "json")
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}
		var rows []map[string]any
		if err := json.Unmarshal([]byte(res.stdout), &rows); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if len(rows) != 3 {
			t.Errorf("got %d rows updated on %s, want 3", len(rows), day)
		}
	})

	t.Run("table output", func(t *testing.T) {
		res := e.run(t, "search")
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}
		if !strings.Contains(res.stdout, "3 resource(s)") {
			t.Errorf("missing footer:\n%s", res.stdout)
		}
	})

	t.Run("no match", func(t *testing.T) {
		res := e.run(t, "search", "--title", "zzzznonexistent", "--format", "json")
		if res.code != exitSuccess || strings.TrimSpace(res.stdout) != "[]" {
			t.Errorf("exit %d, output %q", res.code, res.stdout)
		}
	})

	t.Run("unknown filter", func(t *testing.T) {
		res := e.run(t, "search", "--filter", "colour=red")
		if res.code != exitValidation {
			t.Errorf("exit %d, want %d: %s", res.code, exitValidation, res.stderr)
		}
	})

	t.Run("show", func(t *testing.T) {
		res := e.run(t, "show", apitest.ID(3))
		if res.code != exitSuccess || !strings.Contains(res.stdout, "title: Rainfall in India") {
			t.Errorf("exit %d, output:\n%s", res.code, res.stdout)
		}
	})

	t.Run("show unknown", func(t *testing.T) {
		res := e.run(t, "show", apitest.ID(99))
		if res.code != exitNotFound {
			t.Errorf("exit %d, want %d", res.code, exitNotFound)
		}
	})

	t.Run("org types", func(t *testing.T) {
		res := e.run(t, "org-types")
		if res.code != exitSuccess || res.stdout != "central\nstate\n" {
			t.Errorf("exit %d, output %q", res.code, res.stdout)
		}
	})

	t.Run("status", func(t *testing.T) {
		res := e.run(t, "status", "--format", "json")
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}
		var st struct {
			Resources    int  `json:"resources"`
			NeedsRefresh bool `json:"needs_refresh"`
		}
		if err := json.Unmarshal([]byte(res.stdout), &st); err != nil {
			t.Fatalf("status output is not JSON: %v", err)
		}
		if st.Resources != 3 || st.NeedsRefresh {
			t.Errorf("unexpected status %+v", st)
		}
	})
}

func TestRefresh_Errors(t *testing.T) {
	t.Run("missing API key", func(t *testing.T) {
		isolate(t)
		srv := apitest.New(t)

		res := run(t, "refresh", "--base-url", srv.URL, "--cache-dir", t.TempDir())
		if res.code != exitConfig {
			t.Errorf("exit %d, want %d: %s", res.code, exitConfig, res.stderr)
		}
		if n := len(srv.Requests()); n != 0 {
			t.Errorf("made %d requests without a key", n)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		e := newEnv(t)
		e.seed()
		e.srv.SetFail(func(*http.Request) int { return apitest.Dropped })

		res := e.run(t, "refresh", "-q")
		if res.code != exitNetwork {
			t.Errorf("exit %d, want %d: %s", res.code, exitNetwork, res.stderr)
		}
	})

	t.Run("rejected key", func(t *testing.T) {
		e := newEnv(t)
		res := run(t, "refresh", "-q", "--base-url", e.srv.URL, "--api-key", "wrong", "--cache-dir", t.TempDir())
		if res.code != exitConfig {
			t.Errorf("exit %d, want %d: %s", res.code, exitConfig, res.stderr)
		}
	})

	t.Run("server error", func(t *testing.T) {
		e := newEnv(t)
		e.seed()
		e.srv.SetFail(func(*http.Request) int { return http.StatusBadGateway })

		res := e.run(t, "refresh", "-q")
		if res.code != exitRemoteAPI {
			t.Errorf("exit %d, want %d: %s", res.code, exitRemoteAPI, res.stderr)
		}
	})
}

func TestGet(t *testing.T) {
	e := newEnv(t)
	records := make([]map[string]any, 12)
	for i := range records {
		records[i] = map[string]any{"state": fmt.Sprintf("S%02d", i), "value": float64(i)}
	}
	e.srv.SetDataset(apitest.ID(5), &apitest.Dataset{Title: "States", Fields: []string{"state", "value"}, Records: records})

	t.Run("csv to file", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "states.csv")
		res := e.run(t, "get", apitest.ID(5), "--page-size", "5", "-o", out)
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}

		f, err := os.Open(out)
		if err != nil {
			t.Fatalf("output file missing: %v", err)
		}
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(rows) != 13 || rows[0][0] != "state" || rows[12][0] != "S11" {
			t.Errorf("unexpected CSV: %v", rows)
		}
	})

	t.Run("json to stdout", func(t *testing.T) {
		res := e.run(t, "get", apitest.ID(5), "--format", "json", "--max", "4")
		if res.code != exitSuccess {
			t.Fatalf("exit %d: %s", res.code, res.stderr)
		}
		var ds struct {
			Records []map[string]any `json:"records"`
		}
		if err := json.Unmarshal([]byte(res.stdout), &ds); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if len(ds.Records) != 4 {
			t.Errorf("got %d records, want 4", len(ds.Records))
		}
	})

	t.Run("unknown dataset leaves no file", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "missing.csv")
		res := e.run(t, "get", apitest.ID(6), "-o", out)
		if res.code != exitNotFound {
			t.Errorf("exit %d, want %d: %s", res.code, exitNotFound, res.stderr)
		}
		entries, _ := os.ReadDir(filepath.Dir(out))
		if len(entries) != 0 {
			t.Errorf("left files behind: %v", entries)
		}
	})

	t.Run("bad format", func(t *testing.T) {
		res := e.run(t, "get", apitest.ID(5), "--format", "xml")
		if res.code != exitValidation {
			t.Errorf("exit %d, want %d", res.code, exitValidation)
		}
	})
}

func TestConfigInit_NonInteractive(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "dgi", "config.toml")

	res := run(t, "config", "init", "--non-interactive", "--config", path, "--api-key", "abcd1234efgh5678")
	if res.code != exitSuccess {
		t.Fatalf("exit %d: %s", res.code, res.stderr)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), `api_key = "abcd1234efgh5678"`) {
		t.Errorf("unexpected config file:\n%s", data)
	}

	res = run(t, "config", "init", "--non-interactive", "--config", path)
	if res.code != exitValidation {
		t.Errorf("second init exit %d, want %d", res.code, exitValidation)
	}

	res = run(t, "config", "show", "--config", path)
	if res.code != exitSuccess {
		t.Fatalf("show exit %d: %s", res.code, res.stderr)
	}
	if strings.Contains(res.stdout, "abcd1234efgh5678") || !strings.Contains(res.stdout, "abcd********5678") {
		t.Errorf("API key not redacted:\n%s", res.stdout)
	}
}
