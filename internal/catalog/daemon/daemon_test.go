package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/sync"
)

// fakeSource is a Source whose staleness and refresh outcome are scripted.
type fakeSource struct {
	mu        gosync.Mutex
	stale     bool
	failures  int // refreshes that fail before one succeeds
	refreshes int
	modes     []sync.Mode
	closed    bool
}

func (f *fakeSource) NeedsRefresh(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeSource) Refresh(_ context.Context, opts sync.RefreshOptions) (*sync.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.modes = append(f.modes, opts.Mode)
	if f.failures > 0 {
		f.failures--
		return nil, apperrors.E(apperrors.ErrNetwork, "fake.Refresh", errors.New("connection reset"))
	}
	f.stale = false
	return &sync.RefreshResult{Mode: opts.Mode, Processed: 3}, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSource) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// startDaemon runs d in the background and returns a stop function that
// cancels it and returns Run's error.
func startDaemon(t *testing.T, d *Daemon) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var once gosync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("daemon did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	cfg.DebounceInterval = 20 * time.Millisecond
	return cfg
}

func TestNew(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New(nil) should fail")
	}

	d, err := New(func(context.Context) (Source, error) { return &fakeSource{}, nil }, &Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.config.CheckInterval != time.Minute || d.config.Mode != sync.ModeIncremental {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestRun_RefreshesStaleCache(t *testing.T) {
	src := &fakeSource{stale: true}
	results := make(chan *sync.RefreshResult, 10)

	cfg := testConfig()
	cfg.OnRefresh = func(res *sync.RefreshResult, err error) {
		if err == nil {
			results <- res
		}
	}
	d, err := New(func(context.Context) (Source, error) { return src, nil }, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)

	select {
	case res := <-results:
		if res.Mode != sync.ModeIncremental {
			t.Errorf("Mode = %s, want incremental", res.Mode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh happened")
	}

	// Fresh now: further checks must not refresh again.
	time.Sleep(100 * time.Millisecond)
	if n := src.refreshCount(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}

	if err := stop(); err != nil {
		t.Errorf("Run() returned %v", err)
	}
	if !src.isClosed() {
		t.Error("source not closed on shutdown")
	}
}

func TestRun_FreshCacheNotRefreshed(t *testing.T) {
	src := &fakeSource{}
	d, err := New(func(context.Context) (Source, error) { return src, nil }, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)

	time.Sleep(100 * time.Millisecond)
	_ = stop()
	if n := src.refreshCount(); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestRun_RetriesAfterFailure(t *testing.T) {
	src := &fakeSource{stale: true, failures: 2}
	outcomes := make(chan error, 10)

	cfg := testConfig()
	cfg.OnRefresh = func(_ *sync.RefreshResult, err error) { outcomes <- err }
	d, err := New(func(context.Context) (Source, error) { return src, nil }, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	for i := 0; i < 3; i++ {
		select {
		case err := <-outcomes:
			if i < 2 && !errors.Is(err, apperrors.ErrNetwork) {
				t.Errorf("attempt %d: error = %v, want ErrNetwork", i+1, err)
			}
			if i == 2 && err != nil {
				t.Errorf("attempt 3 failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d never happened", i+1)
		}
	}
}

func TestRun_OpenErrorIsFatal(t *testing.T) {
	want := apperrors.E(apperrors.ErrConfig, "open", errors.New("no API key"))
	d, err := New(func(context.Context) (Source, error) { return nil, want }, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := d.Run(context.Background()); !errors.Is(err, apperrors.ErrConfig) {
		t.Errorf("Run() error = %v, want ErrConfig", err)
	}
}

func TestRun_ReloadsOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configFile, []byte("api_key = \"a\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var mu gosync.Mutex
	var opened []*fakeSource
	open := func(context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		src := &fakeSource{}
		opened = append(opened, src)
		return src, nil
	}

	reloads := make(chan error, 10)
	cfg := testConfig()
	cfg.ConfigFile = configFile
	cfg.OnReload = func(err error) { reloads <- err }
	d, err := New(open, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	stop := startDaemon(t, d)

	// Give the watcher time to start before writing.
	time.Sleep(100 * time.Millisecond)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configFile, []byte("api_key = \"b\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloads:
		if err != nil {
			t.Errorf("reload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not picked up")
	}
	_ = stop()

	mu.Lock()
	defer mu.Unlock()
	if len(opened) < 2 {
		t.Fatalf("opened %d sources, want at least 2", len(opened))
	}
	for i, src := range opened {
		if !src.isClosed() {
			t.Errorf("source %d not closed after reload and shutdown", i)
		}
	}
}

func TestRun_FailedReloadKeepsSource(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(configFile, nil, 0600); err != nil {
		t.Fatal(err)
	}

	first := &fakeSource{}
	calls := 0
	open := func(context.Context) (Source, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, apperrors.E(apperrors.ErrConfig, "open", errors.New("bad config"))
	}

	reloads := make(chan error, 10)
	cfg := testConfig()
	cfg.ConfigFile = configFile
	cfg.OnReload = func(err error) { reloads <- err }
	d, err := New(open, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(configFile, []byte("broken"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloads:
		if !errors.Is(err, apperrors.ErrConfig) {
			t.Errorf("reload error = %v, want ErrConfig", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not picked up")
	}
	if first.isClosed() {
		t.Error("previous source closed after a failed reload")
	}
}
