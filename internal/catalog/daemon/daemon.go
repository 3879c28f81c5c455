// Package daemon keeps the metadata cache fresh in the background.
//
// The daemon:
//  1. Opens a Source (normally a *datagov.Client) from the current config
//  2. Polls Source.NeedsRefresh and runs an incremental refresh when due
//  3. Watches the config file and reopens the Source when it changes
//  4. Shuts down cleanly when its context is cancelled
//
// Refresh failures are logged and retried at the next check; they never
// stop the daemon.
package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/datagovindia/dgi/internal/catalog/sync"
)

// Source is the cache the daemon refreshes.
type Source interface {
	NeedsRefresh(ctx context.Context) (bool, error)
	Refresh(ctx context.Context, opts sync.RefreshOptions) (*sync.RefreshResult, error)
	Close() error
}

// Opener builds a Source from the current configuration. It is called once
// at start and again after every change to the watched config file.
type Opener func(ctx context.Context) (Source, error)

// Config holds configuration for the daemon.
type Config struct {
	// CheckInterval is how often NeedsRefresh is polled.
	CheckInterval time.Duration

	// DebounceInterval is how long the config file must be quiet before it
	// is reloaded. Editors often write a file several times in a row.
	DebounceInterval time.Duration

	// ConfigFile is watched for changes. Empty disables reloading.
	ConfigFile string

	// Mode is the refresh mode used when a refresh is due.
	Mode sync.Mode

	// OnRefresh, if set, is called after every refresh attempt.
	OnRefresh func(*sync.RefreshResult, error)

	// OnReload, if set, is called after every config reload attempt.
	OnReload func(error)

	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:    time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Mode:             sync.ModeIncremental,
		Logger:           zerolog.Nop(),
	}
}

// Daemon refreshes a Source on schedule and reloads it on config changes.
type Daemon struct {
	open   Opener
	config *Config

	source  Source
	watcher *fsnotify.Watcher

	// reloadAt is when the last config event arrived; zero when no reload
	// is pending.
	reloadAt time.Time
}

// New creates a daemon. Use Run to start it.
func New(open Opener, config *Config) (*Daemon, error) {
	if open == nil {
		return nil, errors.New("daemon: opener cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Mode == "" {
		config.Mode = defaults.Mode
	}
	return &Daemon{open: open, config: config}, nil
}

// Run opens the Source, refreshes it when due and blocks until ctx is
// cancelled. It returns an error only when the first open fails.
func (d *Daemon) Run(ctx context.Context) error {
	log := d.config.Logger

	source, err := d.open(ctx)
	if err != nil {
		return err
	}
	d.source = source
	defer d.shutdown()

	if d.config.ConfigFile != "" {
		if err := d.watch(); err != nil {
			log.Warn().Err(err).Str("file", d.config.ConfigFile).Msg("config reload disabled")
		}
	}

	log.Info().
		Dur("check_interval", d.config.CheckInterval).
		Str("mode", string(d.config.Mode)).
		Msg("daemon started")

	d.check(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()
	debounce := time.NewTicker(d.config.DebounceInterval)
	defer debounce.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if d.watcher != nil {
		events = d.watcher.Events
		watchErrs = d.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			return nil

		case <-ticker.C:
			d.check(ctx)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if d.isConfigEvent(event) {
				log.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("config file event")
				d.reloadAt = time.Now()
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			log.Warn().Err(err).Msg("watcher error")

		case <-debounce.C:
			if d.reloadAt.IsZero() || time.Since(d.reloadAt) < d.config.DebounceInterval {
				continue
			}
			d.reloadAt = time.Time{}
			if d.reload(ctx) {
				d.check(ctx)
			}
		}
	}
}

// watch watches the directory holding the config file, so that editors
// replacing the file by rename are seen too.
func (d *Daemon) watch() error {
	dir := filepath.Dir(d.config.ConfigFile)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	d.watcher = w
	d.config.Logger.Debug().Str("dir", dir).Msg("watching config directory")
	return nil
}

func (d *Daemon) isConfigEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(d.config.ConfigFile)
}

// check refreshes the Source if it reports being stale.
func (d *Daemon) check(ctx context.Context) {
	log := d.config.Logger

	needs, err := d.source.NeedsRefresh(ctx)
	if err != nil {
		log.Error().Err(err).Msg("checking cache state")
		return
	}
	if !needs {
		log.Debug().Msg("cache is fresh")
		return
	}

	log.Info().Str("mode", string(d.config.Mode)).Msg("refreshing catalog")
	res, err := d.source.Refresh(ctx, sync.RefreshOptions{Mode: d.config.Mode})
	switch {
	case err != nil && ctx.Err() != nil:
		log.Info().Msg("refresh interrupted by shutdown")
		return
	case err != nil:
		log.Error().Err(err).Msg("refresh failed; will retry at next check")
	default:
		log.Info().
			Str("mode", string(res.Mode)).
			Int("processed", res.Processed).
			Int64("removed", res.Removed).
			Dur("duration", res.Duration).
			Msg("refresh complete")
	}
	if d.config.OnRefresh != nil {
		d.config.OnRefresh(res, err)
	}
}

// reload reopens the Source from the changed config. On failure the old
// Source stays in use. It reports whether the Source was replaced.
func (d *Daemon) reload(ctx context.Context) bool {
	log := d.config.Logger
	log.Info().Str("file", d.config.ConfigFile).Msg("config changed, reloading")

	source, err := d.open(ctx)
	if d.config.OnReload != nil {
		d.config.OnReload(err)
	}
	if err != nil {
		log.Error().Err(err).Msg("reload failed; keeping previous configuration")
		return false
	}
	if err := d.source.Close(); err != nil {
		log.Warn().Err(err).Msg("closing previous source")
	}
	d.source = source
	return true
}

func (d *Daemon) shutdown() {
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Warn().Err(err).Msg("closing watcher")
		}
	}
	if err := d.source.Close(); err != nil {
		d.config.Logger.Warn().Err(err).Msg("closing source")
	}
	d.config.Logger.Info().Msg("daemon stopped")
}
