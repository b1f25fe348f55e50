// Package admin implements configuration reload: reading config.yml and
// secrets.yml back off disk, validating them, and atomically swapping them
// into the live fleet registry, token directory, and health breaker without
// ever leaving the system serving a half-applied configuration.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/config"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
)

// debounce absorbs the burst of events an editor's save-by-rename produces.
const debounce = 250 * time.Millisecond

// Reloader owns the live components a reload swaps into. All three targets
// are updated only after both files have been loaded and validated — a
// parse or validation failure leaves every target exactly as it was.
type Reloader struct {
	Registry  *fleet.Registry
	Directory *auth.Directory
	Breaker   *health.Breaker

	ConfigPath  string
	SecretsPath string
}

// Reload re-reads ConfigPath and SecretsPath, and on success swaps the new
// backend table, token directory, and health-breaker entry set in. On any
// load or validation error, nothing is changed and the error is returned.
func (r *Reloader) Reload() error {
	file, err := config.LoadFile(r.ConfigPath)
	if err != nil {
		return fmt.Errorf("admin: reload aborted: %w", err)
	}
	secrets, err := config.LoadSecrets(r.SecretsPath)
	if err != nil {
		return fmt.Errorf("admin: reload aborted: %w", err)
	}

	expanded := config.ExpandHosts(file.VLLMHosts)
	sources := make([]fleet.Source, 0, len(expanded))
	urls := make([]string, 0, len(expanded))
	for _, b := range expanded {
		sources = append(sources, fleet.Source{URL: b.URL, AllowedGroups: b.AllowedGroups})
		urls = append(urls, b.URL)
	}

	groupEntries := secrets.GroupTokens()
	authGroups := make([]auth.GroupEntry, 0, len(groupEntries))
	for _, g := range groupEntries {
		authGroups = append(authGroups, auth.GroupEntry{Group: g.Group, Tokens: g.Tokens})
	}

	r.Registry.Rebuild(sources)
	r.Directory.Rebuild(authGroups, secrets.AdminGroups)
	r.Breaker.Rebuild(urls)

	slog.Info("admin: configuration reloaded", "backend_count", len(sources))
	return nil
}

// Watch watches the directories containing ConfigPath and SecretsPath for
// changes and calls Reload after a debounce window, logging the outcome.
// Watching the containing directory rather than the file itself survives an
// editor's write-new-file-then-rename-over-original save pattern, which
// would otherwise orphan a direct file watch. Watch blocks until ctx is
// cancelled.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("admin: creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dirs := map[string]struct{}{
		filepath.Dir(r.ConfigPath):  {},
		filepath.Dir(r.SecretsPath): {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("admin: watching %s: %w", dir, err)
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, r.ConfigPath, r.SecretsPath) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("admin: watcher error", "error", err)

		case <-fire:
			if err := r.Reload(); err != nil {
				slog.Error("admin: reload failed", "error", err)
			}
		}
	}
}

// relevant reports whether event concerns either watched file by base name —
// directory watches report every entry in the directory, most of which we
// don't care about.
func relevant(event fsnotify.Event, paths ...string) bool {
	base := filepath.Base(event.Name)
	for _, p := range paths {
		if base == filepath.Base(p) {
			return true
		}
	}
	return false
}
