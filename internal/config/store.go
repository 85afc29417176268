package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"personad/internal/models"
)

// Snapshot is one immutable view of the provider and preset configuration.
// Turns hold the snapshot they started with; a reload swaps in a new one
// without touching snapshots already handed out.
type Snapshot struct {
	Providers map[string]models.ProviderConnection
	Presets   []PersonaPreset
	LoadedAt  time.Time
}

// Connection returns a copy of the named provider connection.
func (s *Snapshot) Connection(name string) (*models.ProviderConnection, bool) {
	conn, ok := s.Providers[name]
	if !ok {
		return nil, false
	}
	return conn.Clone(), true
}

// Store loads the configuration files and serves immutable snapshots,
// reloading when the files change on disk.
type Store struct {
	providersPath string
	presetsDir    string
	log           *slog.Logger
	current       atomic.Pointer[Snapshot]
	onReload      func(*Snapshot)
}

// NewStore loads the initial snapshot. onReload, when set, runs after
// every successful reload with the fresh snapshot.
func NewStore(providersPath, presetsDir string, log *slog.Logger, onReload func(*Snapshot)) (*Store, error) {
	s := &Store{
		providersPath: providersPath,
		presetsDir:    presetsDir,
		log:           log.With("component", "config"),
		onReload:      onReload,
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Connection resolves against the latest snapshot.
func (s *Store) Connection(name string) (*models.ProviderConnection, bool) {
	return s.Current().Connection(name)
}

// Reload rebuilds the snapshot from disk. A failed reload keeps the
// previous snapshot in place.
func (s *Store) Reload() error {
	snap, err := s.load()
	if err != nil {
		return err
	}
	s.current.Store(snap)
	s.log.Info("configuration reloaded",
		"providers", len(snap.Providers),
		"presets", len(snap.Presets))
	if s.onReload != nil {
		s.onReload(snap)
	}
	return nil
}

// Watch reloads the snapshot when the providers file or the presets
// directory changes. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := watcher.Add(filepath.Dir(s.providersPath)); err != nil {
		return fmt.Errorf("watch providers dir: %w", err)
	}
	if err := watcher.Add(s.presetsDir); err != nil {
		s.log.Warn("presets dir not watchable", "dir", s.presetsDir, "error", err)
	}

	// Editors fire bursts of events per save; coalesce them.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.log.Error("reload failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (s *Store) load() (*Snapshot, error) {
	providers, err := LoadProviders(s.providersPath)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]models.ProviderConnection, len(providers.Providers))
	for _, conn := range providers.Providers {
		if conn.Name == "" {
			return nil, fmt.Errorf("provider with empty name in %s", s.providersPath)
		}
		if _, dup := byName[conn.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", conn.Name)
		}
		byName[conn.Name] = conn
	}

	presets, err := LoadPresets(s.presetsDir)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Providers: byName,
		Presets:   presets,
		LoadedAt:  time.Now(),
	}, nil
}
