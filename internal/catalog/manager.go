package catalog

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Manager owns the active catalog. Readers get a consistent snapshot via
// Active; reloads swap the pointer atomically so in-flight analyses keep
// the version they started with.
type Manager struct {
	active atomic.Pointer[Catalog]
	path   string
	logger zerolog.Logger
}

// NewManager loads the catalog from path, or falls back to the builtin
// ruleset when path is empty.
func NewManager(path string, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logger.With().Str("component", "catalog").Logger(),
	}

	cat := Builtin()
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cat = loaded
	}
	m.active.Store(cat)
	m.logger.Info().Str("version", cat.Version).Int("categories", len(cat.Categories)).Msg("catalog loaded")
	return m, nil
}

// Active returns the current catalog snapshot.
func (m *Manager) Active() *Catalog {
	return m.active.Load()
}

// Reload re-reads the catalog file. A broken file keeps the last good
// catalog in place.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	cat, err := LoadFile(m.path)
	if err != nil {
		m.logger.Error().Err(err).Str("path", m.path).Msg("catalog reload failed; keeping previous version")
		return err
	}
	prev := m.active.Swap(cat)
	m.logger.Info().Str("from", prev.Version).Str("to", cat.Version).Msg("catalog reloaded")
	return nil
}

// Watch blocks until ctx is done, reloading the catalog on file writes.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				_ = m.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Err(err).Msg("catalog watcher error")
		}
	}
}
