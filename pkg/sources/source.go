package sources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// EventSource is the value of engine.Event.Source for filesystem events.
const EventSource = "filesystem"

// EventHandler receives the events produced by a Source. The event
// processor implements it.
type EventHandler interface {
	HandleEvent(event engine.Event)
}

// Config configures a Source.
type Config struct {
	// Dir is the manifest directory.
	Dir string

	// Namespace applies to manifests that do not declare one.
	Namespace string

	// Debounce collapses bursts of filesystem events for one file. Zero
	// syncs on every event.
	Debounce time.Duration
}

// Option customizes a Source.
type Option func(*Source)

// WithTelemetry sets the logger.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Source) {
		s.tel = tel
	}
}

// WithHandler sets the receiver of events produced by Load.
func WithHandler(h EventHandler) Option {
	return func(s *Source) {
		s.handler = h
	}
}

// Source watches a manifest directory and caches the manifests it holds.
type Source struct {
	dir       string
	namespace string
	debounce  time.Duration
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger

	mu        sync.RWMutex
	handler   EventHandler
	manifests map[engine.ResourceID]*Manifest
	paths     map[string]engine.ResourceID
	pending   map[string]*time.Timer
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool
}

var _ engine.ResourceCache = (*Source)(nil)

// NewSource creates a source for cfg.Dir. Nothing is read until Load or Start.
func NewSource(cfg Config, opts ...Option) (*Source, error) {
	if cfg.Dir == "" {
		return nil, engine.NewConfigurationError("source directory is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	s := &Source{
		dir:       filepath.Clean(cfg.Dir),
		namespace: cfg.Namespace,
		debounce:  cfg.Debounce,
		manifests: make(map[engine.ResourceID]*Manifest),
		paths:     make(map[string]engine.ResourceID),
		pending:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.Noop()
	}
	s.logger = s.tel.Logger.NewComponentLogger("source").WithField("dir", s.dir)

	return s, nil
}

// Get implements engine.ResourceCache.
func (s *Source) Get(id engine.ResourceID) (engine.Resource, bool) {
	m, ok := s.Manifest(id)
	if !ok {
		return nil, false
	}
	return m, true
}

// Manifest returns the cached manifest for id, tombstones included.
func (s *Source) Manifest(id engine.ResourceID) (*Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[id]
	return m, ok
}

// List returns the cached manifests ordered by identity.
func (s *Source) List() []*Manifest {
	s.mu.RLock()
	list := make([]*Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		list = append(list, m)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].id.String() < list[j].id.String()
	})
	return list
}

// Load scans the directory once. New and changed files are reported to the
// handler; files that disappeared since the last scan become tombstones.
func (s *Source) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read manifest directory %s: %w", s.dir, err)
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		seen[path] = true
		s.sync(path)
	}

	s.mu.RLock()
	var gone []string
	for path := range s.paths {
		if !seen[path] {
			gone = append(gone, path)
		}
	}
	s.mu.RUnlock()

	for _, path := range gone {
		s.sync(path)
	}

	s.logger.Infof("loaded %d manifests", len(seen))
	return nil
}

// Start loads the directory and watches it until ctx is done or Stop is
// called. A non-nil handler replaces the one set with WithHandler.
func (s *Source) Start(ctx context.Context, handler EventHandler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if handler != nil {
		s.handler = handler
	}
	s.mu.Unlock()

	if err := s.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.stopCh = make(chan struct{})
	s.running = true
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.processEvents(ctx, watcher, stopCh)

	s.logger.Info("watching manifest directory")
	return nil
}

// Stop ends watching and cancels pending debounced syncs.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)

	for path, timer := range s.pending {
		timer.Stop()
		delete(s.pending, path)
	}

	err := s.watcher.Close()
	s.watcher = nil
	return err
}

// Finalize forgets a tombstone and emits the deletion event. It returns
// false when id is unknown or not marked for deletion.
func (s *Source) Finalize(id engine.ResourceID) bool {
	s.mu.Lock()
	m, ok := s.manifests[id]
	if !ok || !m.deleting {
		s.mu.Unlock()
		return false
	}
	delete(s.manifests, id)
	s.mu.Unlock()

	s.logger.WithResourceID(id.String()).Info("manifest finalized")
	s.emit(engine.NewEvent(id, engine.EventDeleted, m.version))
	return true
}

func (s *Source) processEvents(ctx context.Context, watcher *fsnotify.Watcher, stopCh chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return

		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isYAMLFile(event.Name) || filepath.Dir(event.Name) != s.dir {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.schedule(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("filesystem watcher error")
		}
	}
}

// schedule syncs path after the debounce interval, restarting the interval
// on every call.
func (s *Source) schedule(path string) {
	if s.debounce <= 0 {
		s.sync(path)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if timer, ok := s.pending[path]; ok {
		timer.Stop()
	}
	s.pending[path] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
		s.sync(path)
	})
}

// sync brings the cache in line with the current content of path.
func (s *Source) sync(path string) {
	log := s.logger.WithField("file", filepath.Base(path))

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.removed(path)
		return
	}
	if err != nil {
		log.WithError(err).Warn("failed to read manifest")
		return
	}

	m, err := ParseManifest(path, data, s.namespace)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid manifest")
		return
	}

	var events []engine.Event

	s.mu.Lock()
	if existing, ok := s.manifests[m.id]; ok && existing.path != path && !existing.deleting {
		s.mu.Unlock()
		log.Warnf("resource %s is already declared in %s, ignoring", m.id, filepath.Base(existing.path))
		return
	}

	if prev, ok := s.paths[path]; ok && prev != m.id {
		if event, ok := s.tombstoneLocked(prev); ok {
			events = append(events, event)
		}
	}
	s.paths[path] = m.id

	existing, ok := s.manifests[m.id]
	switch {
	case !ok:
		events = append(events, engine.NewEvent(m.id, engine.EventAdded, m.version))
	case existing.version != m.version:
		events = append(events, engine.NewEvent(m.id, engine.EventUpdated, m.version))
	}
	s.manifests[m.id] = m
	s.mu.Unlock()

	s.emit(events...)
}

func (s *Source) removed(path string) {
	s.mu.Lock()
	id, ok := s.paths[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.paths, path)
	event, ok := s.tombstoneLocked(id)
	s.mu.Unlock()

	if ok {
		s.emit(event)
	}
}

// tombstoneLocked marks the manifest for id as deleted. Called with s.mu held.
func (s *Source) tombstoneLocked(id engine.ResourceID) (engine.Event, bool) {
	m, ok := s.manifests[id]
	if !ok || m.deleting {
		return engine.Event{}, false
	}
	t := m.tombstone()
	s.manifests[id] = t
	s.logger.WithResourceID(id.String()).Info("manifest removed, marked for deletion")
	return engine.NewEvent(id, engine.EventUpdated, t.version), true
}

// emit hands events to the handler without holding s.mu, since the handler
// may read back through Get.
func (s *Source) emit(events ...engine.Event) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	for _, event := range events {
		event.Source = EventSource
		s.logger.WithResourceID(event.Resource.String()).Debugf("%s event, version %s", event.Type, event.ResourceVersion)
		if handler != nil {
			handler.HandleEvent(event)
		}
	}
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
