// Package runtimecfg loads and hot-watches the bootstrap file naming which
// graph adapter the engine should construct on its next CONFIG phase: the
// local dylib path, or the remote endpoint address, plus default stream
// bounds. It never hot-swaps a running graph adapter — the local adapter is
// a non-reentrant singleton, so a config change only takes effect the next
// time the engine builds managers from RESET.
//
// Grounded on engine/internal/runtime/runtime.go's RuntimeConfigManager +
// HotReloadSystem. The version-history (ConfigVersionManager) and
// A/B-testing (ABTestingFramework) halves of that file are not carried —
// nothing in this engine diffs config versions or splits traffic between
// variants of a compute graph.
package runtimecfg

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// AdapterKind selects which graph adapter the bootstrap config targets.
type AdapterKind string

const (
	AdapterLocal  AdapterKind = "local"
	AdapterRemote AdapterKind = "remote"
)

// BootstrapConfig names the graph adapter target and default stream bounds
// the engine will use the next time it builds managers from CONFIG.
type BootstrapConfig struct {
	Adapter            AdapterKind   `yaml:"adapter"`
	LocalLibraryPath   string        `yaml:"local_library_path,omitempty"`
	RemoteEndpoint     string        `yaml:"remote_endpoint,omitempty"`
	RemoteDialTimeout  time.Duration `yaml:"remote_dial_timeout,omitempty"`
	DefaultMaxInFlight int           `yaml:"default_max_in_flight"`
	UpdatedAt          time.Time     `yaml:"updated_at"`
	Checksum           string        `yaml:"-"`
}

// Manager owns the current bootstrap config and exposes a watch stream of
// changes as they land on disk.
type Manager struct {
	path string
	mu   sync.RWMutex
	cur  *BootstrapConfig
}

func NewManager(path string) *Manager {
	return &Manager{path: path, cur: &BootstrapConfig{Adapter: AdapterLocal, DefaultMaxInFlight: 4}}
}

// Load reads the bootstrap file if present, falling back to defaults
// otherwise (a missing bootstrap file is not an error — first-run systems
// have none yet).
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read bootstrap config: %w", err)
	}
	var cfg BootstrapConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse bootstrap config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return fmt.Errorf("validate bootstrap config: %w", err)
	}
	cfg.Checksum = checksum(&cfg)
	m.cur = &cfg
	return nil
}

// Current returns a copy of the currently loaded bootstrap config.
func (m *Manager) Current() BootstrapConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cur
}

func validate(cfg *BootstrapConfig) error {
	switch cfg.Adapter {
	case AdapterLocal:
		if cfg.LocalLibraryPath == "" {
			return fmt.Errorf("local adapter requires local_library_path")
		}
	case AdapterRemote:
		if cfg.RemoteEndpoint == "" {
			return fmt.Errorf("remote adapter requires remote_endpoint")
		}
	default:
		return fmt.Errorf("unknown adapter kind %q", cfg.Adapter)
	}
	if cfg.DefaultMaxInFlight <= 0 {
		cfg.DefaultMaxInFlight = 4
	}
	return nil
}

func checksum(cfg *BootstrapConfig) string {
	cpy := *cfg
	cpy.Checksum = ""
	data, _ := json.Marshal(cpy)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// Change describes a bootstrap config file modification observed by Watch.
type Change struct {
	Config    BootstrapConfig
	ChangedAt time.Time
}

// Watcher wraps fsnotify to deliver Change events whenever the bootstrap
// file is rewritten with different content.
type Watcher struct {
	mgr     *Manager
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	active  bool
}

func NewWatcher(mgr *Manager) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{mgr: mgr, watcher: w}, nil
}

// Watch begins watching the bootstrap file's directory and streams Change
// events (and errors) until ctx is canceled or Stop is called.
func (w *Watcher) Watch(ctx context.Context) (<-chan Change, <-chan error) {
	changes := make(chan Change, 4)
	errs := make(chan error, 4)

	w.mu.Lock()
	if w.active {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	dir := filepath.Dir(w.mgr.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("watch dir %s: %w", dir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.active = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		lastChecksum := w.mgr.Current().Checksum
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.mgr.path || ev.Op&fsnotify.Write == 0 {
					continue
				}
				if err := w.mgr.Load(); err != nil {
					errs <- err
					continue
				}
				cur := w.mgr.Current()
				if cur.Checksum == lastChecksum {
					continue
				}
				lastChecksum = cur.Checksum
				changes <- Change{Config: cur, ChangedAt: time.Now()}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return nil
	}
	w.active = false
	return w.watcher.Close()
}
