package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the current config and re-reads the file when it changes
// on disk. Subscribers get the fresh config; what they do with it (swap
// the log level, ignore the rest) is their call — pool sizes and listen
// addresses intentionally require a restart.
type Manager struct {
	path string

	mu   sync.RWMutex
	cfg  Config
	subs []chan Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Load() (Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return Config{}, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) <-chan Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(cfg Config) {
	m.mu.RLock()
	subs := append([]chan Config{}, m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// drop if slow subscriber
		}
	}
}

// Watch blocks until ctx is done, reloading on file changes. Editors
// replace rather than write in place, so the watch covers the directory
// and rename/create events too. Reload errors keep the previous config.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if cfg, err := m.Load(); err == nil {
				m.publish(cfg)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}
