package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

// liveSections can be applied without a restart. Edits to any other section
// are loaded but only take effect on the next start.
var liveSections = []string{"limits", "log"}

// reloadDelay coalesces the burst of events editors emit for a single save.
const reloadDelay = 100 * time.Millisecond

// Manager holds the live configuration and reloads it when one of the live
// section files changes.
type Manager struct {
	dir       string
	overrides []Option

	mu       sync.RWMutex
	current  *AppConfig
	onUpdate func(*AppConfig)

	pending   *time.Timer
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(dir string, overrides ...Option) (*Manager, error) {
	m := &Manager{
		dir:       dir,
		overrides: overrides,
		done:      make(chan struct{}),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	if dir != "" {
		go m.watch()
	}
	return m, nil
}

func (m *Manager) Get() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

// Reload reads the directory again. An invalid result is rejected and the
// previous configuration stays active.
func (m *Manager) Reload() error {
	next, err := LoadAppConfig(m.dir)
	if err != nil {
		return err
	}
	next.Apply(m.overrides...)
	if err := next.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.current
	m.current = next
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if prev == nil {
		return nil
	}
	if restartRequired(prev, next) {
		slog.Warn("node, media or admin settings changed on disk, restart to apply them")
	}
	metrics.ConfigReloads.Inc()
	slog.Info("configuration reloaded",
		"maxSessions", next.Limits.MaxSessions,
		"maxTargets", next.Limits.MaxTargets,
		"unclaimedTtl", next.Limits.UnclaimedTTL,
		"logLevel", next.Log.Level,
	)
	if onUpdate != nil {
		onUpdate(next)
	}
	return nil
}

func (m *Manager) SetUpdateCallback(f func(*AppConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = f
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("failed to create config watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		slog.Error("failed to watch config dir", "dir", m.dir, "error", err)
		return
	}

	for {
		select {
		case <-m.done:
			m.mu.Lock()
			if m.pending != nil {
				m.pending.Stop()
			}
			m.mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isLiveSection(event.Name) {
				continue
			}
			slog.Debug("config file changed", "file", event.Name)
			m.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Reset(reloadDelay)
		return
	}
	m.pending = time.AfterFunc(reloadDelay, func() {
		select {
		case <-m.done:
			return
		default:
		}
		if err := m.Reload(); err != nil {
			slog.Error("failed to reload config, keeping previous", "error", err)
		}
	})
}

func isLiveSection(path string) bool {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	switch filepath.Ext(base) {
	case ".yaml", ".json":
	default:
		return false
	}
	for _, s := range liveSections {
		if s == name {
			return true
		}
	}
	return false
}

func restartRequired(prev, next *AppConfig) bool {
	return prev.Node != next.Node ||
		prev.Media.ListenAddr != next.Media.ListenAddr ||
		prev.Media.AudioPort != next.Media.AudioPort ||
		prev.Media.VideoPort != next.Media.VideoPort ||
		prev.Admin.Port != next.Admin.Port
}
