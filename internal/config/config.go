package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Option overrides a single setting after the files have been loaded.
// Command-line flags are applied this way so they always win.
type Option func(*AppConfig)

func WithNodeID(id string) Option {
	return func(c *AppConfig) {
		c.Node.ID = id
	}
}

func WithSocketPath(path string) Option {
	return func(c *AppConfig) {
		c.Node.SocketPath = path
	}
}

func WithAudioPort(port int) Option {
	return func(c *AppConfig) {
		c.Media.AudioPort = port
	}
}

func WithVideoPort(port int) Option {
	return func(c *AppConfig) {
		c.Media.VideoPort = port
	}
}

func WithAdminPort(port int) Option {
	return func(c *AppConfig) {
		c.Admin.Port = port
	}
}

func WithMaxSessions(n int) Option {
	return func(c *AppConfig) {
		c.Limits.MaxSessions = n
	}
}

func WithMaxTargets(n int) Option {
	return func(c *AppConfig) {
		c.Limits.MaxTargets = n
	}
}

func WithUnclaimedTTL(ttl time.Duration) Option {
	return func(c *AppConfig) {
		c.Limits.UnclaimedTTL = ttl
	}
}

func WithLogLevel(level string) Option {
	return func(c *AppConfig) {
		c.Log.Level = strings.ToLower(level)
	}
}

func NewAppConfig(opts ...Option) AppConfig {
	cfg := DefaultAppConfig()
	cfg.Apply(opts...)
	return cfg
}

func (c *AppConfig) Apply(opts ...Option) {
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
}

// SocketPath returns the control socket path for this node.
func (c AppConfig) SocketPath() string {
	if strings.Contains(c.Node.SocketPath, "%s") {
		return fmt.Sprintf(c.Node.SocketPath, c.Node.ID)
	}
	return c.Node.SocketPath
}

// Validate reports settings the relay cannot start with.
func (c AppConfig) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if c.Node.SocketPath == "" {
		return fmt.Errorf("node.socketPath must not be empty")
	}
	for _, p := range []struct {
		name string
		port int
	}{{"media.audioPort", c.Media.AudioPort}, {"media.videoPort", c.Media.VideoPort}} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%s out of range: %d", p.name, p.port)
		}
	}
	if c.Media.AudioPort != 0 && c.Media.AudioPort == c.Media.VideoPort {
		return fmt.Errorf("media.audioPort and media.videoPort must differ")
	}
	if c.Media.OutputQueueSize <= 0 {
		return fmt.Errorf("media.outputQueueSize must be positive")
	}
	if c.Limits.MaxSessions <= 0 || c.Limits.MaxTargets <= 0 {
		return fmt.Errorf("limits.maxSessions and limits.maxTargets must be positive")
	}
	if c.Limits.UnclaimedTTL > 0 && c.Limits.SweepInterval <= 0 {
		return fmt.Errorf("limits.sweepInterval must be positive when unclaimedTtl is set")
	}
	if c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port out of range: %d", c.Admin.Port)
	}
	for _, codec := range c.Media.Codecs {
		if codec.Type != webrtc.RTPCodecTypeAudio && codec.Type != webrtc.RTPCodecTypeVideo {
			return fmt.Errorf("codec %q has unknown type", codec.Params.MimeType)
		}
	}
	return nil
}

func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
