package config

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type AppConfig struct {
	Node   NodeConfig   `json:"node" yaml:"node"`
	Media  MediaConfig  `json:"media" yaml:"media"`
	Limits LimitsConfig `json:"limits" yaml:"limits"`
	Admin  AdminConfig  `json:"admin" yaml:"admin"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

type NodeConfig struct {
	ID string `json:"id" yaml:"id"`
	// SocketPath is a template; %s is replaced with the node id.
	SocketPath string `json:"socketPath" yaml:"socketPath"`
}

type MediaConfig struct {
	ListenAddr        string  `json:"listenAddr" yaml:"listenAddr"`
	AudioPort         int     `json:"audioPort" yaml:"audioPort"`
	VideoPort         int     `json:"videoPort" yaml:"videoPort"`
	ReadBufferSize    int     `json:"readBufferSize" yaml:"readBufferSize"`
	OutputQueueSize   int     `json:"outputQueueSize" yaml:"outputQueueSize"`
	FilterPayloadType bool    `json:"filterPayloadType" yaml:"filterPayloadType"`
	Codecs            []Codec `json:"codecs" yaml:"codecs"`
}

type LimitsConfig struct {
	MaxSessions int `json:"maxSessions" yaml:"maxSessions"`
	MaxTargets  int `json:"maxTargets" yaml:"maxTargets"`
	// UnclaimedTTL is how long an unclaimed SSRC may stay idle before its
	// dangling sink is destroyed. Negative disables expiry.
	UnclaimedTTL  time.Duration `json:"unclaimedTtl" yaml:"unclaimedTtl"`
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval"`
}

type AdminConfig struct {
	Port         int           `json:"port" yaml:"port"`
	PushInterval time.Duration `json:"pushInterval" yaml:"pushInterval"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

type Codec struct {
	Params webrtc.RTPCodecParameters `json:"params"`
	Type   webrtc.RTPCodecType       `json:"type"`
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Node: NodeConfig{
			ID:         "relay-1",
			SocketPath: "/tmp/rtp-relay-%s.sock",
		},
		Media: MediaConfig{
			ListenAddr:        "0.0.0.0",
			AudioPort:         5002,
			VideoPort:         5004,
			ReadBufferSize:    4 * 1024 * 1024,
			OutputQueueSize:   200,
			FilterPayloadType: false,
			Codecs:            DefaultCodecs(),
		},
		Limits: LimitsConfig{
			MaxSessions:   100,
			MaxTargets:    100,
			UnclaimedTTL:  time.Minute,
			SweepInterval: 10 * time.Second,
		},
		Admin: AdminConfig{
			Port:         9102,
			PushInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func DefaultCodecs() []Codec {
	return []Codec{
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:  webrtc.MimeTypeVP8,
					ClockRate: 90000,
				},
				PayloadType: 96,
			},
			Type: webrtc.RTPCodecTypeVideo,
		},
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:  webrtc.MimeTypeOpus,
					ClockRate: 48000,
					Channels:  2,
				},
				PayloadType: 111,
			},
			Type: webrtc.RTPCodecTypeAudio,
		},
	}
}

// CodecFor returns the configured codec for the given kind.
func (m MediaConfig) CodecFor(kind webrtc.RTPCodecType) (webrtc.RTPCodecParameters, bool) {
	for _, c := range m.Codecs {
		if c.Type == kind {
			return c.Params, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

func (m MediaConfig) PortFor(kind webrtc.RTPCodecType) int {
	if kind == webrtc.RTPCodecTypeAudio {
		return m.AudioPort
	}
	return m.VideoPort
}
