package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type RawNodeConfig struct {
	ID         *string `yaml:"id" json:"id"`
	SocketPath *string `yaml:"socketPath" json:"socketPath"`
}

func (r RawNodeConfig) ToDomain() NodeConfig {
	var cfg NodeConfig
	if r.ID != nil {
		cfg.ID = *r.ID
	}
	if r.SocketPath != nil {
		cfg.SocketPath = *r.SocketPath
	}
	return cfg
}

type RawMediaConfig struct {
	ListenAddr        *string     `yaml:"listenAddr" json:"listenAddr"`
	AudioPort         *int        `yaml:"audioPort" json:"audioPort"`
	VideoPort         *int        `yaml:"videoPort" json:"videoPort"`
	ReadBufferSize    *int        `yaml:"readBufferSize" json:"readBufferSize"`
	OutputQueueSize   *int        `yaml:"outputQueueSize" json:"outputQueueSize"`
	FilterPayloadType *bool       `yaml:"filterPayloadType" json:"filterPayloadType"`
	Codecs            *[]RawCodec `yaml:"codecs" json:"codecs"`
}

type RawCodec struct {
	Params struct {
		MimeType    string `json:"mimeType" yaml:"mimeType"`
		ClockRate   uint32 `json:"clockRate" yaml:"clockRate"`
		PayloadType uint8  `json:"payloadType" yaml:"payloadType"`
		Channels    uint16 `json:"channels" yaml:"channels"`
	} `json:"params" yaml:"params"`
	Type string `json:"type" yaml:"type"`
}

func (r RawMediaConfig) ToDomain() MediaConfig {
	var cfg MediaConfig
	if r.ListenAddr != nil {
		cfg.ListenAddr = *r.ListenAddr
	}
	if r.AudioPort != nil {
		cfg.AudioPort = *r.AudioPort
	}
	if r.VideoPort != nil {
		cfg.VideoPort = *r.VideoPort
	}
	if r.ReadBufferSize != nil {
		cfg.ReadBufferSize = *r.ReadBufferSize
	}
	if r.OutputQueueSize != nil {
		cfg.OutputQueueSize = *r.OutputQueueSize
	}
	if r.FilterPayloadType != nil {
		cfg.FilterPayloadType = *r.FilterPayloadType
	}
	if r.Codecs != nil {
		cfg.Codecs = parseCodecs(*r.Codecs)
	}
	return cfg
}

type RawLimitsConfig struct {
	MaxSessions   *int    `yaml:"maxSessions" json:"maxSessions"`
	MaxTargets    *int    `yaml:"maxTargets" json:"maxTargets"`
	UnclaimedTTL  *string `yaml:"unclaimedTtl" json:"unclaimedTtl"`
	SweepInterval *string `yaml:"sweepInterval" json:"sweepInterval"`
}

func (r RawLimitsConfig) ToDomain() (LimitsConfig, error) {
	var cfg LimitsConfig
	if r.MaxSessions != nil {
		cfg.MaxSessions = *r.MaxSessions
	}
	if r.MaxTargets != nil {
		cfg.MaxTargets = *r.MaxTargets
	}
	if r.UnclaimedTTL != nil {
		ttl, err := parseDurationOrOff(*r.UnclaimedTTL)
		if err != nil {
			return LimitsConfig{}, fmt.Errorf("limits.unclaimedTtl: %w", err)
		}
		cfg.UnclaimedTTL = ttl
	}
	if r.SweepInterval != nil {
		d, err := time.ParseDuration(*r.SweepInterval)
		if err != nil {
			return LimitsConfig{}, fmt.Errorf("limits.sweepInterval: %w", err)
		}
		cfg.SweepInterval = d
	}
	return cfg, nil
}

type RawAdminConfig struct {
	Port         *int    `yaml:"port" json:"port"`
	PushInterval *string `yaml:"pushInterval" json:"pushInterval"`
}

func (r RawAdminConfig) ToDomain() (AdminConfig, error) {
	var cfg AdminConfig
	if r.Port != nil {
		cfg.Port = *r.Port
		// 0 would be swallowed by the merge, -1 survives it and still means "disabled"
		if cfg.Port == 0 {
			cfg.Port = -1
		}
	}
	if r.PushInterval != nil {
		d, err := time.ParseDuration(*r.PushInterval)
		if err != nil {
			return AdminConfig{}, fmt.Errorf("admin.pushInterval: %w", err)
		}
		cfg.PushInterval = d
	}
	return cfg, nil
}

type RawLogConfig struct {
	Level *string `yaml:"level" json:"level"`
	JSON  *bool   `yaml:"json" json:"json"`
}

func (r RawLogConfig) ToDomain() LogConfig {
	var cfg LogConfig
	if r.Level != nil {
		cfg.Level = strings.ToLower(*r.Level)
	}
	if r.JSON != nil {
		cfg.JSON = *r.JSON
	}
	return cfg
}

// parseDurationOrOff accepts a Go duration or "off"/"0" which disables the
// setting (returned as -1).
func parseDurationOrOff(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "0", "none", "":
		return -1, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return -1, nil
	}
	return d, nil
}

func parseCodecs(rawCodecs []RawCodec) []Codec {
	result := make([]Codec, 0, len(rawCodecs))

	for _, rawCodec := range rawCodecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  rawCodec.Params.MimeType,
				ClockRate: rawCodec.Params.ClockRate,
				Channels:  rawCodec.Params.Channels,
			},
			PayloadType: webrtc.PayloadType(rawCodec.Params.PayloadType),
		}

		result = append(result, Codec{Params: params, Type: webrtc.NewRTPCodecType(rawCodec.Type)})
	}

	return result
}
