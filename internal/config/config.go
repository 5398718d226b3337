// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voice bridge.
package config

import "time"

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Speech  SpeechConfig  `yaml:"speech"`
	Media   MediaConfig   `yaml:"media"`
	VAD     VADConfig     `yaml:"vad"`
	BargeIn BargeInConfig `yaml:"barge_in"`
}

// ServerConfig holds network and logging settings for the bridge process.
type ServerConfig struct {
	// ListenAddr is the TCP address the telephony websocket server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated slog level name.
type LogLevel string

// IsValid reports whether l is one of the recognised level names.
func (l LogLevel) IsValid() bool {
	switch l {
	case "", "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// SpeechConfig configures the connection to the upstream speech service.
type SpeechConfig struct {
	// Endpoint is the speech-service websocket URL.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates the connection.
	APIKey string `yaml:"api_key"`

	// Voice is the synthesis voice identifier sent in session.update.
	Voice string `yaml:"voice"`

	// Instructions is optional system-level guidance for response.create.
	Instructions string `yaml:"instructions"`

	// AutoResponse issues response.create automatically after a commit.
	AutoResponse bool `yaml:"auto_response"`

	// DefaultSampleRateHz is assumed for both directions until the service
	// declares a rate in session.updated.
	DefaultSampleRateHz int `yaml:"default_sample_rate_hz"`

	// AckTimeoutMs bounds how long a commit may await acknowledgment.
	AckTimeoutMs int `yaml:"ack_timeout_ms"`
}

// MediaConfig configures the telephony-facing media bridge.
type MediaConfig struct {
	// TelephonyRateHz is the fixed sample rate of the telephony leg.
	TelephonyRateHz int `yaml:"telephony_rate_hz"`

	// FrameBytes is the fixed telephony frame size (640 = 20ms @ 16kHz PCM16).
	FrameBytes int `yaml:"frame_bytes"`

	// FrameIntervalMs is the outbound pacing interval.
	FrameIntervalMs int `yaml:"frame_interval_ms"`

	// OutFormat selects the outbound wire encoding: "json_simple" or "binary".
	OutFormat OutFormat `yaml:"out_format"`

	// Bidirectional enables the outbound (speech -> telephony) leg. When
	// false the bridge only forwards caller audio upstream.
	Bidirectional bool `yaml:"bidirectional"`

	// RingCapacity is the outbound ring queue's bounded capacity.
	RingCapacity int `yaml:"ring_capacity"`
}

// OutFormat is a validated outbound wire-encoding name.
type OutFormat string

// IsValid reports whether f is a recognised outbound format name.
func (f OutFormat) IsValid() bool {
	switch f {
	case "", "json_simple", "binary":
		return true
	default:
		return false
	}
}

// VADConfig holds the adaptive RMS VAD and commit-state-machine tunables
// described in spec §4.4/§6. Field names mirror the environment-derived
// tunables of the original preview client.
type VADConfig struct {
	FrameDurationMs int `yaml:"frame_duration_ms"`

	RMSOffset float64 `yaml:"dynamic_rms_offset"`
	RMSMin    float64 `yaml:"rms_min"`
	RMSMax    float64 `yaml:"rms_max"`

	BootstrapDurationMs     int     `yaml:"bootstrap_duration_ms"`
	BootstrapOffset         float64 `yaml:"bootstrap_offset"`
	BootstrapMinSpeechFrame int     `yaml:"bootstrap_min_speech_frames"`

	DecayStep       float64 `yaml:"decay_step"`
	DecayIntervalMs int     `yaml:"decay_interval_ms"`
	DecayMin        float64 `yaml:"decay_min"`

	MaxBufferMs      int `yaml:"max_buffer_ms"`
	NoSpeechCommitMs int `yaml:"no_speech_commit_ms"`
	SilenceCommitMs  int `yaml:"silence_commit_ms"`

	MinSpeechFramesForCommit int `yaml:"min_speech_frames_for_commit"`
	CommitMinUserMs          int `yaml:"commit_min_user_ms"`

	AdaptiveMinMsCap      int `yaml:"adaptive_min_ms_cap"`
	CommitEmptyCooldown   int `yaml:"commit_empty_cooldown_frames"`
	LowSpeechBlockEscalte int `yaml:"low_speech_block_escalate"`
}

// BargeInConfig holds the multi-factor barge-in detector tunables described
// in spec §4.5.
type BargeInConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Offset         float64 `yaml:"offset"`
	RelativeFactor float64 `yaml:"relative_factor"`
	AbsMinRMS      float64 `yaml:"abs_min_rms"`
	MinSNRDb       float64 `yaml:"min_snr_db"`
	LockMs         int     `yaml:"lock_ms"`
	MinAgentMs     int     `yaml:"min_agent_ms"`
	CooldownMs     int     `yaml:"cooldown_ms"`
	ReleaseFrames  int     `yaml:"release_frames"`
	MinUserMs      int     `yaml:"min_user_ms"`
}

// AckTimeout returns Speech.AckTimeoutMs as a time.Duration, defaulting to
// 500ms when unset.
func (c Config) AckTimeout() time.Duration {
	if c.Speech.AckTimeoutMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Speech.AckTimeoutMs) * time.Millisecond
}
