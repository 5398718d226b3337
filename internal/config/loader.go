package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with the values spec §6 documents as
// defaults, so a minimal YAML file (or an empty one) still produces a
// working configuration.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Media.TelephonyRateHz == 0 {
		cfg.Media.TelephonyRateHz = 16000
	}
	if cfg.Media.FrameBytes == 0 {
		cfg.Media.FrameBytes = 640
	}
	if cfg.Media.FrameIntervalMs == 0 {
		cfg.Media.FrameIntervalMs = 20
	}
	if cfg.Media.OutFormat == "" {
		cfg.Media.OutFormat = "json_simple"
	}
	if cfg.Media.RingCapacity == 0 {
		cfg.Media.RingCapacity = 64
	}
	if cfg.Speech.DefaultSampleRateHz == 0 {
		cfg.Speech.DefaultSampleRateHz = 24000
	}
	if cfg.Speech.AckTimeoutMs == 0 {
		cfg.Speech.AckTimeoutMs = 500
	}

	v := &cfg.VAD
	if v.FrameDurationMs == 0 {
		v.FrameDurationMs = 20
	}
	if v.RMSOffset == 0 {
		v.RMSOffset = 40
	}
	if v.RMSMin == 0 {
		v.RMSMin = 30
	}
	if v.RMSMax == 0 {
		v.RMSMax = 4000
	}
	if v.BootstrapDurationMs == 0 {
		v.BootstrapDurationMs = 2000
	}
	if v.BootstrapOffset == 0 {
		v.BootstrapOffset = 20
	}
	if v.BootstrapMinSpeechFrame == 0 {
		v.BootstrapMinSpeechFrame = 3
	}
	if v.DecayStep == 0 {
		v.DecayStep = 2
	}
	if v.DecayIntervalMs == 0 {
		v.DecayIntervalMs = 200
	}
	if v.DecayMin == 0 {
		v.DecayMin = 10
	}
	if v.MaxBufferMs == 0 {
		v.MaxBufferMs = 2000
	}
	if v.NoSpeechCommitMs == 0 {
		v.NoSpeechCommitMs = 600
	}
	if v.SilenceCommitMs == 0 {
		v.SilenceCommitMs = 140
	}
	if v.MinSpeechFramesForCommit == 0 {
		v.MinSpeechFramesForCommit = 5
	}
	if v.CommitMinUserMs == 0 {
		v.CommitMinUserMs = 600
	}
	if v.AdaptiveMinMsCap == 0 {
		v.AdaptiveMinMsCap = 300
	}
	if v.CommitEmptyCooldown == 0 {
		v.CommitEmptyCooldown = 8
	}
	if v.LowSpeechBlockEscalte == 0 {
		v.LowSpeechBlockEscalte = 3
	}

	b := &cfg.BargeIn
	if b.Offset == 0 {
		b.Offset = 40
	}
	if b.RelativeFactor == 0 {
		b.RelativeFactor = 1.3
	}
	if b.AbsMinRMS == 0 {
		b.AbsMinRMS = 100
	}
	if b.MinSNRDb == 0 {
		b.MinSNRDb = 10
	}
	if b.LockMs == 0 {
		b.LockMs = 1200
	}
	if b.MinAgentMs == 0 {
		b.MinAgentMs = 800
	}
	if b.CooldownMs == 0 {
		b.CooldownMs = 1200
	}
	if b.ReleaseFrames == 0 {
		b.ReleaseFrames = 6
	}
	if b.MinUserMs == 0 {
		b.MinUserMs = 160
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Media.OutFormat.IsValid() {
		errs = append(errs, fmt.Errorf("media.out_format %q is invalid; valid values: json_simple, binary", cfg.Media.OutFormat))
	}

	if cfg.Speech.Endpoint == "" {
		errs = append(errs, fmt.Errorf("speech.endpoint is required"))
	}
	if cfg.Speech.APIKey == "" {
		slog.Warn("speech.api_key is empty; connecting to the speech service without credentials")
	}

	if cfg.Media.FrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("media.frame_bytes must be positive"))
	}
	if cfg.Media.TelephonyRateHz <= 0 {
		errs = append(errs, fmt.Errorf("media.telephony_rate_hz must be positive"))
	}
	if cfg.Media.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("media.ring_capacity must be positive"))
	}

	v := cfg.VAD
	if v.RMSMin < 0 || v.RMSMax <= v.RMSMin {
		errs = append(errs, fmt.Errorf("vad.rms_min/rms_max must satisfy 0 <= rms_min < rms_max"))
	}
	if v.SilenceCommitMs <= 0 || v.NoSpeechCommitMs <= 0 || v.MaxBufferMs <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence_commit_ms, no_speech_commit_ms, and max_buffer_ms must all be positive"))
	}
	if v.NoSpeechCommitMs >= v.MaxBufferMs {
		slog.Warn("vad.no_speech_commit_ms is not shorter than vad.max_buffer_ms; the no_speech_timeout trigger will rarely fire before max_buffer_safety",
			"no_speech_commit_ms", v.NoSpeechCommitMs, "max_buffer_ms", v.MaxBufferMs)
	}

	b := cfg.BargeIn
	if b.Enabled && b.MinUserMs <= 0 {
		errs = append(errs, fmt.Errorf("barge_in.min_user_ms must be positive when barge_in.enabled is true"))
	}

	return errors.Join(errs...)
}
