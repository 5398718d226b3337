package config

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to hot-reload into a running Controller/BargeInDetector are
// tracked; media/server settings require a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged     bool
	NewVAD         VADConfig
	BargeInChanged bool
	NewBargeIn     BargeInConfig
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	if old.BargeIn != new.BargeIn {
		d.BargeInChanged = true
		d.NewBargeIn = new.BargeIn
	}

	return d
}
