package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; audio, VAD, and
// backend identity changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModeChanged reports a pipeline.mode change.
	ModeChanged bool
	NewMode     Mode

	// QuestionChanged reports a change in detection or dedup parameters.
	QuestionChanged bool

	// GenerationChanged reports a change in prompt or sampling parameters.
	GenerationChanged bool
}

// Any reports whether the diff contains at least one hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ModeChanged || d.QuestionChanged || d.GenerationChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Pipeline.Mode != new.Pipeline.Mode {
		d.ModeChanged = true
		d.NewMode = new.Pipeline.Mode
	}

	if old.Question != new.Question {
		d.QuestionChanged = true
	}

	if old.LLM.SystemPrompt != new.LLM.SystemPrompt ||
		old.LLM.MaxContextMessages != new.LLM.MaxContextMessages ||
		old.LLM.Temperature != new.LLM.Temperature ||
		old.LLM.TopP != new.LLM.TopP ||
		old.LLM.MaxTokens != new.LLM.MaxTokens {
		d.GenerationChanged = true
	}

	return d
}
