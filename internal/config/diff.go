package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TextsChanged bool

	// VocabularyChanged is set when pipeline.vocabulary differs. The
	// transcript corrector picks the new terms up without a restart.
	VocabularyChanged bool

	// RestartRequired lists changed keys that only take effect after a
	// restart, for logging.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TextsChanged || d.VocabularyChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.Texts != new.Pipeline.Texts {
		d.TextsChanged = true
	}
	if !slices.Equal(old.Pipeline.Vocabulary, new.Pipeline.Vocabulary) {
		d.VocabularyChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("line", old.Line != new.Line)
	restart("discord", !equalDiscord(old.Discord, new.Discord))
	restart("providers", !equalProviders(old.Providers, new.Providers))
	restart("pipeline.flush", old.Pipeline.Flush != new.Pipeline.Flush)
	restart("audio", old.Audio != new.Audio)
	restart("archive", old.Archive != new.Archive)
	restart("telemetry", old.Telemetry != new.Telemetry)
	return d
}

func equalDiscord(a, b DiscordConfig) bool {
	return a.Token == b.Token && a.GuildID == b.GuildID && a.RoleID == b.RoleID &&
		slices.Equal(a.ChannelIDs, b.ChannelIDs)
}

func equalProviders(a, b ProvidersConfig) bool {
	return equalEntry(a.STT, b.STT) && equalEntry(a.LLM, b.LLM) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, equalEntry) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, equalEntry)
}

// equalEntry ignores Options; provider option maps are not compared.
func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
