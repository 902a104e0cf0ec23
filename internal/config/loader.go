package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/sayless/internal/aggregator"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "whisper", "whisper-native", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr           = ":8080"
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultWebhookPath          = "/callback"
	DefaultMaxContentBytes      = 20 << 20
	DefaultSTTModel             = "whisper-1"
	DefaultLLMModel             = "gpt-4o-mini"
	DefaultTranscribeTimeout    = 2 * time.Minute
	DefaultSummarizeTimeout     = time.Minute
	DefaultDeliveryTimeout      = 30 * time.Second
	DefaultMaxConcurrentDecodes = 4
	DefaultFlushWindow          = 5 * time.Second
	DefaultSampleRate           = 16000
	DefaultMaxDuration          = 10 * time.Minute
	DefaultMaxInputBytes        = 25 << 20 // Discord's attachment download cap
	DefaultMetricsPath          = "/metrics"
	DefaultServiceName          = "sayless"
)

// Environment variables consulted by [ApplyEnv] for empty secret fields.
const (
	EnvLineChannelSecret      = "LINE_CHANNEL_SECRET"
	EnvLineChannelAccessToken = "LINE_CHANNEL_ACCESS_TOKEN"
	EnvOpenAIAPIKey           = "OPENAI_API_KEY"
	EnvDiscordBotToken        = "DISCORD_BOT_TOKEN"
	EnvDeepgramAPIKey         = "DEEPGRAM_API_KEY"
	EnvDatabaseURL            = "DATABASE_URL"
)

// LoadEnv reads KEY=VALUE pairs from the given dotenv files (".env" when none
// are named) into the process environment. Variables already set are kept.
// Missing files are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := gotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills secrets from the
// environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty secret fields from well-known environment variables.
// getenv is usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&cfg.Line.ChannelSecret, EnvLineChannelSecret)
	fill(&cfg.Line.ChannelAccessToken, EnvLineChannelAccessToken)
	fill(&cfg.Discord.Token, EnvDiscordBotToken)
	fill(&cfg.Archive.PostgresDSN, EnvDatabaseURL)

	providerKey := func(e *ProviderEntry) {
		switch e.Name {
		case "openai", "":
			fill(&e.APIKey, EnvOpenAIAPIKey)
		case "deepgram":
			fill(&e.APIKey, EnvDeepgramAPIKey)
		}
	}
	providerKey(&cfg.Providers.STT)
	providerKey(&cfg.Providers.LLM)
	for i := range cfg.Providers.STTFallbacks {
		providerKey(&cfg.Providers.STTFallbacks[i])
	}
	for i := range cfg.Providers.LLMFallbacks {
		providerKey(&cfg.Providers.LLMFallbacks[i])
	}
}

// ApplyDefaults fills every unset field with its default. Provider names
// default to "openai", which is why [ApplyEnv] offers OPENAI_API_KEY to
// unnamed entries.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	l := &cfg.Line
	if l.WebhookPath == "" {
		l.WebhookPath = DefaultWebhookPath
	}
	if l.MaxContentBytes == 0 {
		l.MaxContentBytes = DefaultMaxContentBytes
	}

	p := &cfg.Providers
	if p.STT.Name == "" {
		p.STT.Name = "openai"
	}
	if p.STT.Name == "openai" && p.STT.Model == "" {
		p.STT.Model = DefaultSTTModel
	}
	if p.LLM.Name == "" {
		p.LLM.Name = "openai"
	}
	if p.LLM.Name == "openai" && p.LLM.Model == "" {
		p.LLM.Model = DefaultLLMModel
	}

	pl := &cfg.Pipeline
	if pl.TranscribeTimeout == 0 {
		pl.TranscribeTimeout = DefaultTranscribeTimeout
	}
	if pl.SummarizeTimeout == 0 {
		pl.SummarizeTimeout = DefaultSummarizeTimeout
	}
	if pl.DeliveryTimeout == 0 {
		pl.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if pl.MaxConcurrentDecodes == 0 {
		pl.MaxConcurrentDecodes = DefaultMaxConcurrentDecodes
	}
	if pl.Flush.Mode == "" {
		pl.Flush.Mode = aggregator.ModeImmediate
	}
	if pl.Flush.Window == 0 {
		pl.Flush.Window = DefaultFlushWindow
	}
	pl.Texts = pl.Texts.WithDefaults()

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.MaxDuration == 0 {
		a.MaxDuration = DefaultMaxDuration
	}
	if a.MaxInputBytes == 0 {
		a.MaxInputBytes = max(l.MaxContentBytes, DefaultMaxInputBytes)
	}

	t := &cfg.Telemetry
	if t.MetricsPath == "" {
		t.MetricsPath = DefaultMetricsPath
	}
	if t.ServiceName == "" {
		t.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Transports
	if !cfg.Line.Enabled() && !cfg.Discord.Enabled() {
		errs = append(errs, errors.New("no transport configured: set line.channel_secret or discord.token"))
	}
	if cfg.Line.Enabled() {
		if cfg.Line.ChannelAccessToken == "" {
			errs = append(errs, errors.New("line.channel_access_token is required when line.channel_secret is set"))
		}
		if !strings.HasPrefix(cfg.Line.WebhookPath, "/") {
			errs = append(errs, fmt.Errorf("line.webhook_path %q must start with /", cfg.Line.WebhookPath))
		}
		if cfg.Line.WebhookPath == cfg.Telemetry.MetricsPath {
			errs = append(errs, fmt.Errorf("line.webhook_path and telemetry.metrics_path must differ (both %q)", cfg.Line.WebhookPath))
		}
	}
	if cfg.Line.MaxContentBytes < 0 {
		errs = append(errs, fmt.Errorf("line.max_content_bytes %d must not be negative", cfg.Line.MaxContentBytes))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}

	// Pipeline
	pl := cfg.Pipeline
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"transcribe_timeout", pl.TranscribeTimeout},
		{"summarize_timeout", pl.SummarizeTimeout},
		{"delivery_timeout", pl.DeliveryTimeout},
		{"flush.window", pl.Flush.Window},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s %s must not be negative", d.key, d.val))
		}
	}
	if pl.Flush.Mode != "" {
		if _, err := aggregator.ParseMode(string(pl.Flush.Mode)); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.flush.mode: %w", err))
		}
	}
	if pl.MaxConcurrentDecodes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_decodes %d must not be negative", pl.MaxConcurrentDecodes))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.max_duration %s must not be negative", cfg.Audio.MaxDuration))
	}
	if cfg.Audio.MaxInputBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_input_bytes %d must not be negative", cfg.Audio.MaxInputBytes))
	}

	// Telemetry
	if cfg.Telemetry.MetricsPath != "" && !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" && cfg.Discord.Enabled() {
		slog.Warn("archive.postgres_dsn is empty; /voicenotes recent will not be available")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
