// Package app wires all sayless subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves webhooks and the Discord gateway until its context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTranscoder,
// WithLineClients, WithArchive). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sayless/internal/aggregator"
	"github.com/MrWong99/sayless/internal/archive"
	"github.com/MrWong99/sayless/internal/config"
	"github.com/MrWong99/sayless/internal/delivery"
	"github.com/MrWong99/sayless/internal/discord"
	"github.com/MrWong99/sayless/internal/health"
	"github.com/MrWong99/sayless/internal/line"
	"github.com/MrWong99/sayless/internal/observe"
	"github.com/MrWong99/sayless/internal/remote"
	"github.com/MrWong99/sayless/internal/scratch"
	"github.com/MrWong99/sayless/internal/session"
	"github.com/MrWong99/sayless/internal/summarize"
	"github.com/MrWong99/sayless/internal/transcript"
	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/audio/transcode"
	"github.com/MrWong99/sayless/pkg/provider/stt"
)

// statsWindow is how many recent flushes /voicenotes stats summarises.
const statsWindow = 500

// Archive is the persistence the app needs from [archive.Store].
type Archive interface {
	aggregator.Recorder
	discord.History
	Ping(ctx context.Context) error
	Close()
}

var _ Archive = (*archive.Store)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	telemetry  *observe.Telemetry
	metrics    *observe.Metrics
	levelVar   *slog.LevelVar
	space      *scratch.Dir
	store      *session.Store
	decoder    transcode.Transcoder
	corrector  *transcript.Corrector
	remote     *remote.Pipeline
	mux        *delivery.Mux
	stats      *discord.FlushStats
	archive    Archive
	aggregator *aggregator.Aggregator
	health     *health.Handler
	router     chi.Router

	lineFetcher line.ContentFetcher
	lineReplier delivery.Replier
	webhook     *line.Webhook
	bot         *discord.Bot

	server *http.Server

	// closers run in order at the end of Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscoder injects a decoder instead of building a [transcode.Engine].
func WithTranscoder(t transcode.Transcoder) Option {
	return func(a *App) { a.decoder = t }
}

// WithLineClients injects the LINE content fetcher and replier instead of
// creating SDK clients from the access token.
func WithLineClients(f line.ContentFetcher, r delivery.Replier) Option {
	return func(a *App) {
		a.lineFetcher = f
		a.lineReplier = r
	}
}

// WithArchive injects the result archive instead of connecting to
// archive.postgres_dsn.
func WithArchive(ar Archive) Option {
	return func(a *App) { a.archive = ar }
}

// WithTelemetry injects already initialised OTel providers.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithLogLevel lets [App.Reload] change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (see [BuildProviders]). The Discord bot, when configured,
// connects to the gateway here.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		mux:       delivery.NewMux(),
		stats:     discord.NewFlushStats(statsWindow),
	}
	for _, o := range opts {
		o(a)
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Scratch space + session store ─────────────────────────────────
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 3. Decoder ───────────────────────────────────────────────────────
	a.initDecoder()

	// ── 4. Remote pipeline ───────────────────────────────────────────────
	a.initRemote()

	// ── 5. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 6. LINE clients ──────────────────────────────────────────────────
	if err := a.initLine(); err != nil {
		return nil, fmt.Errorf("app: init line: %w", err)
	}

	// ── 7. Aggregator ────────────────────────────────────────────────────
	if err := a.initAggregator(); err != nil {
		return nil, fmt.Errorf("app: init aggregator: %w", err)
	}
	if a.lineFetcher != nil {
		a.webhook = line.NewWebhook(cfg.Line.ChannelSecret, a.aggregator, a.lineFetcher)
	}

	// ── 8. Discord ───────────────────────────────────────────────────────
	if err := a.initDiscord(ctx); err != nil {
		return nil, fmt.Errorf("app: init discord: %w", err)
	}

	// ── 9. HTTP routes ───────────────────────────────────────────────────
	a.initRouter()

	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry(ctx context.Context) error {
	if a.telemetry == nil {
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: a.cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return err
		}
		a.telemetry = tel
	}
	a.metrics = observe.DefaultMetrics()
	return nil
}

func (a *App) initSessions() error {
	dir, err := scratch.NewDir(a.cfg.Audio.ScratchDir)
	if err != nil {
		return err
	}
	a.space = dir
	a.store = session.NewStore(dir)
	a.closers = append(a.closers, a.store.Close, dir.Close)
	slog.Debug("scratch space ready", "root", dir.Root())
	return nil
}

func (a *App) initDecoder() {
	if a.decoder != nil {
		return
	}
	target := audio.Speech
	if a.cfg.Audio.SampleRate > 0 {
		target.SampleRate = a.cfg.Audio.SampleRate
	}
	opts := []transcode.Option{
		transcode.WithTarget(target),
		transcode.WithMaxDuration(a.cfg.Audio.MaxDuration),
		transcode.WithConcurrency(a.cfg.Pipeline.MaxConcurrentDecodes),
	}
	if a.cfg.Audio.MaxInputBytes > 0 {
		opts = append(opts, transcode.WithMaxInputBytes(int(a.cfg.Audio.MaxInputBytes)))
	}
	if a.cfg.Audio.FFmpegPath != "" {
		opts = append(opts, transcode.WithFFmpeg(a.cfg.Audio.FFmpegPath))
	}
	a.decoder = transcode.New(opts...)
}

func (a *App) initRemote() {
	pl := a.cfg.Pipeline
	a.corrector = transcript.NewCorrector(pl.Vocabulary)

	sumOpts := []summarize.Option{}
	if pl.SystemPrompt != "" {
		sumOpts = append(sumOpts, summarize.WithSystemPrompt(pl.SystemPrompt))
	}
	if pl.SummaryPrompt != "" {
		sumOpts = append(sumOpts, summarize.WithPrompt(pl.SummaryPrompt))
	}
	llmOpts := a.cfg.Providers.LLM.Options
	switch v := llmOpts["temperature"].(type) {
	case float64:
		sumOpts = append(sumOpts, summarize.WithTemperature(v))
	case int:
		sumOpts = append(sumOpts, summarize.WithTemperature(float64(v)))
	}
	if n, ok := llmOpts["max_tokens"].(int); ok && n > 0 {
		sumOpts = append(sumOpts, summarize.WithMaxTokens(n))
	}

	a.remote = remote.New(
		a.providers.STT,
		summarize.NewLLMSummarizer(a.providers.LLM, sumOpts...),
		remote.WithTranscribeTimeout(pl.TranscribeTimeout),
		remote.WithSummarizeTimeout(pl.SummarizeTimeout),
		remote.WithSTTOptions(stt.Options{
			Language:  pl.Language,
			Translate: pl.TranslateEnabled(),
			Keywords:  pl.Vocabulary,
		}),
		remote.WithCorrector(a.corrector),
		remote.WithProviderNames(a.providers.STTName, a.providers.LLMName),
		remote.WithMetrics(a.metrics),
	)
}

func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		if a.cfg.Archive.PostgresDSN == "" {
			return nil
		}
		store, err := archive.NewStore(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.archive = store
	}
	ar := a.archive
	a.closers = append(a.closers, func() error {
		ar.Close()
		return nil
	})
	return nil
}

func (a *App) initLine() error {
	lc := a.cfg.Line
	if !lc.Enabled() {
		return nil
	}
	if a.lineFetcher == nil {
		f, err := line.NewBlobFetcher(lc.ChannelAccessToken,
			line.WithEndpoint(lc.DataEndpoint),
			line.WithMaxContentBytes(lc.MaxContentBytes),
		)
		if err != nil {
			return err
		}
		a.lineFetcher = f
	}
	if a.lineReplier == nil {
		r, err := line.NewReplier(lc.ChannelAccessToken, line.WithEndpoint(lc.APIEndpoint))
		if err != nil {
			return err
		}
		a.lineReplier = r
	}
	a.mux.Handle(delivery.PlatformLINE, a.lineReplier)
	return nil
}

func (a *App) initAggregator() error {
	pl := a.cfg.Pipeline
	opts := []aggregator.Option{
		aggregator.WithTexts(pl.Texts),
		aggregator.WithMode(pl.Flush.Mode, pl.Flush.Window),
		aggregator.WithDeliveryTimeout(pl.DeliveryTimeout),
		aggregator.WithMaxAudio(a.cfg.Audio.MaxDuration),
		aggregator.WithMetrics(a.metrics),
		aggregator.WithOnFlush(a.stats.Record),
	}
	if a.archive != nil {
		opts = append(opts, aggregator.WithRecorder(a.archive))
	}
	agg, err := aggregator.New(a.store, a.decoder, a.remote, a.mux, opts...)
	if err != nil {
		return err
	}
	a.aggregator = agg
	return nil
}

func (a *App) initDiscord(ctx context.Context) error {
	dc := a.cfg.Discord
	if !dc.Enabled() {
		return nil
	}
	opts := []discord.Option{discord.WithStats(a.stats)}
	if a.archive != nil {
		opts = append(opts, discord.WithHistory(a.archive))
	}
	bot, err := discord.New(ctx, discord.Config{
		Token:      dc.Token,
		GuildID:    dc.GuildID,
		ChannelIDs: dc.ChannelIDs,
		RoleID:     dc.RoleID,
	}, a.aggregator, opts...)
	if err != nil {
		return err
	}
	a.bot = bot
	a.mux.Handle(delivery.PlatformDiscord, discord.NewReplier(bot.Session()))
	return nil
}

func (a *App) initRouter() {
	var checkers []health.Checker
	if a.archive != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archive.Ping})
	}
	if a.bot != nil {
		checkers = append(checkers, health.Checker{Name: "discord", Check: a.bot.Ready})
	}
	a.health = health.New(checkers...)
	a.health.Report("pending_sessions", a.store.Sessions)

	metricsPath := a.cfg.Telemetry.MetricsPath
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics, "/healthz", "/readyz", metricsPath))
	a.health.Register(r)
	if a.telemetry != nil && a.telemetry.Handler != nil && metricsPath != "" {
		r.Handle(metricsPath, a.telemetry.Handler)
	}
	if a.webhook != nil {
		r.Method(http.MethodPost, a.cfg.Line.WebhookPath, a.webhook)
	}
	a.router = r
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the webhook, health probes and
// metrics.
func (a *App) Handler() http.Handler { return a.router }

// Aggregator returns the flush pipeline.
func (a *App) Aggregator() *aggregator.Aggregator { return a.aggregator }

// Stats returns the rolling flush statistics.
func (a *App) Stats() *discord.FlushStats { return a.stats }

// Platforms returns the transports replies can be delivered to.
func (a *App) Platforms() []delivery.Platform { return a.mux.Platforms() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and runs the Discord bot until ctx
// is cancelled, then shuts everything down within cfg.Server.ShutdownTimeout.
// It returns the first serving error, or nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})
	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed config: log level,
// reply texts and vocabulary. Everything else is logged as requiring a
// restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TextsChanged {
		a.aggregator.SetTexts(new.Pipeline.Texts)
		slog.Info("reply texts reloaded")
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(new.Pipeline.Vocabulary)
		slog.Info("vocabulary reloaded", "terms", len(new.Pipeline.Vocabulary))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "keys", d.RestartRequired)
	}
}

// ParseLevel maps a config log level to a slog level. Unknown values are info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops intake and tears down all subsystems:
//
//  1. readiness reports draining, the HTTP server stops accepting requests
//     and webhook events still being fetched are drained;
//  2. in-flight flushes and pending debounce timers are drained;
//  3. the Discord bot disconnects;
//  4. the session store releases leftover scratch, the archive pool closes;
//  5. telemetry is flushed.
//
// Each step is bounded by ctx. Shutdown is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		var errs []error

		a.health.SetDraining()
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if a.webhook != nil {
			if err := a.webhook.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		if err := a.aggregator.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		if a.bot != nil {
			if err := a.bot.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		if err := a.runClosers(); err != nil {
			errs = append(errs, err)
		}

		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry: %w", err))
			}
		}

		a.shutdownErr = errors.Join(errs...)
		if a.shutdownErr != nil {
			slog.Warn("shutdown finished with errors", "err", a.shutdownErr)
			return
		}
		slog.Info("shutdown complete")
	})
	return a.shutdownErr
}

// runClosers calls every closer in order and joins their errors.
func (a *App) runClosers() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
