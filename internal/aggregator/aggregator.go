// Package aggregator is the per-user state machine that turns inbound voice
// messages into transcript-and-summary replies.
//
// A user's session moves EMPTY → ACCUMULATING → FLUSHING → EMPTY. Handling an
// event decodes its audio and stages it into the user's session; a flush then
// snapshots the session (clearing it), joins the snapshot's clips in arrival
// order, transcribes and summarises the result, replies, and releases the
// snapshot's scratch data on every exit path.
//
// Two flush policies exist. [ModeImmediate] flushes on every event, so each
// voice message gets its own reply carrying everything pending for the user at
// that moment. [ModeDebounce] waits for a quiet window and answers a burst of
// messages with one reply to the latest of them. An immediate-mode event whose
// segment a concurrent flush already took waits for that flush and gets a copy
// of its reply, so no reply token goes unused.
//
// Failure mapping happens in one place, the flush:
//
//   - decode or staging failure: nothing is staged, the apology is sent;
//   - transcription failure: placeholder transcript, summarisation skipped;
//   - summarisation failure: placeholder summary;
//   - delivery failure: logged and dropped.
//
// No failure escapes to the caller and a panic inside a flush is recovered.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sayless/internal/delivery"
	"github.com/MrWong99/sayless/internal/observe"
	"github.com/MrWong99/sayless/internal/remote"
	"github.com/MrWong99/sayless/internal/scratch"
	"github.com/MrWong99/sayless/internal/session"
	"github.com/MrWong99/sayless/pkg/audio"
	"github.com/MrWong99/sayless/pkg/audio/transcode"
)

// ErrClosed is reported for events handled after [Aggregator.Close].
var ErrClosed = errors.New("aggregator: closed")

// Mode selects when a session is flushed.
type Mode string

const (
	// ModeImmediate flushes the whole session on every inbound event.
	ModeImmediate Mode = "immediate"
	// ModeDebounce flushes once no event arrived for the configured window.
	ModeDebounce Mode = "debounce"
)

// ParseMode converts a configuration string to a Mode. The empty string is
// [ModeImmediate].
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeImmediate:
		return ModeImmediate, nil
	case ModeDebounce:
		return ModeDebounce, nil
	}
	return "", fmt.Errorf("aggregator: unknown flush mode %q", s)
}

// Event is one validated inbound voice message.
type Event struct {
	// UserID is the platform-scoped sender id and the session key.
	UserID string
	// MessageID is unique per message; it names the staged scratch data.
	MessageID string
	// Audio is the raw container bytes as downloaded from the platform.
	Audio []byte
	// Format is the platform's format hint (extension or MIME subtype).
	Format string
	// Target is where the reply for this event goes.
	Target delivery.Target
	// Received is when the transport accepted the event.
	Received time.Time
}

// Outcome tags how a flush (or an event that did not flush) ended.
type Outcome string

const (
	OutcomeOK                  Outcome = "ok"
	OutcomeNoSpeech            Outcome = "no_speech"
	OutcomeTranscriptionFailed Outcome = "transcription_failed"
	OutcomeSummarizationFailed Outcome = "summarization_failed"
	OutcomeFetchFailed         Outcome = "fetch_failed"
	OutcomeDecodeFailed        Outcome = "decode_failed"
	OutcomeStageFailed         Outcome = "stage_failed"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeInternalError       Outcome = "internal_error"
	// OutcomeMerged means a concurrent flush for the same user had already
	// taken this event's segment. The event waited for that flush and got a
	// copy of its reply; MergedInto names it.
	OutcomeMerged Outcome = "merged"
	// OutcomeQueued means the segment was staged for a debounced flush.
	OutcomeQueued Outcome = "queued"
	// OutcomeRejected means the aggregator was closed.
	OutcomeRejected Outcome = "rejected"
)

// Result describes what happened to one event or flush. It is always
// complete: failed stages carry placeholder text, never empty fields.
type Result struct {
	FlushID string
	UserID  string
	// MergedInto is the FlushID whose reply an OutcomeMerged event reused.
	MergedInto string
	Outcome Outcome
	// Err is the error of the stage that determined Outcome, if any.
	Err error

	Transcript string
	Summary    string
	// Reply is the text that was (or would have been) delivered.
	Reply string

	// Segments is the number of voice messages combined by the flush.
	Segments int
	// MessageIDs lists those messages in arrival order.
	MessageIDs []string
	// Audio is the length of the combined audio.
	Audio time.Duration

	Target      delivery.Target
	Delivered   bool
	DeliveryErr error

	Started  time.Time
	Finished time.Time
}

// Recorder receives every completed flush, e.g. to archive it.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

// Option is a functional option for [New].
type Option func(*Aggregator)

// WithTexts sets the reply strings. Empty fields keep their defaults.
func WithTexts(t Texts) Option {
	return func(a *Aggregator) { a.SetTexts(t) }
}

// WithMode selects the flush policy. window is only used by [ModeDebounce]
// and must be positive there.
func WithMode(m Mode, window time.Duration) Option {
	return func(a *Aggregator) {
		a.mode = m
		a.window = window
	}
}

// WithDeliveryTimeout bounds each reply. Defaults to 30 s.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.deliveryTimeout = d
		}
	}
}

// WithMaxAudio makes a flush whose joined audio is longer than d send the
// apology instead of transcribing. Zero disables the check.
func WithMaxAudio(d time.Duration) Option {
	return func(a *Aggregator) { a.maxAudio = d }
}

// WithRecorder passes every completed flush to r.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithIDGenerator replaces the flush id generator (random UUIDs).
func WithIDGenerator(fn func() string) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// WithOnFlush registers fn to observe every flush result, including those of
// debounced flushes that no caller waits for.
func WithOnFlush(fn func(Result)) Option {
	return func(a *Aggregator) { a.onFlush = fn }
}

// Aggregator owns the flush lifecycle. All methods are safe for concurrent
// use.
type Aggregator struct {
	store   *session.Store
	decoder transcode.Transcoder
	remote  remote.Service
	out     delivery.Replier

	texts           atomic.Pointer[Texts]
	mode            Mode
	window          time.Duration
	deliveryTimeout time.Duration
	maxAudio        time.Duration
	recorder        Recorder
	metrics         *observe.Metrics
	newID           func() string
	onFlush         func(Result)

	mu      sync.Mutex
	closed  bool
	pending map[string]*debounced
	wg      sync.WaitGroup

	// claims maps claimKey(user, message) to the channel through which the
	// flush that takes the message's segment hands itself over.
	claims sync.Map
}

// flight is a running flush. res is valid once done is closed.
type flight struct {
	done chan struct{}
	res  Result
}

func claimKey(userID, messageID string) string { return userID + "\x00" + messageID }

// debounced is a user's armed debounce timer.
type debounced struct {
	target delivery.Target
	gen    uint64
	timer  *time.Timer
}

// New creates an Aggregator staging into store, decoding and joining with
// decoder, transcribing and summarising with rs and replying through out.
func New(store *session.Store, decoder transcode.Transcoder, rs remote.Service, out delivery.Replier, opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		store:           store,
		decoder:         decoder,
		remote:          rs,
		out:             out,
		mode:            ModeImmediate,
		deliveryTimeout: 30 * time.Second,
		newID:           uuid.NewString,
		pending:         make(map[string]*debounced),
	}
	a.SetTexts(DefaultTexts())
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	switch a.mode {
	case ModeImmediate:
	case ModeDebounce:
		if a.window <= 0 {
			return nil, fmt.Errorf("aggregator: debounce window must be positive, got %s", a.window)
		}
	default:
		return nil, fmt.Errorf("aggregator: unknown flush mode %q", a.mode)
	}
	return a, nil
}

// SetTexts replaces the reply strings for subsequent flushes.
func (a *Aggregator) SetTexts(t Texts) {
	t = t.WithDefaults()
	a.texts.Store(&t)
}

// Texts returns the current reply strings.
func (a *Aggregator) Texts() Texts { return *a.texts.Load() }

// Mode returns the flush policy.
func (a *Aggregator) Mode() Mode { return a.mode }

// Handle processes one event and blocks until its flush (if any) finished. It
// never returns an error; the Result describes the outcome. In debounce mode
// it returns as soon as the segment is staged.
func (a *Aggregator) Handle(ctx context.Context, ev Event) (res Result) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Result{UserID: ev.UserID, Outcome: OutcomeRejected, Err: ErrClosed, Target: ev.Target}
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	log := observe.Logger(ctx).With("user_id", ev.UserID, "message_id", ev.MessageID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handling panicked", "panic", r)
			res = Result{
				UserID:  ev.UserID,
				Outcome: OutcomeInternalError,
				Err:     fmt.Errorf("aggregator: handle panicked: %v", r),
				Target:  ev.Target,
			}
		}
	}()

	a.metrics.RecordEvent(ctx, string(ev.Target.Platform))
	res, own, ok := a.admit(ctx, ev, log)
	if !ok {
		return res
	}

	if a.mode == ModeDebounce && a.arm(ev.UserID, ev.Target) {
		log.Debug("segment queued for debounced flush", "window", a.window)
		return Result{UserID: ev.UserID, Outcome: OutcomeQueued, Target: ev.Target, MessageIDs: []string{ev.MessageID}}
	}
	return a.flush(ctx, ev.UserID, ev.Target, own)
}

// admit decodes ev and stages it. On failure it sends the apology (when the
// failure warrants one) and returns ok=false with the final Result. On
// success own receives the flush that takes the staged segment.
func (a *Aggregator) admit(ctx context.Context, ev Event, log *slog.Logger) (res Result, own chan *flight, ok bool) {
	res = Result{UserID: ev.UserID, Target: ev.Target, Started: time.Now(), MessageIDs: []string{ev.MessageID}}

	ctx, span := observe.StartSpan(ctx, "aggregator.decode")
	start := time.Now()
	clip, err := a.decoder.Decode(ctx, ev.Audio, ev.Format)
	a.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	span.End()
	if err != nil {
		log.Warn("could not decode voice message", "format", ev.Format, "bytes", len(ev.Audio), "err", err)
		res.Outcome, res.Err = OutcomeDecodeFailed, err
		return a.apologize(ctx, res), nil, false
	}

	// The claim must exist before the segment is visible to a flush.
	key := claimKey(ev.UserID, ev.MessageID)
	own = make(chan *flight, 1)
	if _, loaded := a.claims.LoadOrStore(key, own); loaded {
		// A copy of this message is still pending; Stage fails below.
		own = nil
	}
	view, err := a.store.Stage(ev.UserID, ev.MessageID, clip)
	if err != nil && own != nil {
		a.claims.CompareAndDelete(key, own)
	}
	if errors.Is(err, scratch.ErrExists) {
		// A redelivery of a message that is still pending. The flush that
		// owns the first copy replies for it.
		log.Info("duplicate voice message ignored")
		res.Outcome, res.Err, res.Finished = OutcomeDuplicate, err, time.Now()
		a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), 0)
		return res, nil, false
	}
	if err != nil {
		log.Error("could not stage voice message", "err", err)
		res.Outcome, res.Err = OutcomeStageFailed, err
		return a.apologize(ctx, res), nil, false
	}
	if len(view.Segments) == 1 {
		a.metrics.PendingSessions.Add(ctx, 1)
	}
	log.Debug("segment staged", "segments", len(view.Segments), "pending_audio", view.Duration())
	return res, own, true
}

// Reject answers ev with the apology without staging anything. Transports
// call it when the voice message could not be downloaded; ev.Audio is
// ignored.
func (a *Aggregator) Reject(ctx context.Context, ev Event, cause error) Result {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Result{UserID: ev.UserID, Outcome: OutcomeRejected, Err: ErrClosed, Target: ev.Target}
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	a.metrics.RecordEvent(ctx, string(ev.Target.Platform))
	res := Result{
		UserID:     ev.UserID,
		Outcome:    OutcomeFetchFailed,
		Err:        cause,
		Target:     ev.Target,
		Started:    time.Now(),
		MessageIDs: []string{ev.MessageID},
	}
	return a.apologize(ctx, res)
}

// apologize finishes res with the apology reply.
func (a *Aggregator) apologize(ctx context.Context, res Result) Result {
	res.FlushID = a.newID()
	res.Reply = a.Texts().Apology
	a.deliver(observe.WithFlushID(ctx, res.FlushID), &res)
	res.Finished = time.Now()
	a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), 0)
	a.report(ctx, res)
	return res
}

// flush runs steps snapshot → join → transcribe → summarise → reply →
// release for everything pending for userID. own is the triggering event's
// claim, nil for debounced flushes.
func (a *Aggregator) flush(ctx context.Context, userID string, target delivery.Target, own chan *flight) (res Result) {
	res = Result{FlushID: a.newID(), UserID: userID, Target: target, Started: time.Now()}
	ctx = observe.WithFlushID(ctx, res.FlushID)
	ctx, span := observe.StartSpan(ctx, "aggregator.flush")
	defer span.End()
	log := observe.Logger(ctx).With("user_id", userID)

	snap := a.store.SnapshotAndClear(userID)
	defer func() {
		if err := snap.Release(); err != nil {
			log.Error("could not release scratch data", "err", err)
		}
	}()
	var fl *flight
	defer func() {
		if fl != nil {
			fl.res = res
			close(fl.done)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("flush panicked", "panic", r)
			res.Outcome = OutcomeInternalError
			res.Err = fmt.Errorf("aggregator: flush panicked: %v", r)
			res.Finished = time.Now()
			span.SetStatus(codes.Error, "panic")
			a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), res.Audio)
		}
	}()

	if snap.Empty() {
		return a.share(ctx, res, own, log)
	}
	fl = a.takeClaims(userID, snap.MessageIDs())
	a.metrics.PendingSessions.Add(ctx, -1)
	a.metrics.InFlightFlushes.Add(ctx, 1)
	defer a.metrics.InFlightFlushes.Add(ctx, -1)

	res.Segments = len(snap.Segments)
	res.MessageIDs = snap.MessageIDs()
	span.SetAttributes(attribute.Int("segments", res.Segments))

	combined, err := a.combine(snap)
	if err != nil {
		log.Error("could not combine segments", "segments", res.Segments, "err", err)
		res.Outcome, res.Err = OutcomeInternalError, err
		span.SetStatus(codes.Error, "combine failed")
		return a.finishWithApology(ctx, res)
	}
	res.Audio = combined.Duration()
	if a.maxAudio > 0 && res.Audio > a.maxAudio {
		log.Warn("joined audio too long", "segments", res.Segments, "audio", res.Audio, "max", a.maxAudio)
		res.Outcome = OutcomeDecodeFailed
		res.Err = &transcode.DecodeError{
			Format: combined.Format.String(),
			Err:    fmt.Errorf("%w: %s > %s", transcode.ErrTooLong, res.Audio, a.maxAudio),
		}
		span.SetStatus(codes.Error, "audio too long")
		return a.finishWithApology(ctx, res)
	}

	texts := a.Texts()
	res.Outcome = OutcomeOK
	text, err := a.remote.Transcribe(ctx, combined)
	switch {
	case err != nil:
		log.Warn("transcription failed", "audio", res.Audio, "err", err)
		res.Outcome, res.Err = OutcomeTranscriptionFailed, err
		res.Transcript = texts.TranscriptionFailed
		res.Summary = texts.SummarizationFailed
	case text == "":
		res.Outcome = OutcomeNoSpeech
		res.Transcript, res.Summary = texts.NoSpeech, texts.NoSpeech
	default:
		res.Transcript = text
		summary, err := a.remote.Summarize(ctx, text)
		if err != nil {
			log.Warn("summarization failed", "err", err)
			res.Outcome, res.Err = OutcomeSummarizationFailed, err
			summary = texts.SummarizationFailed
		}
		res.Summary = summary
	}
	if res.Err != nil {
		span.RecordError(res.Err)
	}

	res.Reply = texts.Compose(res.Transcript, res.Summary)
	a.deliver(ctx, &res)
	res.Finished = time.Now()

	log.Info("flush complete",
		"outcome", res.Outcome,
		"segments", res.Segments,
		"audio", res.Audio,
		"delivered", res.Delivered,
		"took", res.Finished.Sub(res.Started),
	)
	a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), res.Audio)
	a.report(ctx, res)
	return res
}

// takeClaims hands the returned flight to every event waiting on one of ids.
func (a *Aggregator) takeClaims(userID string, ids []string) *flight {
	fl := &flight{done: make(chan struct{})}
	for _, id := range ids {
		if v, ok := a.claims.LoadAndDelete(claimKey(userID, id)); ok {
			v.(chan *flight) <- fl
		}
	}
	return fl
}

// share answers an event whose segment a concurrent flush took. It waits for
// that flush and delivers a copy of its reply to the event's own target, so
// every reply token is used even when the other delivery fails.
func (a *Aggregator) share(ctx context.Context, res Result, own chan *flight, log *slog.Logger) Result {
	res.Outcome = OutcomeMerged
	var fl *flight
	if own != nil {
		select {
		case fl = <-own:
		case <-ctx.Done():
		}
	}
	if fl != nil {
		select {
		case <-fl.done:
		case <-ctx.Done():
			fl = nil
		}
	}
	if fl == nil {
		log.Debug("nothing pending; a concurrent flush took the segment", "err", ctx.Err())
		res.Err, res.Finished = ctx.Err(), time.Now()
		a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), 0)
		return res
	}

	taken := fl.res
	res.MergedInto, res.Err = taken.FlushID, taken.Err
	res.Transcript, res.Summary, res.Reply = taken.Transcript, taken.Summary, taken.Reply
	res.Segments, res.MessageIDs, res.Audio = taken.Segments, taken.MessageIDs, taken.Audio
	if res.Reply == "" {
		res.Reply = a.Texts().Apology
	}
	a.deliver(ctx, &res)
	res.Finished = time.Now()
	log.Info("reply shared with a concurrent flush",
		"merged_into", res.MergedInto,
		"delivered", res.Delivered,
		"took", res.Finished.Sub(res.Started),
	)
	a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), 0)
	return res
}

func (a *Aggregator) combine(snap *session.Snapshot) (audio.Clip, error) {
	clips, err := snap.Load()
	if err != nil {
		return audio.Clip{}, err
	}
	return a.decoder.Concatenate(clips)
}

func (a *Aggregator) finishWithApology(ctx context.Context, res Result) Result {
	res.Reply = a.Texts().Apology
	a.deliver(ctx, &res)
	res.Finished = time.Now()
	a.metrics.RecordFlush(ctx, string(res.Outcome), res.Finished.Sub(res.Started), res.Audio)
	a.report(ctx, res)
	return res
}

// deliver sends res.Reply to res.Target and records the outcome in res.
func (a *Aggregator) deliver(ctx context.Context, res *Result) {
	ctx, cancel := context.WithTimeout(ctx, a.deliveryTimeout)
	defer cancel()

	start := time.Now()
	err := a.out.Reply(ctx, res.Target, res.Reply)
	platform := string(res.Target.Platform)
	a.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("platform", platform)))
	if err != nil {
		observe.Logger(ctx).Warn("reply not delivered", "user_id", res.UserID, "platform", platform, "err", err)
		a.metrics.RecordDeliveryError(ctx, platform)
		res.DeliveryErr = err
		return
	}
	res.Delivered = true
}

// report hands res to the recorder and the flush observer.
func (a *Aggregator) report(ctx context.Context, res Result) {
	if a.recorder != nil {
		if err := a.recorder.Record(ctx, res); err != nil {
			observe.Logger(ctx).Warn("could not record flush", "flush_id", res.FlushID, "err", err)
		}
	}
	if a.onFlush != nil {
		a.onFlush(res)
	}
}

// ── Debounce ──────────────────────────────────────────────────────────────────

// arm (re)starts userID's debounce timer; the eventual flush replies to
// target, the most recent event's target. It reports false once the
// aggregator is closing, in which case the caller flushes right away.
func (a *Aggregator) arm(userID string, target delivery.Target) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	d, ok := a.pending[userID]
	if !ok {
		d = &debounced{}
		a.pending[userID] = d
		a.wg.Add(1) // released by whichever fire wins
	} else {
		d.timer.Stop()
	}
	d.target = target
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(a.window, func() { a.fire(userID, d, gen) })
	return true
}

// fire runs a debounced flush unless the timer was superseded.
func (a *Aggregator) fire(userID string, d *debounced, gen uint64) {
	a.mu.Lock()
	if a.pending[userID] != d || d.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.pending, userID)
	target := d.target
	a.mu.Unlock()

	defer a.wg.Done()
	a.flush(context.Background(), userID, target, nil)
}

// Close stops accepting events, flushes every debounced session at once and
// waits for in-flight work to finish or ctx to expire.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	type due struct {
		user   string
		target delivery.Target
	}
	var flushNow []due
	for user, d := range a.pending {
		d.timer.Stop()
		d.gen++
		flushNow = append(flushNow, due{user, d.target})
	}
	clear(a.pending)
	a.mu.Unlock()

	for _, f := range flushNow {
		go func() {
			defer a.wg.Done()
			a.flush(context.WithoutCancel(ctx), f.user, f.target, nil)
		}()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("aggregator: drain: %w", ctx.Err())
	}
}
