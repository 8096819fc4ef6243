package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/telemetry"
)

// ErrAlreadyRunning is returned by Start while a session is active.
var ErrAlreadyRunning = errors.New("event already running")

const tracerName = "event"

// Config tunes the event. Zero durations fall back to defaults.
type Config struct {
	Channel         string
	BotLogin        string
	SessionTTL      time.Duration // start to forced teardown
	GraceWindow     time.Duration // quiet notice this long before the deadline
	Cooldown        time.Duration // automatic trigger disabled after teardown
	RevealDelay     time.Duration // AwaitingName -> monitor reveal
	FinaleStepDelay time.Duration // between finale lines
	SendTimeout     time.Duration // per transport call
	Threshold       int           // active participants for the automatic trigger; <=0 disables it
	ManualPhrase    string
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.GraceWindow < 0 || c.GraceWindow > c.SessionTTL {
		c.GraceWindow = 0
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.RevealDelay <= 0 {
		c.RevealDelay = 20 * time.Second
	}
	if c.FinaleStepDelay <= 0 {
		c.FinaleStepDelay = 4 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type session struct {
	active     bool
	stage      Stage
	reason     StartReason
	startedAt  time.Time
	deadlineAt time.Time
	outputs    []chat.Ref
	inputs     []chat.Ref
	dormant    bool
}

// Orchestrator owns the single event session of the process.
type Orchestrator struct {
	cfg       Config
	script    *Script
	transport chat.Transport
	history   chat.History
	recorder  Recorder
	runner    *Runner
	now       func() time.Time

	mu            sync.Mutex
	sess          session
	generation    uint64
	cooldownUntil time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory enables the time-window safety net during teardown.
func WithHistory(h chat.History) Option { return func(o *Orchestrator) { o.history = h } }

// WithRecorder stores a Summary of every finished session.
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithScript replaces DefaultScript.
func WithScript(s *Script) Option { return func(o *Orchestrator) { o.script = s } }

// WithClock overrides time.Now for session windows and the cooldown.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New returns an idle orchestrator posting through transport.
func New(cfg Config, transport chat.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		script:    DefaultScript(),
		transport: transport,
		runner:    NewRunner(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close stops every scheduled action without tearing the session down.
func (o *Orchestrator) Close() { o.runner.Close() }

// Wait blocks until every scheduled action has returned, including a
// teardown started by one of them.
func (o *Orchestrator) Wait() { o.runner.Wait() }

// IsEventActive reports whether a session is running. Other bot features must
// stay silent while it returns true.
func (o *Orchestrator) IsEventActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.active
}

// Start opens a session. It returns ErrAlreadyRunning if one is active.
func (o *Orchestrator) Start(ctx context.Context, reason StartReason) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ctx, reason)
}

func (o *Orchestrator) startLocked(ctx context.Context, reason StartReason) error {
	if o.sess.active {
		return ErrAlreadyRunning
	}
	now := o.now()
	o.generation++
	o.sess = session{
		active:     true,
		stage:      StageAwaitingContact,
		reason:     reason,
		startedAt:  now,
		deadlineAt: now.Add(o.cfg.SessionTTL),
	}
	telemetry.IncCounter(telemetry.EventsStarted, string(reason))
	telemetry.SetEventActive(true)
	slog.Info("event started", slog.String("reason", string(reason)), slog.Uint64("generation", o.generation),
		slog.Time("deadline", o.sess.deadlineAt), slog.String("component", "event"))

	o.emitLocked(ctx, o.script.Lines().Opening)
	o.armWatchdogLocked(o.generation)
	return nil
}

// AutoStart starts a session when activeCount crosses the threshold outside the cooldown.
func (o *Orchestrator) AutoStart(ctx context.Context, activeCount int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !CheckThreshold(activeCount, o.cfg.Threshold, o.cooldownUntil, o.now(), o.sess.active) {
		return false
	}
	return o.startLocked(ctx, ReasonAuto) == nil
}

// TryManualStart starts a session when the message text, minus any mention
// of the bot, is exactly the manual phrase (ignoring surrounding space, case
// and character width). It ignores the cooldown. While a session runs it
// posts the "already running" notice and tracks a mentioning message as an
// input. It reports whether the message was the phrase.
func (o *Orchestrator) TryManualStart(ctx context.Context, msg chat.Message) bool {
	phrase := normalize(o.cfg.ManualPhrase)
	if phrase == "" || normalize(chat.StripMention(msg.Text, o.cfg.BotLogin)) != phrase {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.startLocked(ctx, ReasonManual); errors.Is(err, ErrAlreadyRunning) {
		if msg.MentionsBot && !msg.Bot && !o.now().After(o.sess.deadlineAt) {
			o.sess.inputs = append(o.sess.inputs, msg.Ref())
		}
		o.emitLocked(ctx, o.script.Lines().AlreadyRunning)
	}
	return true
}

// OnQualifyingMessage is the dispatcher hook. While a session is active it
// consumes every message, feeding mentions from people to HandleInput, and
// returns true; otherwise it returns false.
func (o *Orchestrator) OnQualifyingMessage(ctx context.Context, msg chat.Message) bool {
	if !o.IsEventActive() {
		return false
	}
	if !msg.Bot && msg.MentionsBot {
		o.HandleInput(ctx, msg)
	}
	return true
}

// HandleInput applies one participant message to the session. Only mentions
// of the bot from non-bot senders count. The whole turn, including sends,
// runs under the session lock.
func (o *Orchestrator) HandleInput(ctx context.Context, msg chat.Message) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "event.HandleInput")
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sess.active || msg.Bot || !msg.MentionsBot {
		return
	}
	if o.now().After(o.sess.deadlineAt) {
		return
	}
	span.SetAttributes(telemetry.StageAttr(o.sess.stage.String()), telemetry.GenerationAttr(o.generation))
	o.sess.inputs = append(o.sess.inputs, msg.Ref())

	text := chat.StripMention(msg.Text, o.cfg.BotLogin)
	if text == "" {
		o.emitLocked(ctx, o.script.Lines().EmptyPrompt)
		return
	}

	step := o.script.Step(o.sess.stage, text)
	for _, line := range step.Lines {
		o.emitLocked(ctx, line)
	}
	if step.Next > o.sess.stage {
		slog.Info("event stage advanced", slog.String("from", o.sess.stage.String()), slog.String("to", step.Next.String()),
			slog.String("user", msg.UserName), slog.String("component", "event"))
		o.sess.stage = step.Next
		telemetry.IncCounter(telemetry.StageTransitions, step.Next.String())
	}
	if step.ScheduleReveal {
		o.scheduleRevealLocked(o.generation)
	}
	if step.ScheduleFinale {
		o.scheduleFinaleLocked(o.generation)
	}
}

// emitLocked sends text and tracks the output. Failures are logged and skipped.
func (o *Orchestrator) emitLocked(ctx context.Context, text string) {
	if text == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()
	ref, err := o.transport.Send(sendCtx, o.cfg.Channel, text)
	if err != nil {
		telemetry.IncCounter(telemetry.TransportFailures, "send")
		telemetry.LoggerWithCorr(ctx).Warn("event send failed", slog.Any("err", err), slog.String("component", "event"))
		return
	}
	if o.sess.active && !o.now().After(o.sess.deadlineAt) {
		o.sess.outputs = append(o.sess.outputs, ref)
	}
}

// current runs fn under the lock if gen is still the live session. Stale
// actions are dropped quietly.
func (o *Orchestrator) current(gen uint64, name string, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sess.active || o.generation != gen {
		telemetry.IncStaleTimer()
		slog.Debug("stale scheduled action dropped", slog.String("action", name), slog.Uint64("generation", gen), slog.String("component", "event"))
		return false
	}
	fn()
	return true
}

// armWatchdogLocked posts the quiet notice at TTL-grace unless solved, then
// forces teardown at the deadline.
func (o *Orchestrator) armWatchdogLocked(gen uint64) {
	quietAfter := o.cfg.SessionTTL - o.cfg.GraceWindow
	o.runner.Schedule(gen, "watchdog", func(ctx context.Context) {
		if !sleep(ctx, quietAfter) {
			return
		}
		ok := o.current(gen, "watchdog", func() {
			if o.sess.stage == StageSolved {
				return
			}
			o.sess.dormant = true
			o.emitLocked(ctx, o.script.Lines().Quiet)
		})
		if !ok || !sleep(ctx, o.cfg.GraceWindow) {
			return
		}
		o.finalize(context.WithoutCancel(ctx), gen, true)
	})
}

func (o *Orchestrator) scheduleRevealLocked(gen uint64) {
	o.runner.Schedule(gen, "reveal", func(ctx context.Context) {
		if !sleep(ctx, o.cfg.RevealDelay) {
			return
		}
		o.current(gen, "reveal", func() { o.emitLocked(ctx, o.script.Lines().Reveal) })
	})
}

// scheduleFinaleLocked posts the finale lines, rewrites every tracked output
// to the closing line and tears the session down.
func (o *Orchestrator) scheduleFinaleLocked(gen uint64) {
	o.runner.Schedule(gen, "finale", func(ctx context.Context) {
		lines := o.script.Lines()
		for _, line := range lines.Finale {
			if !sleep(ctx, o.cfg.FinaleStepDelay) {
				return
			}
			if !o.current(gen, "finale", func() { o.emitLocked(ctx, line) }) {
				return
			}
		}
		if !sleep(ctx, o.cfg.FinaleStepDelay) {
			return
		}
		if !o.current(gen, "finale", func() { o.editAllLocked(ctx, lines.Closing) }) {
			return
		}
		o.finalize(context.WithoutCancel(ctx), gen, false)
	})
}

func (o *Orchestrator) editAllLocked(ctx context.Context, text string) {
	for _, ref := range o.sess.outputs {
		editCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		err := o.transport.Edit(editCtx, ref, text)
		cancel()
		if errors.Is(err, chat.ErrEditUnsupported) {
			slog.Debug("transport cannot edit; skipping closing rewrite", slog.String("component", "event"))
			return
		}
		if err != nil {
			telemetry.IncCounter(telemetry.TransportFailures, "edit")
			slog.Warn("event edit failed", slog.String("message_id", ref.ID), slog.Any("err", err), slog.String("component", "event"))
		}
	}
}

// Status is a snapshot of the orchestrator for the HTTP status endpoint.
type Status struct {
	Active        bool      `json:"active"`
	Stage         string    `json:"stage"`
	Reason        string    `json:"reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	DeadlineAt    time.Time `json:"deadline_at"`
	Dormant       bool      `json:"dormant"`
	Outputs       int       `json:"outputs"`
	Inputs        int       `json:"inputs"`
	PendingTimers []string  `json:"pending_timers"`
	Generation    uint64    `json:"generation"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Active:        o.sess.active,
		Stage:         o.sess.stage.String(),
		Reason:        string(o.sess.reason),
		StartedAt:     o.sess.startedAt,
		DeadlineAt:    o.sess.deadlineAt,
		Dormant:       o.sess.dormant,
		Outputs:       len(o.sess.outputs),
		Inputs:        len(o.sess.inputs),
		PendingTimers: o.runner.Names(),
		Generation:    o.generation,
		CooldownUntil: o.cooldownUntil,
	}
}
