package event

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/telemetry"
)

// Summary describes a finished session.
type Summary struct {
	Channel        string    `json:"channel"`
	Generation     uint64    `json:"generation"`
	Reason         string    `json:"reason"`
	FinalStage     string    `json:"final_stage"`
	Outcome        string    `json:"outcome"` // solved|deadline
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Deleted        int       `json:"deleted_messages"`
	DeleteFailures int       `json:"delete_failures"`
}

// Recorder persists session summaries. Failures are logged only.
type Recorder interface {
	RecordSession(ctx context.Context, s Summary) error
}

type snapshot struct {
	gen       uint64
	reason    StartReason
	startedAt time.Time
	windowEnd time.Time
	outputs   []chat.Ref
	inputs    []chat.Ref
}

// Finalize tears the active session down: pending actions are canceled, the
// session resets to idle, the cooldown starts and every tracked message is
// deleted. force marks a deadline or admin termination rather than a
// completed finale. It returns false when no session was active, so repeated
// or concurrent calls tear down once.
func (o *Orchestrator) Finalize(ctx context.Context, force bool) bool {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "event.Finalize")
	defer span.End()

	o.mu.Lock()
	if !o.sess.active {
		o.mu.Unlock()
		return false
	}
	return o.teardownLocked(ctx, span, force)
}

// finalize tears down session gen only; a scheduled action never ends a
// later session.
func (o *Orchestrator) finalize(ctx context.Context, gen uint64, force bool) bool {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "event.Finalize")
	defer span.End()

	o.mu.Lock()
	if !o.sess.active || o.generation != gen {
		o.mu.Unlock()
		return false
	}
	return o.teardownLocked(ctx, span, force)
}

// teardownLocked resets the active session and releases o.mu before the
// cleanup sweep.
func (o *Orchestrator) teardownLocked(ctx context.Context, span trace.Span, force bool) bool {
	now := o.now()
	canceled := o.runner.CancelAll()
	snap := snapshot{
		gen:       o.generation,
		reason:    o.sess.reason,
		startedAt: o.sess.startedAt,
		windowEnd: o.sess.deadlineAt,
		outputs:   o.sess.outputs,
		inputs:    o.sess.inputs,
	}
	if now.Before(snap.windowEnd) {
		snap.windowEnd = now
	}
	stage := o.sess.stage
	o.sess = session{stage: StageIdle}
	o.generation++
	o.cooldownUntil = now.Add(o.cfg.Cooldown)
	cooldownUntil := o.cooldownUntil
	o.mu.Unlock()

	outcome := "solved"
	if force {
		outcome = "deadline"
	}
	telemetry.IncCounter(telemetry.EventsFinalized, outcome)
	telemetry.SetEventActive(false)
	telemetry.ObserveDuration(telemetry.EventDuration, now.Sub(snap.startedAt))
	span.SetAttributes(telemetry.StageAttr(stage.String()), telemetry.GenerationAttr(snap.gen))

	deleted, failed := o.cleanup(ctx, snap)
	slog.Info("event finalized",
		slog.String("outcome", outcome),
		slog.String("stage", stage.String()),
		slog.Uint64("generation", snap.gen),
		slog.Int("canceled_actions", canceled),
		slog.Int("deleted", deleted),
		slog.Int("delete_failures", failed),
		slog.Time("cooldown_until", cooldownUntil),
		slog.String("component", "event"))

	if o.recorder != nil {
		sum := Summary{
			Channel:        o.cfg.Channel,
			Generation:     snap.gen,
			Reason:         string(snap.reason),
			FinalStage:     stage.String(),
			Outcome:        outcome,
			StartedAt:      snap.startedAt,
			FinishedAt:     now,
			Deleted:        deleted,
			DeleteFailures: failed,
		}
		if err := o.recorder.RecordSession(ctx, sum); err != nil {
			slog.Warn("event summary not stored", slog.Any("err", err), slog.String("component", "event"))
		}
	}
	return true
}

// cleanup deletes outputs, then inputs, then whatever History still holds in
// the session window from the bot or mentioning it. Each ref is attempted at
// most once; failures never stop the sweep.
func (o *Orchestrator) cleanup(ctx context.Context, snap snapshot) (deleted, failed int) {
	seen := make(map[string]struct{}, len(snap.outputs)+len(snap.inputs))
	del := func(ref chat.Ref) {
		if ref.ID == "" {
			return
		}
		if _, ok := seen[ref.ID]; ok {
			return
		}
		seen[ref.ID] = struct{}{}
		delCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
		defer cancel()
		if err := o.transport.Delete(delCtx, ref); err != nil {
			failed++
			telemetry.IncCounter(telemetry.TransportFailures, "delete")
			slog.Warn("event delete failed", slog.String("message_id", ref.ID), slog.Any("err", err), slog.String("component", "event"))
			return
		}
		deleted++
	}

	for _, ref := range snap.outputs {
		del(ref)
	}
	for _, ref := range snap.inputs {
		del(ref)
	}

	if o.history == nil {
		return deleted, failed
	}
	refs, err := o.history.Between(ctx, o.cfg.Channel, snap.startedAt, snap.windowEnd)
	if err != nil {
		telemetry.IncCounter(telemetry.TransportFailures, "history")
		slog.Warn("event history scan failed", slog.Any("err", err), slog.String("component", "event"))
		return deleted, failed
	}
	for _, ref := range refs {
		if ref.Self || ref.MentionsBot {
			del(ref)
		}
	}
	return deleted, failed
}
