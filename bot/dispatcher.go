// Package bot routes inbound chat: the event gets first claim on every
// message and mention replies (search or generation) run only while no event
// is active.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/reply"
	"github.com/onnwee/nadeko-bot/telemetry"
)

// Fixed replies.
const (
	EmptyMention  = "何か聞いてくれたら答えるよ！"
	SearchNotice  = "🔍 ちょっと調べてみるね……"
	errorTemplate = "⚠️ エラーが発生しました: %v"
)

// Events is the part of the event orchestrator the dispatcher needs.
type Events interface {
	TryManualStart(ctx context.Context, msg chat.Message) bool
	OnQualifyingMessage(ctx context.Context, msg chat.Message) bool
	IsEventActive() bool
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]reply.Result, error)
}

// Recorder stores inbound chat (the chat log).
type Recorder interface {
	Record(ctx context.Context, m chat.Message) error
}

// Config wires a Dispatcher.
type Config struct {
	Channel    string
	BotLogin   string
	ChunkRunes int // default 500
	MaxReplies int // concurrent replies in flight, default 2
}

// Dispatcher handles every inbound chat message.
type Dispatcher struct {
	cfg       Config
	events    Events
	transport chat.Transport
	search    Searcher
	responder reply.Responder
	recorder  Recorder

	replies errgroup.Group
}

// New returns a dispatcher. search, responder and recorder may be nil to
// disable that feature.
func New(cfg Config, events Events, transport chat.Transport, search Searcher, responder reply.Responder, recorder Recorder) *Dispatcher {
	if cfg.ChunkRunes <= 0 {
		cfg.ChunkRunes = 500
	}
	if cfg.MaxReplies <= 0 {
		cfg.MaxReplies = 2
	}
	d := &Dispatcher{cfg: cfg, events: events, transport: transport, search: search, responder: responder, recorder: recorder}
	d.replies.SetLimit(cfg.MaxReplies)
	return d
}

// Handle processes one message. Event handling is synchronous; replies run
// in the background and are dropped when too many are in flight.
func (d *Dispatcher) Handle(ctx context.Context, msg chat.Message) {
	corr := msg.ID
	if corr == "" {
		corr = uuid.NewString()
	}
	ctx = telemetry.WithCorrelation(ctx, corr)
	log := telemetry.LoggerWithCorr(ctx)

	if d.recorder != nil {
		if err := d.recorder.Record(ctx, msg); err != nil {
			log.Warn("chat log: record", slog.Any("err", err), slog.String("component", "bot"))
		}
	}
	if msg.Bot {
		return
	}
	if d.events.TryManualStart(ctx, msg) {
		return
	}
	if d.events.OnQualifyingMessage(ctx, msg) {
		return
	}
	if !msg.MentionsBot {
		return
	}

	text := chat.StripMention(msg.Text, d.cfg.BotLogin)
	replyCtx := context.WithoutCancel(ctx)
	if !d.replies.TryGo(func() error {
		d.reply(replyCtx, text)
		return nil
	}) {
		log.Info("reply dropped: busy", slog.String("user", msg.UserName), slog.String("component", "bot"))
	}
}

// Wait blocks until in-flight replies finish.
func (d *Dispatcher) Wait() { _ = d.replies.Wait() }

func (d *Dispatcher) reply(ctx context.Context, text string) {
	ctx, span := telemetry.StartSpan(ctx, "bot", "bot.reply")
	defer span.End()

	if text == "" {
		d.send(ctx, "prompt", EmptyMention)
		return
	}

	if d.search != nil && reply.IsSearchRequest(text) {
		d.send(ctx, "search", SearchNotice)
		results, err := d.search.Search(ctx, text)
		if err != nil {
			telemetry.RecordError(span, err)
			d.send(ctx, "error", fmt.Sprintf(errorTemplate, err))
			return
		}
		d.send(ctx, "search", reply.FormatResults(results))
		return
	}

	if d.responder == nil {
		telemetry.LoggerWithCorr(ctx).Debug("no responder configured; mention ignored", slog.String("component", "bot"))
		return
	}
	out, err := d.responder.Respond(ctx, text)
	switch {
	case errors.Is(err, reply.ErrEmptyResponse) || (err == nil && out == ""):
		out = reply.NoResponse
	case err != nil:
		telemetry.RecordError(span, err)
		d.send(ctx, "error", fmt.Sprintf(errorTemplate, err))
		return
	}
	d.send(ctx, "generate", out)
}

// send posts text in chunks unless an event started meanwhile.
func (d *Dispatcher) send(ctx context.Context, kind, text string) {
	log := telemetry.LoggerWithCorr(ctx)
	for _, chunk := range reply.Split(text, d.cfg.ChunkRunes) {
		if d.events.IsEventActive() {
			log.Debug("reply suppressed: event active", slog.String("kind", kind), slog.String("component", "bot"))
			return
		}
		if _, err := d.transport.Send(ctx, d.cfg.Channel, chunk); err != nil {
			telemetry.IncCounter(telemetry.TransportFailures, "send")
			log.Warn("reply send failed", slog.String("kind", kind), slog.Any("err", err), slog.String("component", "bot"))
			return
		}
	}
	telemetry.IncCounter(telemetry.RepliesSent, kind)
}
