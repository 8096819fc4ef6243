// Command nadeko-bot is the Twitch chat bot.
// It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Optionally connects to Postgres for the chat log and session history.
//   - Joins the configured channel, runs the timed chat event (started by the
//     viewer threshold, the manual phrase or the admin API) and answers
//     mentions with search results or generated replies when no event runs.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics
//     and the admin event controls.
//
// Shutdown is graceful on SIGINT/SIGTERM: a running event is torn down so no
// event messages stay in chat.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/nadeko-bot/bot"
	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/config"
	"github.com/onnwee/nadeko-bot/db"
	"github.com/onnwee/nadeko-bot/event"
	"github.com/onnwee/nadeko-bot/reply"
	"github.com/onnwee/nadeko-bot/server"
	"github.com/onnwee/nadeko-bot/telemetry"
	"github.com/onnwee/nadeko-bot/twitchapi"
)

const inboxSize = 256

func main() {
	// .env is a local dev convenience; production relies on real env
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	logCloser := telemetry.SetupLogging(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer func() { _ = logCloser.Close() }()

	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("twitch chat not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("nadeko-bot", "1.0.0", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bot exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Twitch: app token for public Helix reads, bot user token for chat.
	userTokens := twitchapi.UserTokenSource(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchOAuthToken, cfg.TwitchRefreshToken)
	helix := &twitchapi.HelixClient{
		AppTokenSource:  &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		UserTokenSource: userTokens,
		ClientID:        cfg.TwitchClientID,
	}
	twitchClient := &chat.TwitchClient{
		Channel:     cfg.TwitchChannel,
		BotLogin:    cfg.TwitchBotUsername,
		IgnoreUsers: cfg.BotIgnoreUsers,
		Helix:       helix,
		UserToken:   userTokens,
	}
	resolveCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := twitchClient.Resolve(resolveCtx)
	cancel()
	if err != nil {
		return err
	}

	var (
		transport chat.Transport = twitchClient
		eventOpts []event.Option
		recorder  bot.Recorder
		sessions  server.Sessions
		checks    []server.Check
	)
	checks = append(checks, server.Check{Name: "chat", Fn: func(context.Context) error {
		if !twitchClient.Connected() {
			return errors.New("twitch chat not connected")
		}
		return nil
	}})

	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			return err
		}
		store := chat.NewStore(database)
		sessionLog := &db.SessionLog{DB: database}
		transport = &chat.RecordingTransport{Transport: twitchClient, Store: store}
		eventOpts = append(eventOpts, event.WithHistory(store), event.WithRecorder(sessionLog))
		recorder = store
		sessions = sessionLog
		checks = append(checks,
			server.Check{Name: "database", Fn: database.PingContext},
			server.Check{Name: "schema", Fn: db.SchemaCheck(database)},
		)
	} else {
		slog.Info("DB_DSN not set: chat log and session history disabled")
	}

	events := event.New(event.Config{
		Channel:         cfg.TwitchChannel,
		BotLogin:        cfg.TwitchBotUsername,
		SessionTTL:      cfg.Event.SessionTTL,
		GraceWindow:     cfg.Event.GraceWindow,
		Cooldown:        cfg.Event.Cooldown,
		RevealDelay:     cfg.Event.RevealDelay,
		FinaleStepDelay: cfg.Event.FinaleStepDelay,
		Threshold:       cfg.Event.Threshold,
		ManualPhrase:    cfg.Event.ManualPhrase,
	}, transport, eventOpts...)
	defer events.Close()

	var search bot.Searcher
	if cfg.SerpAPIKey != "" {
		search = &reply.SerpAPI{APIKey: cfg.SerpAPIKey}
	} else {
		slog.Info("SERPAPI_KEY not set: search replies disabled")
	}
	responder, err := newResponder(ctx, cfg)
	if err != nil {
		return err
	}

	dispatcher := bot.New(bot.Config{
		Channel:    cfg.TwitchChannel,
		BotLogin:   cfg.TwitchBotUsername,
		ChunkRunes: cfg.ReplyChunkRunes,
	}, events, transport, search, responder, recorder)

	g, gctx := errgroup.WithContext(ctx)

	// Messages are handled in order off the IRC read loop.
	inbox := make(chan chat.Message, inboxSize)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-inbox:
				dispatcher.Handle(gctx, msg)
			}
		}
	})
	g.Go(func() error {
		return twitchClient.Run(gctx, func(_ context.Context, msg chat.Message) {
			select {
			case inbox <- msg:
			default:
				slog.Warn("inbox full; message dropped", slog.String("user", msg.UserName), slog.String("component", "bot"))
			}
		})
	})
	if cfg.Event.Threshold > 0 {
		monitor := &event.Monitor{Presence: twitchClient, Events: events, Channel: cfg.TwitchChannel, Interval: cfg.Event.PollInterval}
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	} else {
		slog.Info("automatic event start disabled (EVENT_THRESHOLD <= 0)")
	}
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.Options{
			Channel:  cfg.TwitchChannel,
			Events:   events,
			Sessions: sessions,
			Checks:   checks,
			Auth:     server.AuthConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
			RateLimit: server.RateLimitConfig{
				Enabled:       cfg.RateLimitEnabled,
				RequestsPerIP: cfg.RateLimitRequestsPerIP,
				Window:        cfg.RateLimitWindow,
			},
		})
	})

	err = g.Wait()
	slog.Info("shutting down")

	// Leave no event messages behind.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelCleanup()
	events.Finalize(cleanupCtx, true)
	events.Close()
	dispatcher.Wait()
	return err
}

// newResponder builds the generated-reply chain, or nil without an API key.
func newResponder(ctx context.Context, cfg *config.Config) (reply.Responder, error) {
	if cfg.GoogleAPIKey == "" {
		slog.Info("GOOGLE_API_KEY not set: generated replies disabled")
		return nil, nil
	}
	primary, err := reply.NewGemini(ctx, cfg.GoogleAPIKey, cfg.GeminiModel, reply.Persona)
	if err != nil {
		return nil, err
	}
	if cfg.GeminiFallbackModel == "" || cfg.GeminiFallbackModel == cfg.GeminiModel {
		return primary, nil
	}
	secondary, err := reply.NewGemini(ctx, cfg.GoogleAPIKey, cfg.GeminiFallbackModel, reply.Persona)
	if err != nil {
		return nil, err
	}
	return reply.Fallback{Primary: primary, Secondary: secondary}, nil
}
