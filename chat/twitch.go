package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/oauth2"

	"github.com/onnwee/nadeko-bot/twitchapi"
)

// TwitchClient receives chat over IRC and writes through Helix.
type TwitchClient struct {
	Channel     string
	BotLogin    string
	IgnoreUsers []string
	Helix       *twitchapi.HelixClient
	UserToken   oauth2.TokenSource

	broadcasterID string
	botID         string
	connected     atomic.Bool
}

// Resolve looks up the broadcaster and bot user ids needed by Helix chat calls.
func (c *TwitchClient) Resolve(ctx context.Context) error {
	var err error
	if c.broadcasterID, err = c.Helix.GetUserID(ctx, c.Channel); err != nil {
		return fmt.Errorf("resolve broadcaster %q: %w", c.Channel, err)
	}
	if c.botID, err = c.Helix.GetUserID(ctx, c.BotLogin); err != nil {
		return fmt.Errorf("resolve bot %q: %w", c.BotLogin, err)
	}
	return nil
}

// Connected reports whether the IRC connection is up.
func (c *TwitchClient) Connected() bool { return c.connected.Load() }

// Run joins the channel and calls handle for every chat message until ctx is done.
// handle runs on the IRC read loop; slow work must be moved off it. Lost
// connections are retried with backoff, each login using a freshly read token.
func (c *TwitchClient) Run(ctx context.Context, handle func(context.Context, Message)) error {
	if _, err := twitchapi.IRCPassword(c.UserToken); err != nil {
		return fmt.Errorf("irc password: %w", err)
	}
	client := twitch.NewClient(c.BotLogin, "")
	client.OnConnect(func() {
		if ctx.Err() != nil {
			_ = client.Disconnect()
			return
		}
		c.connected.Store(true)
		slog.Info("twitch chat connected", slog.String("channel", c.Channel), slog.String("component", "chat"))
		// Sets the token for the library's own reconnects.
		c.refreshIRCToken(client)
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		slog.Info("twitch chat reconnect requested", slog.String("component", "chat"))
		c.refreshIRCToken(client)
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		handle(ctx, c.convert(msg))
	})

	stop, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-stop.Done()
		if err := client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			slog.Debug("twitch chat disconnect", slog.Any("err", err))
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	client.Join(c.Channel)
	attempt := 0
	for {
		c.refreshIRCToken(client)
		err := client.Connect()
		if c.connected.Swap(false) {
			attempt = 0
		}
		if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
			return nil
		}
		backoff := reconnectDelay(attempt)
		attempt++
		slog.Warn("twitch chat disconnected; reconnecting", slog.Any("err", err),
			slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.String("component", "chat"))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// ircTokenSetter is the part of the IRC client that takes the login token.
type ircTokenSetter interface {
	SetIRCToken(token string)
}

// refreshIRCToken hands the current user token to the IRC client. The token
// source refreshes an expired token; on failure the previous one is kept.
func (c *TwitchClient) refreshIRCToken(client ircTokenSetter) {
	pass, err := twitchapi.IRCPassword(c.UserToken)
	if err != nil {
		slog.Warn("irc token refresh failed", slog.Any("err", err), slog.String("component", "chat"))
		return
	}
	client.SetIRCToken(pass)
}

// reconnectDelay is an exponential backoff from 2s capped at 2m, plus up to
// 1s of jitter.
func reconnectDelay(attempt int) time.Duration {
	const (
		base    = 2 * time.Second
		ceiling = 2 * time.Minute
	)
	d := ceiling
	if attempt < 6 {
		d = min(base*time.Duration(1<<attempt), ceiling)
	}
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

func (c *TwitchClient) convert(msg twitch.PrivateMessage) Message {
	at := msg.Time.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Message{
		ID:          msg.ID,
		Channel:     msg.Channel,
		UserID:      msg.User.ID,
		UserName:    msg.User.Name,
		Text:        msg.Message,
		At:          at,
		Bot:         IsBotUser(msg.User.Name, c.BotLogin, c.IgnoreUsers),
		MentionsBot: Mentions(msg.Message, c.BotLogin),
	}
}

// Send posts text through Helix so the returned Ref carries the message id.
func (c *TwitchClient) Send(ctx context.Context, channel, text string) (Ref, error) {
	id, err := c.Helix.SendChatMessage(ctx, c.broadcasterID, c.botID, text)
	if err != nil {
		return Ref{}, err
	}
	return Ref{ID: id, Channel: channel, At: time.Now().UTC(), Self: true}, nil
}

// Edit is not available on Twitch.
func (c *TwitchClient) Edit(context.Context, Ref, string) error { return ErrEditUnsupported }

// Delete removes a message; the bot account must moderate the channel.
func (c *TwitchClient) Delete(ctx context.Context, ref Ref) error {
	return c.Helix.DeleteChatMessage(ctx, c.broadcasterID, c.botID, ref.ID)
}

// ActiveCount returns the chatter total, falling back to the stream's viewer
// count when the bot lacks the moderator:read:chatters scope.
func (c *TwitchClient) ActiveCount(ctx context.Context, channel string) (int, error) {
	n, err := c.Helix.GetChattersTotal(ctx, c.broadcasterID, c.botID)
	if err == nil {
		return n, nil
	}
	if !twitchapi.IsStatus(err, http.StatusUnauthorized) && !twitchapi.IsStatus(err, http.StatusForbidden) {
		return 0, err
	}
	slog.Debug("chatters unavailable; using viewer count", slog.Any("err", err))
	streams, err := c.Helix.GetStreams(ctx, channel)
	if err != nil {
		return 0, err
	}
	if len(streams) == 0 {
		return 0, nil
	}
	return streams[0].ViewerCount, nil
}
