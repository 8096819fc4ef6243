package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrEditUnsupported is returned by transports that cannot edit a sent message in place.
var ErrEditUnsupported = errors.New("chat: edit not supported by transport")

// Ref identifies a message on the platform. Self marks messages the bot sent.
type Ref struct {
	ID          string
	Channel     string
	At          time.Time
	Self        bool
	MentionsBot bool
}

// Message is an inbound chat message.
type Message struct {
	ID          string
	Channel     string
	UserID      string
	UserName    string
	Text        string
	At          time.Time
	Bot         bool
	MentionsBot bool
}

// Ref returns the reference used to track or delete the message.
func (m Message) Ref() Ref {
	return Ref{ID: m.ID, Channel: m.Channel, At: m.At, MentionsBot: m.MentionsBot}
}

// Transport sends and mutates chat messages.
type Transport interface {
	Send(ctx context.Context, channel, text string) (Ref, error)
	Edit(ctx context.Context, ref Ref, text string) error
	Delete(ctx context.Context, ref Ref) error
}

// History lists recorded messages of a channel within [since, until].
type History interface {
	Between(ctx context.Context, channel string, since, until time.Time) ([]Ref, error)
}

// Presence reports how many participants are currently active in a channel.
type Presence interface {
	ActiveCount(ctx context.Context, channel string) (int, error)
}

// Mentions reports whether text addresses the bot with an @login mention.
func Mentions(text, botLogin string) bool {
	return indexMention(text, botLogin) >= 0
}

// StripMention removes every @login mention of the bot and trims the rest.
func StripMention(text, botLogin string) string {
	var b strings.Builder
	rest := text
	for {
		i := indexMention(rest, botLogin)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		rest = rest[i+len(botLogin)+1:]
	}
	return strings.TrimSpace(b.String())
}

// indexMention returns the byte offset of the first case-insensitive "@login"
// in text that is not followed by another login character, or -1.
func indexMention(text, botLogin string) int {
	if botLogin == "" {
		return -1
	}
	needle := "@" + botLogin
	for i := 0; i+len(needle) <= len(text); i++ {
		end := i + len(needle)
		if text[i] == '@' && strings.EqualFold(text[i:end], needle) && (end == len(text) || !isLoginByte(text[end])) {
			return i
		}
	}
	return -1
}

// isLoginByte reports whether c may appear in a Twitch login.
func isLoginByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// IsBotUser reports whether login is the bot itself or one of the ignored accounts.
func IsBotUser(login, botLogin string, ignored []string) bool {
	login = strings.ToLower(login)
	if login == "" {
		return false
	}
	if login == strings.ToLower(botLogin) {
		return true
	}
	return slices.ContainsFunc(ignored, func(s string) bool { return strings.ToLower(s) == login })
}
