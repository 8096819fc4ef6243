// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// user id resolution, stream status, chatter counts, and sending/deleting chat
// messages on behalf of the bot account.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const helixBase = "https://api.twitch.tv/helix"

// APIError is returned for non-2xx Helix responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is a Helix APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// HelixClient calls Helix with an app token (public reads) or the bot's user
// token (chat writes, moderation, chatters).
type HelixClient struct {
	AppTokenSource  *TokenSource
	UserTokenSource oauth2.TokenSource
	ClientID        string
	HTTPClient      *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// appToken returns a fresh-or-cached app token.
func (hc *HelixClient) appToken(ctx context.Context) (string, error) {
	if hc.AppTokenSource == nil {
		return "", errors.New("helix: no app token source")
	}
	return hc.AppTokenSource.Get(ctx)
}

func (hc *HelixClient) userToken() (string, error) {
	if hc.UserTokenSource == nil {
		return "", errors.New("helix: no user token source")
	}
	tok, err := hc.UserTokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("helix: user token: %w", err)
	}
	return tok.AccessToken, nil
}

// do performs one request and decodes a JSON body into out (when non-nil).
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, token string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := helixBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getWithApp runs an app-token GET, refreshing the token once on 401.
func (hc *HelixClient) getWithApp(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := hc.appToken(ctx)
	if err != nil {
		return err
	}
	err = hc.do(ctx, http.MethodGet, path, q, tok, nil, out)
	if !IsStatus(err, http.StatusUnauthorized) {
		return err
	}
	hc.AppTokenSource.Invalidate()
	if tok, err = hc.appToken(ctx); err != nil {
		return err
	}
	return hc.do(ctx, http.MethodGet, path, q, tok, nil, out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.getWithApp(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// Stream is a live stream as returned by /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserLogin   string    `json:"user_login"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStreams returns the live streams of a login; empty when offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.getWithApp(ctx, "/streams", url.Values{"user_login": {login}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetChattersTotal returns the number of users connected to the broadcaster's chat.
// The user token must belong to a moderator of the channel.
func (hc *HelixClient) GetChattersTotal(ctx context.Context, broadcasterID, moderatorID string) (int, error) {
	tok, err := hc.userToken()
	if err != nil {
		return 0, err
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "first": {"1"}}
	var body struct {
		Total int `json:"total"`
	}
	if err := hc.do(ctx, http.MethodGet, "/chat/chatters", q, tok, nil, &body); err != nil {
		return 0, err
	}
	return body.Total, nil
}

// SendChatMessage posts text to the broadcaster's chat as senderID and returns the message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, text string) (string, error) {
	tok, err := hc.userToken()
	if err != nil {
		return "", err
	}
	req := map[string]string{"broadcaster_id": broadcasterID, "sender_id": senderID, "message": text}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", nil, tok, req, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", errors.New("helix: empty send response")
	}
	d := body.Data[0]
	if !d.IsSent {
		reason := "unknown"
		if d.DropReason != nil {
			reason = d.DropReason.Code + ": " + d.DropReason.Message
		}
		return "", fmt.Errorf("helix: message dropped: %s", reason)
	}
	return d.MessageID, nil
}

// DeleteChatMessage removes a single message from the broadcaster's chat.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id empty")
	}
	tok, err := hc.userToken()
	if err != nil {
		return err
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "message_id": {messageID}}
	return hc.do(ctx, http.MethodDelete, "/moderation/chat", q, tok, nil, nil)
}
