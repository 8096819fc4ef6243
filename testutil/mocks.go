package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and token responses.
// Point clients at it with Client().
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	deleted []string
	sent    []string
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.Method+" "+r.URL.Path]; ok {
			handler(w, r)
			return
		}
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an http.Client that sends every request to the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: m.URL}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUsers maps logins to ids on /helix/users.
func (m *MockTwitchServer) MockUsers(ids map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		login := r.URL.Query().Get("login")
		data := []map[string]string{}
		if id, ok := ids[login]; ok {
			data = append(data, map[string]string{"id": id, "login": login})
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": streams})
	}
}

// MockChatters answers /helix/chat/chatters with total, or with status when it is not 200.
func (m *MockTwitchServer) MockChatters(total, status int) {
	m.Handlers["/helix/chat/chatters"] = func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, map[string]any{"data": []any{}, "total": total})
	}
}

// MockChatWrites accepts sends on /helix/chat/messages and deletes on
// /helix/moderation/chat, recording both.
func (m *MockTwitchServer) MockChatWrites() {
	m.Handlers["POST /helix/chat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.sent = append(m.sent, body["message"])
		id := fmt.Sprintf("msg-%d", len(m.sent))
		m.mu.Unlock()
		writeJSON(w, map[string]any{"data": []map[string]any{{"message_id": id, "is_sent": true}}})
	}
	m.Handlers["DELETE /helix/moderation/chat"] = func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.deleted = append(m.deleted, r.URL.Query().Get("message_id"))
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

// SentTexts returns the messages posted to /helix/chat/messages.
func (m *MockTwitchServer) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// DeletedIDs returns the message ids deleted through /helix/moderation/chat.
func (m *MockTwitchServer) DeletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}
