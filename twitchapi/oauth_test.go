package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"
)

func TestUserTokenSourceStatic(t *testing.T) {
	ts := UserTokenSource(context.Background(), "cid", "secret", "oauth:abc", "")
	pass, err := IRCPassword(ts)
	if err != nil {
		t.Fatalf("IRCPassword() error = %v", err)
	}
	if pass != "oauth:abc" {
		t.Errorf("IRCPassword() = %q, want oauth:abc", pass)
	}
}

func TestUserTokenSourceRefreshes(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.URL.Path != "/oauth2/token" || r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "r1" {
			t.Errorf("unexpected token request %s %v", r.URL.Path, r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "r2",
			"expires_in":    14400,
			"token_type":    "bearer",
		})
	}))
	defer server.Close()

	client := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
	ts := UserTokenSource(ctx, "cid", "secret", "stale", "r1")

	for range 2 {
		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok.AccessToken != "fresh" {
			t.Fatalf("AccessToken = %q, want fresh", tok.AccessToken)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}
