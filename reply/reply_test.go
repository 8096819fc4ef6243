package reply

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func TestIsSearchRequest(t *testing.T) {
	tests := map[string]bool{
		"明日の天気を調べて":      true,
		"ググってみて":         true,
		"格ゲーの大会 検索":      true,
		"こんにちは":          false,
		"search for cats": false,
	}
	for text, want := range tests {
		if got := IsSearchRequest(text); got != want {
			t.Errorf("IsSearchRequest(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestSerpAPISearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "なでこ 検索" || q.Get("api_key") != "key" || q.Get("num") != "3" || q.Get("engine") != "google" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic_results": []map[string]string{
				{"title": "A", "link": "https://a.example", "snippet": "first"},
				{"title": "B", "link": "https://b.example"},
				{"title": "C", "link": "https://c.example", "snippet": "third"},
				{"title": "D", "link": "https://d.example", "snippet": "dropped"},
			},
		})
	}))
	defer server.Close()

	s := &SerpAPI{APIKey: "key", BaseURL: server.URL}
	results, err := s.Search(context.Background(), "なでこ 検索")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	want := "1. A (https://a.example)\nfirst\n\n2. B (https://b.example)\n\n3. C (https://c.example)\nthird"
	if got := FormatResults(results); got != want {
		t.Errorf("FormatResults() = %q, want %q", got, want)
	}
}

func TestSerpAPISearchErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
		wantN   int
	}{
		{name: "http error", status: http.StatusUnauthorized, body: `{"error":"Invalid API key"}`, wantErr: true},
		{name: "api error", status: http.StatusOK, body: `{"error":"account out of searches"}`, wantErr: true},
		{name: "no results", status: http.StatusOK, body: `{"error":"Google hasn't returned any results for this query."}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			results, err := (&SerpAPI{APIKey: "key", BaseURL: server.URL}).Search(context.Background(), "q")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Search() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(results) != tt.wantN {
				t.Fatalf("Search() returned %d results", len(results))
			}
		})
	}

	if _, err := (&SerpAPI{}).Search(context.Background(), "q"); err == nil {
		t.Error("Search() without key should fail")
	}
	if got := FormatResults(nil); got != NoResults {
		t.Errorf("FormatResults(nil) = %q", got)
	}
}

func TestSplit(t *testing.T) {
	long := strings.Repeat("あ", 1200)
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "short", text: "hello", limit: 500, want: []string{"hello"}},
		{name: "paragraphs", text: "one\ntwo\n\nthree", limit: 500, want: []string{"one two", "three"}},
		{name: "empty", text: "  \n\n ", limit: 500, want: nil},
		{
			name:  "runes not bytes",
			text:  long,
			limit: 500,
			want:  []string{strings.Repeat("あ", 500), strings.Repeat("あ", 500), strings.Repeat("あ", 200)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.limit)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Split() mismatch (-want +got):\n%s", diff)
			}
			for _, c := range got {
				if utf8.RuneCountInString(c) > tt.limit {
					t.Errorf("chunk of %d runes exceeds %d", utf8.RuneCountInString(c), tt.limit)
				}
			}
		})
	}
}

type stubResponder struct {
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubResponder) Respond(context.Context, string) (string, error) {
	s.calls.Add(1)
	return s.text, s.err
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name          string
		primary       *stubResponder
		secondary     *stubResponder
		want          string
		wantErr       bool
		wantSecondary int32
	}{
		{name: "primary ok", primary: &stubResponder{text: "a"}, secondary: &stubResponder{text: "b"}, want: "a"},
		{name: "primary error", primary: &stubResponder{err: errors.New("quota")}, secondary: &stubResponder{text: "b"}, want: "b", wantSecondary: 1},
		{name: "primary empty", primary: &stubResponder{err: ErrEmptyResponse}, secondary: &stubResponder{text: "b"}, want: "b", wantSecondary: 1},
		{name: "both fail", primary: &stubResponder{err: errors.New("x")}, secondary: &stubResponder{err: errors.New("y")}, wantErr: true, wantSecondary: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Fallback{Primary: tt.primary, Secondary: tt.secondary}.Respond(context.Background(), "hi")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Respond() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Respond() = %q, want %q", got, tt.want)
			}
			if n := tt.secondary.calls.Load(); n != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", n, tt.wantSecondary)
			}
		})
	}
}

func TestGeminiRespond(t *testing.T) {
	var requests atomic.Int32
	var lastContents atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Contents          []json.RawMessage `json:"contents"`
			SystemInstruction json.RawMessage   `json:"systemInstruction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.SystemInstruction) == 0 {
			t.Error("system instruction missing")
		}
		lastContents.Store(int32(len(body.Contents)))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": "こんにちは、だよ"}}},
			}},
		})
	}))
	defer server.Close()

	g, err := NewGemini(context.Background(), "key", "test-model", Persona, WithBaseURL(server.URL+"/"), WithMaxTurns(1))
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	for i := range 3 {
		got, err := g.Respond(context.Background(), "やあ")
		if err != nil {
			t.Fatalf("Respond() #%d error = %v", i, err)
		}
		if got != "こんにちは、だよ" {
			t.Fatalf("Respond() = %q", got)
		}
	}
	if requests.Load() != 3 {
		t.Fatalf("requests = %d, want 3", requests.Load())
	}
	// One remembered exchange plus the new prompt.
	if got := lastContents.Load(); got != 3 {
		t.Fatalf("contents sent = %d, want 3", got)
	}
}

func TestNewGeminiValidation(t *testing.T) {
	if _, err := NewGemini(context.Background(), "", "m", ""); err == nil {
		t.Error("missing api key accepted")
	}
	if _, err := NewGemini(context.Background(), "k", "", ""); err == nil {
		t.Error("missing model accepted")
	}
}
