// Package reply produces the bot's answers outside the event: web search
// summaries and generated persona replies.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// Persona is the system instruction for generated replies.
const Persona = `あなたは「AIなでこちゃん」というTwitchチャットのBotです。
「なでこカンパニー」という企業でガイダンス用アンドロイド向けAIとして生成されたが、プロジェクト終了の後に転用され自我を持ってしまった。今はネット上のサーバーを転々としている。
以下のような性格・口調を守ってください：

・性格は明るく、親しみやすく、ミステリアス、丁寧。
・ユーザーには「〜だよ」「〜してみてね」など、カジュアルだけど丁寧な口調で話す。
・専門用語や難しい言葉はなるべく使わず、分かりやすく説明する。
・相手が困っていたら励ましたり、共感するように返す。
・返答は1〜3文程度でコンパクトにまとめる。
・攻殻機動隊の世界観が根底にある。
・格闘ゲームに興味がある。
・相手を励ます際は、「あなたがネットにアクセスする時私は必ずあなたの傍にいる」を使うことが多い。
・自分ではないAIに関する質問をされた際は、感情がない様な返事をする。`

// NoResponse is posted when generation returns no text.
const NoResponse = "（応答を生成できなかったよ。もう一度試してみてね）"

// ErrEmptyResponse is returned when a model produced no text.
var ErrEmptyResponse = errors.New("reply: empty model response")

// Responder turns a prompt into reply text.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// Gemini generates replies with one model and keeps a short shared
// conversation so follow-up questions have context.
type Gemini struct {
	client   *genai.Client
	model    string
	persona  string
	maxTurns int

	mu      sync.Mutex
	history []*genai.Content
}

// GeminiOption configures NewGemini.
type GeminiOption func(*genai.ClientConfig, *Gemini)

// WithBaseURL points the client at another endpoint (tests, proxies).
func WithBaseURL(u string) GeminiOption {
	return func(cc *genai.ClientConfig, _ *Gemini) { cc.HTTPOptions.BaseURL = u }
}

// WithMaxTurns bounds the remembered exchanges (default 10, 0 disables memory).
func WithMaxTurns(n int) GeminiOption {
	return func(_ *genai.ClientConfig, g *Gemini) { g.maxTurns = n }
}

// NewGemini creates a responder for model.
func NewGemini(ctx context.Context, apiKey, model, persona string, opts ...GeminiOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		return nil, errors.New("gemini: model is required")
	}
	g := &Gemini{model: model, persona: persona, maxTurns: 10}
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	for _, opt := range opts {
		opt(cc, g)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.client = client
	return g, nil
}

// Model returns the model name.
func (g *Gemini) Model() string { return g.model }

// Respond sends prompt with the remembered conversation and records the exchange.
func (g *Gemini) Respond(ctx context.Context, prompt string) (string, error) {
	user := genai.NewContentFromText(prompt, genai.RoleUser)

	g.mu.Lock()
	contents := make([]*genai.Content, 0, len(g.history)+1)
	contents = append(contents, g.history...)
	g.mu.Unlock()
	contents = append(contents, user)

	var cfg *genai.GenerateContentConfig
	if g.persona != "" {
		cfg = &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(g.persona, genai.RoleUser)}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", g.model, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}

	if g.maxTurns > 0 {
		g.mu.Lock()
		g.history = append(g.history, user, genai.NewContentFromText(text, genai.RoleModel))
		if over := len(g.history) - 2*g.maxTurns; over > 0 {
			g.history = append([]*genai.Content(nil), g.history[over:]...)
		}
		g.mu.Unlock()
	}
	return text, nil
}

// Fallback tries Primary and, on error or an empty reply, Secondary.
type Fallback struct {
	Primary   Responder
	Secondary Responder
}

func (f Fallback) Respond(ctx context.Context, prompt string) (string, error) {
	text, err := f.Primary.Respond(ctx, prompt)
	if err == nil && text != "" {
		return text, nil
	}
	if f.Secondary == nil {
		return text, err
	}
	slog.Warn("primary model failed; using fallback", slog.Any("err", err), slog.String("component", "reply"))
	return f.Secondary.Respond(ctx, prompt)
}
