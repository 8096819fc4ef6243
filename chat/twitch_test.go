package chat_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"

	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/event"
	"github.com/onnwee/nadeko-bot/testutil"
	"github.com/onnwee/nadeko-bot/twitchapi"
)

func newTwitchClient(t *testing.T, m *testutil.MockTwitchServer) *chat.TwitchClient {
	t.Helper()
	m.MockOAuthTokenResponse("app-token", 3600)
	m.MockUsers(map[string]string{"streamer": "100", "nadeko_bot": "200"})
	user := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "user-token"})
	c := &chat.TwitchClient{
		Channel:  "streamer",
		BotLogin: "nadeko_bot",
		Helix: &twitchapi.HelixClient{
			AppTokenSource:  &twitchapi.TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: m.Client()},
			UserTokenSource: user,
			ClientID:        "cid",
			HTTPClient:      m.Client(),
		},
		UserToken: user,
	}
	if err := c.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return c
}

func TestTwitchClientResolveUnknownUser(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.MockUsers(map[string]string{"streamer": "100"})
	c := &chat.TwitchClient{
		Channel:  "streamer",
		BotLogin: "nadeko_bot",
		Helix: &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: m.Client()},
			ClientID:       "cid",
			HTTPClient:     m.Client(),
		},
	}
	if err := c.Resolve(context.Background()); err == nil {
		t.Fatal("Resolve() with unknown bot login should fail")
	}
}

func TestTwitchClientSendDelete(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockChatWrites()
	c := newTwitchClient(t, m)
	ctx := context.Background()

	ref, err := c.Send(ctx, "streamer", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ref.ID != "msg-1" || !ref.Self || ref.Channel != "streamer" {
		t.Errorf("Send() ref = %+v", ref)
	}
	if err := c.Edit(ctx, ref, "x"); !errors.Is(err, chat.ErrEditUnsupported) {
		t.Errorf("Edit() error = %v, want ErrEditUnsupported", err)
	}
	if err := c.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if diff := cmp.Diff([]string{"msg-1"}, m.DeletedIDs()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

func TestTwitchClientActiveCount(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		streams []map[string]any
		want    int
		wantErr bool
	}{
		{name: "chatters", status: http.StatusOK, want: 42},
		{name: "fallback to viewers", status: http.StatusForbidden, streams: []map[string]any{{"id": "1", "user_login": "streamer", "viewer_count": 17}}, want: 17},
		{name: "fallback offline", status: http.StatusUnauthorized, want: 0},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockTwitchServer(t)
			m.MockChatters(42, tt.status)
			m.MockStreamsResponse(tt.streams)
			c := newTwitchClient(t, m)

			got, err := c.ActiveCount(context.Background(), "streamer")
			if (err != nil) != tt.wantErr {
				t.Fatalf("ActiveCount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ActiveCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

// A forced teardown over the real client removes what the event posted.
func TestTwitchClientEventTeardown(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockChatWrites()
	c := newTwitchClient(t, m)

	o := event.New(event.Config{Channel: "streamer", BotLogin: "nadeko_bot", SessionTTL: time.Hour}, c)
	defer o.Close()
	ctx := context.Background()
	if err := o.Start(ctx, event.ReasonAdmin); err != nil {
		t.Fatal(err)
	}
	o.HandleInput(ctx, chat.Message{ID: "viewer-1", Channel: "streamer", UserName: "viewer", Text: "@nadeko_bot hi", At: time.Now(), MentionsBot: true})
	if !o.Finalize(ctx, true) {
		t.Fatal("Finalize() = false")
	}

	lines := event.DefaultScript().Lines()
	if diff := cmp.Diff([]string{lines.Opening, lines.Greeting, lines.NameRequest}, m.SentTexts()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	want := []string{"msg-1", "msg-2", "msg-3", "viewer-1"}
	if diff := cmp.Diff(want, m.DeletedIDs()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}
