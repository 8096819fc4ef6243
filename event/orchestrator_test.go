package event_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onnwee/nadeko-bot/chat"
	"github.com/onnwee/nadeko-bot/event"
	"github.com/onnwee/nadeko-bot/testutil"
)

const (
	testChannel = "chan"
	testBot     = "nadeko_bot"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func baseConfig() event.Config {
	return event.Config{
		Channel:         testChannel,
		BotLogin:        testBot,
		SessionTTL:      time.Hour,
		GraceWindow:     5 * time.Minute,
		Cooldown:        time.Hour,
		RevealDelay:     time.Hour,
		FinaleStepDelay: time.Hour,
		Threshold:       3,
		ManualPhrase:    "なでこ、観測を始めて",
	}
}

var msgSeq atomic.Int64

func mention(text string) chat.Message {
	full := "@" + testBot + " " + text
	return chat.Message{
		ID:          fmt.Sprintf("u%d", msgSeq.Add(1)),
		Channel:     testChannel,
		UserName:    "viewer",
		Text:        full,
		At:          time.Now(),
		MentionsBot: chat.Mentions(full, testBot),
	}
}

// said is a message that does not mention the bot.
func said(text string) chat.Message {
	return chat.Message{
		ID:       fmt.Sprintf("u%d", msgSeq.Add(1)),
		Channel:  testChannel,
		UserName: "viewer",
		Text:     text,
		At:       time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonAdmin); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Start(ctx, event.ReasonManual); !errors.Is(err, event.ErrAlreadyRunning) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	lines := event.DefaultScript().Lines()
	if diff := cmp.Diff([]string{lines.Opening}, tr.Texts()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	st := o.Status()
	if !st.Active || st.Stage != "awaiting_contact" || st.Reason != "admin" || st.Generation != 1 {
		t.Errorf("Status() = %+v", st)
	}
	if diff := cmp.Diff([]string{"watchdog@1"}, st.PendingTimers); diff != "" {
		t.Errorf("pending timers mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleInputFiltering(t *testing.T) {
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()
	lines := event.DefaultScript().Lines()

	// Idle: nothing happens.
	o.HandleInput(ctx, mention("hi"))
	if len(tr.Texts()) != 0 {
		t.Fatalf("idle input produced output: %q", tr.Texts())
	}

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}

	plain := mention("hi")
	plain.Text, plain.MentionsBot = "hi", false
	o.HandleInput(ctx, plain)

	bot := mention("hi")
	bot.Bot = true
	o.HandleInput(ctx, bot)

	if st := o.Status(); st.Stage != "awaiting_contact" || st.Inputs != 0 {
		t.Fatalf("ignored inputs changed the session: %+v", st)
	}

	o.HandleInput(ctx, mention("   "))
	want := []string{lines.Opening, lines.EmptyPrompt}
	if diff := cmp.Diff(want, tr.Texts()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if st := o.Status(); st.Stage != "awaiting_contact" || st.Inputs != 1 {
		t.Fatalf("empty mention: %+v", st)
	}
}

func TestOnQualifyingMessage(t *testing.T) {
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()

	if o.OnQualifyingMessage(ctx, mention("hi")) {
		t.Fatal("OnQualifyingMessage() = true while idle")
	}
	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	plain := chat.Message{ID: "p1", Channel: testChannel, UserName: "viewer", Text: "lol"}
	if !o.OnQualifyingMessage(ctx, plain) {
		t.Fatal("OnQualifyingMessage() = false for a plain message during the event")
	}
	if !o.OnQualifyingMessage(ctx, mention("hello")) {
		t.Fatal("OnQualifyingMessage() = false for a mention during the event")
	}
	if got := o.Status().Stage; got != "awaiting_name" {
		t.Fatalf("stage = %s, want awaiting_name", got)
	}
}

func TestTryManualStart(t *testing.T) {
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()
	lines := event.DefaultScript().Lines()

	if o.TryManualStart(ctx, said("なでこ、観測を始めてね")) {
		t.Fatal("phrase with a suffix must not match")
	}
	if !o.TryManualStart(ctx, said("  なでこ、観測を始めて ")) {
		t.Fatal("trimmed phrase did not match")
	}
	if !o.IsEventActive() {
		t.Fatal("manual phrase did not start the event")
	}
	if !o.TryManualStart(ctx, said("なでこ、観測を始めて")) {
		t.Fatal("phrase during the event must still be consumed")
	}
	if got := o.Status().Inputs; got != 0 {
		t.Fatalf("unaddressed phrase tracked as input: %d", got)
	}
	if !o.TryManualStart(ctx, mention("なでこ、観測を始めて")) {
		t.Fatal("addressed phrase during the event must still be consumed")
	}
	want := []string{lines.Opening, lines.AlreadyRunning, lines.AlreadyRunning}
	if diff := cmp.Diff(want, tr.Texts()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if st := o.Status(); st.Generation != 1 || st.Reason != "manual" || st.Inputs != 1 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestEndToEndSolved(t *testing.T) {
	cfg := baseConfig()
	cfg.RevealDelay = 20 * time.Millisecond
	cfg.FinaleStepDelay = 10 * time.Millisecond
	tr := &testutil.FakeTransport{}
	o := event.New(cfg, tr)
	defer o.Close()
	ctx := context.Background()
	script := event.DefaultScript()
	lines := script.Lines()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	inputs := []chat.Message{mention("だれかいる？"), mention("なでこ")}
	o.HandleInput(ctx, inputs[0])
	o.HandleInput(ctx, inputs[1])
	tr.WaitForSends(t, 6, 2*time.Second) // reveal

	inputs = append(inputs, mention("暗号って何？"), mention("observation!"))
	o.HandleInput(ctx, inputs[2])
	o.HandleInput(ctx, inputs[3])

	waitFor(t, "teardown", func() bool { return !o.IsEventActive() })
	o.Wait()

	topic, _ := script.MatchTopic("暗号")
	want := []string{
		lines.Opening,
		lines.Greeting, lines.NameRequest,
		fmt.Sprintf(lines.AckFormat, "なでこ"), lines.Setup,
		lines.Reveal,
		topic.Line,
		lines.Success,
	}
	want = append(want, lines.Finale...)
	if diff := cmp.Diff(want, tr.Texts()); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}

	var outputs []string
	for _, s := range tr.Sent() {
		outputs = append(outputs, s.Ref.ID)
	}
	edits := tr.Edits()
	for _, id := range outputs {
		if edits[id] != lines.Closing {
			t.Errorf("output %s edited to %q, want closing line", id, edits[id])
		}
	}

	wantDeleted := append([]string(nil), outputs...)
	for _, in := range inputs {
		wantDeleted = append(wantDeleted, in.ID)
	}
	if diff := cmp.Diff(wantDeleted, tr.Deleted()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}

	st := o.Status()
	if st.Active || st.Stage != "idle" || st.Outputs != 0 || st.Inputs != 0 || len(st.PendingTimers) != 0 {
		t.Errorf("session not reset: %+v", st)
	}
	if st.Generation != 2 {
		t.Errorf("generation = %d, want 2", st.Generation)
	}
	if !st.CooldownUntil.After(time.Now()) {
		t.Errorf("cooldown not armed: %v", st.CooldownUntil)
	}
}

func TestFinaleWithoutEdit(t *testing.T) {
	cfg := baseConfig()
	cfg.FinaleStepDelay = 5 * time.Millisecond
	tr := &testutil.FakeTransport{NoEdit: true}
	o := event.New(cfg, tr)
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"hi", "nadeko", "observation"} {
		o.HandleInput(ctx, mention(text))
	}
	waitFor(t, "teardown", func() bool { return !o.IsEventActive() })
	o.Wait()
	if len(tr.Edits()) != 0 {
		t.Fatalf("edits recorded on a transport without edit support: %v", tr.Edits())
	}
	if len(tr.Deleted()) != len(tr.Sent())+3 {
		t.Fatalf("deleted %d, want %d", len(tr.Deleted()), len(tr.Sent())+3)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()

	if o.Finalize(ctx, true) {
		t.Fatal("Finalize() = true while idle")
	}
	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	o.HandleInput(ctx, mention("hi"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.Finalize(ctx, true) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("Finalize() succeeded %d times, want 1", wins.Load())
	}
	st := o.Status()
	if st.Active || len(st.PendingTimers) != 0 || st.Generation != 2 {
		t.Fatalf("Status() after teardown = %+v", st)
	}
	// Opening, greeting, name request and one input, each deleted once.
	if got := len(tr.Deleted()); got != 4 {
		t.Fatalf("deleted %d messages, want 4: %v", got, tr.Deleted())
	}
}

func TestCooldownGatesAutoStartOnly(t *testing.T) {
	clock := newClock()
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr, event.WithClock(clock.Now))
	defer o.Close()
	ctx := context.Background()

	if o.AutoStart(ctx, 2) {
		t.Fatal("AutoStart() below threshold started the event")
	}
	if !o.AutoStart(ctx, 3) {
		t.Fatal("AutoStart() at threshold did not start the event")
	}
	if o.AutoStart(ctx, 50) {
		t.Fatal("AutoStart() started a second session")
	}
	o.Finalize(ctx, true)

	clock.Advance(30 * time.Minute)
	if o.AutoStart(ctx, 50) {
		t.Fatal("AutoStart() ignored the cooldown")
	}
	if !o.TryManualStart(ctx, said("なでこ、観測を始めて")) || !o.IsEventActive() {
		t.Fatal("manual start was blocked by the cooldown")
	}
	o.Finalize(ctx, true)

	clock.Advance(59 * time.Minute)
	if o.AutoStart(ctx, 50) {
		t.Fatal("cooldown was not re-armed by the manual session")
	}
	clock.Advance(time.Minute)
	if !o.AutoStart(ctx, 50) {
		t.Fatal("AutoStart() blocked after the cooldown expired")
	}
	if got := o.Status().Reason; got != "auto" {
		t.Fatalf("reason = %q, want auto", got)
	}
}

func TestStaleRevealDoesNotLeakIntoNextSession(t *testing.T) {
	cfg := baseConfig()
	cfg.RevealDelay = 30 * time.Millisecond
	tr := &testutil.FakeTransport{}
	o := event.New(cfg, tr)
	defer o.Close()
	ctx := context.Background()
	lines := event.DefaultScript().Lines()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	o.HandleInput(ctx, mention("hi"))
	o.HandleInput(ctx, mention("なでこ"))
	o.Finalize(ctx, true)

	before := len(tr.Texts())
	if err := o.Start(ctx, event.ReasonAdmin); err != nil {
		t.Fatal(err)
	}
	time.Sleep(4 * cfg.RevealDelay)

	after := tr.Texts()[before:]
	if diff := cmp.Diff([]string{lines.Opening}, after); diff != "" {
		t.Fatalf("second session output mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchdogQuietThenForcedTeardown(t *testing.T) {
	cfg := baseConfig()
	cfg.SessionTTL = 300 * time.Millisecond
	cfg.GraceWindow = 200 * time.Millisecond
	tr := &testutil.FakeTransport{}
	o := event.New(cfg, tr)
	defer o.Close()
	ctx := context.Background()
	lines := event.DefaultScript().Lines()

	if err := o.Start(ctx, event.ReasonAuto); err != nil {
		t.Fatal(err)
	}
	tr.WaitForSends(t, 2, 2*time.Second)
	if st := o.Status(); !st.Active || !st.Dormant {
		t.Fatalf("after quiet notice: %+v", st)
	}
	waitFor(t, "forced teardown", func() bool { return !o.IsEventActive() })
	o.Wait()

	if diff := cmp.Diff([]string{lines.Opening, lines.Quiet}, tr.Texts()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, tr.Deleted()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if o.Finalize(ctx, true) {
		t.Error("Finalize() after the watchdog tore down again")
	}
}

func TestFinalizeEndsSessionStartedAfterWatchdog(t *testing.T) {
	cfg := baseConfig()
	cfg.SessionTTL = 50 * time.Millisecond
	cfg.GraceWindow = 0
	tr := &testutil.FakeTransport{}
	o := event.New(cfg, tr)
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonAuto); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "watchdog teardown", func() bool { return !o.IsEventActive() })
	o.Wait()
	if !o.TryManualStart(ctx, said("なでこ、観測を始めて")) {
		t.Fatal("manual restart failed")
	}
	if !o.Finalize(ctx, true) {
		t.Fatal("Finalize() = false with a restarted session active")
	}
	if o.IsEventActive() {
		t.Fatal("restarted session still active")
	}
	sent := tr.Sent()
	reopened := sent[len(sent)-1].Ref.ID
	if !slices.Contains(tr.Deleted(), reopened) {
		t.Errorf("deleted %v, want the restarted opening %s", tr.Deleted(), reopened)
	}
}

func TestConcurrentStartAndFinalize(t *testing.T) {
	cfg := baseConfig()
	cfg.SessionTTL = 5 * time.Millisecond
	cfg.GraceWindow = 0
	tr := &testutil.FakeTransport{}
	var recorded summaries
	o := event.New(cfg, tr, event.WithRecorder(&recorded))
	defer o.Close()
	ctx := context.Background()

	var starts, wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if o.Start(ctx, event.ReasonAdmin) == nil {
					starts.Add(1)
				}
				if o.Finalize(ctx, true) {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	o.Finalize(ctx, true)
	o.Wait()

	// Every session ends exactly once, by Finalize or by the watchdog.
	if got := len(recorded.all()); got != int(starts.Load()) {
		t.Fatalf("recorded %d teardowns for %d starts", got, starts.Load())
	}
	if wins.Load() > starts.Load() {
		t.Fatalf("Finalize() won %d times for %d starts", wins.Load(), starts.Load())
	}
}

func TestInputAfterDeadlineIgnored(t *testing.T) {
	clock := newClock()
	tr := &testutil.FakeTransport{}
	o := event.New(baseConfig(), tr, event.WithClock(clock.Now))
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour + time.Second)
	o.HandleInput(ctx, mention("hi"))
	if got := len(tr.Texts()); got != 1 {
		t.Fatalf("sent %d messages, want only the opening", got)
	}
	if st := o.Status(); st.Inputs != 0 || st.Stage != "awaiting_contact" {
		t.Fatalf("late input changed the session: %+v", st)
	}
}

func TestSendFailureDoesNotAbortTurn(t *testing.T) {
	lines := event.DefaultScript().Lines()
	tr := &testutil.FakeTransport{SendErr: func(text string) error {
		if text == lines.Greeting {
			return errors.New("rate limited")
		}
		return nil
	}}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	o.HandleInput(ctx, mention("hi"))
	if diff := cmp.Diff([]string{lines.Opening, lines.NameRequest}, tr.Texts()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if st := o.Status(); st.Stage != "awaiting_name" || st.Outputs != 2 {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestDeleteFailureDoesNotStopCleanup(t *testing.T) {
	tr := &testutil.FakeTransport{DeleteErr: func(id string) error {
		if id == "m1" {
			return errors.New("already gone")
		}
		return nil
	}}
	o := event.New(baseConfig(), tr)
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	in := mention("hi")
	o.HandleInput(ctx, in)
	if !o.Finalize(ctx, true) {
		t.Fatal("Finalize() = false")
	}
	if diff := cmp.Diff([]string{"m2", "m3", in.ID}, tr.Deleted()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}

type summaries struct {
	mu  sync.Mutex
	got []event.Summary
}

func (s *summaries) RecordSession(_ context.Context, sum event.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sum)
	return nil
}

func (s *summaries) all() []event.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.got)
}

func TestHistorySafetyNet(t *testing.T) {
	clock := newClock()
	t0 := clock.Now()
	hist := &testutil.FakeHistory{Refs: []chat.Ref{
		{ID: "h1", Channel: testChannel, At: t0.Add(10 * time.Second), MentionsBot: true},
		{ID: "h2", Channel: testChannel, At: t0.Add(20 * time.Second)},
		{ID: "h3", Channel: testChannel, At: t0.Add(-time.Second), MentionsBot: true},
		{ID: "h4", Channel: testChannel, At: t0.Add(2 * time.Minute), Self: true},
		{ID: "m1", Channel: testChannel, At: t0, Self: true},
		{ID: "h5", Channel: "other", At: t0.Add(30 * time.Second), Self: true},
	}}
	rec := &summaries{}
	tr := &testutil.FakeTransport{Now: clock.Now}
	o := event.New(baseConfig(), tr, event.WithClock(clock.Now), event.WithHistory(hist), event.WithRecorder(rec))
	defer o.Close()
	ctx := context.Background()

	if err := o.Start(ctx, event.ReasonManual); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if !o.Finalize(ctx, true) {
		t.Fatal("Finalize() = false")
	}

	if diff := cmp.Diff([]string{"m1", "h1"}, tr.Deleted()); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	wantWindow := [][2]time.Time{{t0, t0.Add(time.Minute)}}
	if diff := cmp.Diff(wantWindow, hist.Windows()); diff != "" {
		t.Errorf("history window mismatch (-want +got):\n%s", diff)
	}

	want := []event.Summary{{
		Channel:    testChannel,
		Generation: 1,
		Reason:     "manual",
		FinalStage: "awaiting_contact",
		Outcome:    "deadline",
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Minute),
		Deleted:    2,
	}}
	if diff := cmp.Diff(want, rec.got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}
