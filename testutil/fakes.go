package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/nadeko-bot/chat"
)

// Sent is one message posted through a FakeTransport.
type Sent struct {
	Ref  chat.Ref
	Text string
}

// FakeTransport is an in-memory chat.Transport. The zero value is ready to use
// and supports edits.
type FakeTransport struct {
	// NoEdit makes Edit return chat.ErrEditUnsupported.
	NoEdit bool
	// SendErr, when set, decides whether a send of text fails.
	SendErr func(text string) error
	// DeleteErr, when set, decides whether deleting id fails.
	DeleteErr func(id string) error
	// Now stamps refs; defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	next    int
	sent    []Sent
	edits   map[string]string
	deleted []string
	notify  chan struct{}
}

func (f *FakeTransport) init() {
	if f.edits == nil {
		f.edits = make(map[string]string)
	}
	if f.notify == nil {
		f.notify = make(chan struct{}, 1)
	}
}

func (f *FakeTransport) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Send records text and returns a ref with a sequential id m1, m2, ...
func (f *FakeTransport) Send(_ context.Context, channel, text string) (chat.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	defer f.signal()
	if f.SendErr != nil {
		if err := f.SendErr(text); err != nil {
			return chat.Ref{}, err
		}
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	f.next++
	ref := chat.Ref{ID: fmt.Sprintf("m%d", f.next), Channel: channel, At: now(), Self: true}
	f.sent = append(f.sent, Sent{Ref: ref, Text: text})
	return ref, nil
}

// Edit records the new text of ref.
func (f *FakeTransport) Edit(_ context.Context, ref chat.Ref, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if f.NoEdit {
		return chat.ErrEditUnsupported
	}
	f.edits[ref.ID] = text
	return nil
}

// Delete records the deletion of ref.
func (f *FakeTransport) Delete(_ context.Context, ref chat.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if f.DeleteErr != nil {
		if err := f.DeleteErr(ref.ID); err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, ref.ID)
	return nil
}

// Texts returns every sent text in order.
func (f *FakeTransport) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Text)
	}
	return out
}

// Sent returns every sent message in order.
func (f *FakeTransport) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// Edits returns the last edited text per message id.
func (f *FakeTransport) Edits() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.edits))
	for k, v := range f.edits {
		out[k] = v
	}
	return out
}

// Deleted returns the deleted ids in order.
func (f *FakeTransport) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleted)
}

// WaitForSends blocks until at least n messages were sent or fails the test
// after timeout.
func (f *FakeTransport) WaitForSends(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	f.mu.Lock()
	f.init()
	notify := f.notify
	f.mu.Unlock()

	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		got := len(f.sent)
		f.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d sends, got %d: %q", n, got, f.Texts())
		}
	}
}

// FakePresence returns a settable active count.
type FakePresence struct {
	mu    sync.Mutex
	count int
	err   error
	calls int
}

// Set changes the count (and error) returned by ActiveCount.
func (p *FakePresence) Set(count int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count, p.err = count, err
}

// Calls returns how often ActiveCount ran.
func (p *FakePresence) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ActiveCount implements chat.Presence.
func (p *FakePresence) ActiveCount(context.Context, string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.count, p.err
}

// FakeHistory serves a fixed set of refs filtered by channel and time window.
type FakeHistory struct {
	Refs []chat.Ref
	Err  error

	mu      sync.Mutex
	windows [][2]time.Time
}

// Between implements chat.History (both bounds inclusive).
func (h *FakeHistory) Between(_ context.Context, channel string, since, until time.Time) ([]chat.Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows = append(h.windows, [2]time.Time{since, until})
	if h.Err != nil {
		return nil, h.Err
	}
	var out []chat.Ref
	for _, r := range h.Refs {
		if r.Channel == channel && !r.At.Before(since) && !r.At.After(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Windows returns every queried [since, until] pair.
func (h *FakeHistory) Windows() [][2]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.windows)
}
