package event

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/nadeko-bot/telemetry"
)

// TaskID identifies a scheduled action.
type TaskID uint64

type task struct {
	gen    uint64
	name   string
	cancel context.CancelFunc
}

// Runner executes background actions without blocking the caller. Every
// action is registered before its goroutine starts and removed when it
// returns or is canceled.
type Runner struct {
	base context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	next  TaskID
	tasks map[TaskID]*task
	wg    sync.WaitGroup
}

// NewRunner returns an empty runner.
func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{base: ctx, stop: cancel, tasks: make(map[TaskID]*task)}
}

// Schedule runs fn on its own goroutine with a context that is canceled by
// CancelAll or Close. gen is the session generation the action belongs to.
func (r *Runner) Schedule(gen uint64, name string, fn func(ctx context.Context)) TaskID {
	r.mu.Lock()
	r.next++
	id := r.next
	ctx, cancel := context.WithCancel(r.base)
	r.tasks[id] = &task{gen: gen, name: name, cancel: cancel}
	n := len(r.tasks)
	r.wg.Add(1)
	r.mu.Unlock()
	telemetry.SetPendingTimers(n)

	go func() {
		defer r.wg.Done()
		defer r.finish(id)
		fn(ctx)
	}()
	return id
}

func (r *Runner) finish(id TaskID) {
	r.mu.Lock()
	if t, ok := r.tasks[id]; ok {
		t.cancel()
		delete(r.tasks, id)
	}
	n := len(r.tasks)
	r.mu.Unlock()
	telemetry.SetPendingTimers(n)
}

// CancelAll cancels and deregisters every pending action and returns how many there were.
func (r *Runner) CancelAll() int {
	r.mu.Lock()
	n := len(r.tasks)
	for id, t := range r.tasks {
		t.cancel()
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	telemetry.SetPendingTimers(0)
	return n
}

// Pending returns the number of registered actions.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Names lists the pending actions as name@generation, for status output.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, fmt.Sprintf("%s@%d", t.name, t.gen))
	}
	slices.Sort(out)
	return out
}

// Wait blocks until every action goroutine has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Close cancels every action and waits for the goroutines to exit. Actions
// scheduled afterwards start with a canceled context.
func (r *Runner) Close() {
	r.stop()
	r.CancelAll()
	r.wg.Wait()
}

// sleep waits for d or until ctx is done. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
