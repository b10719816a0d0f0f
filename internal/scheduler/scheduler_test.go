package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskforge/internal"
	"taskforge/internal/dag"
	"taskforge/internal/queue"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRunner completes every task after a short sleep and records order.
type fakeRunner struct {
	q       *queue.Queue
	running atomic.Int32
	peak    atomic.Int32
	failA   bool

	mu    sync.Mutex
	order []string
}

func (f *fakeRunner) RunNext(ctx context.Context) (bool, error) {
	task, ok := f.q.NextReady()
	if !ok {
		return false, nil
	}
	task, err := f.q.MarkRunning(task.Ref, func() {})
	if err != nil {
		return true, err
	}
	n := f.running.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	f.running.Add(-1)

	f.mu.Lock()
	f.order = append(f.order, task.Name)
	f.mu.Unlock()

	if f.failA && task.Name == "a" && task.Attempts < 2 {
		_, err = f.q.MarkFailed(task.Ref, internal.Errorf(internal.ReasonToolInternal, "boom"), time.Now().Add(50*time.Millisecond), false)
		return true, err
	}
	_, err = f.q.MarkComplete(task.Ref)
	return true, err
}

func TestRun(t *testing.T) {
	g, err := dag.New("g", []internal.TaskSpec{
		{Name: "a", Tool: "x"},
		{Name: "b", Tool: "x"},
		{Name: "c", Tool: "x"},
		{Name: "d", Tool: "x", DependsOn: []string{"a", "b", "c"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(queue.Hooks{})
	if err := q.Enqueue(g); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{q: q}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := New(2, testLogger).Run(ctx, runner, q); err != nil {
		t.Fatal(err)
	}
	if !q.AllDone() {
		t.Fatal("タスクが残っている")
	}
	if p := runner.peak.Load(); p > 2 {
		t.Fatalf("並列数超過: %d", p)
	}
	if runner.order[len(runner.order)-1] != "d" {
		t.Fatalf("依存順序が不正: %v", runner.order)
	}
}

func TestRunWaitsForRetry(t *testing.T) {
	g, err := dag.New("g", []internal.TaskSpec{
		{Name: "a", Tool: "x"},
		{Name: "b", Tool: "x", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(queue.Hooks{})
	if err := q.Enqueue(g); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{q: q, failA: true}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := New(3, testLogger).Run(ctx, runner, q); err != nil {
		t.Fatal(err)
	}
	if len(runner.order) != 3 {
		t.Fatalf("got %v", runner.order)
	}
	a, _ := q.Get(internal.Ref{Graph: "g", Index: 0})
	if a.State != internal.StateSucceeded || a.Attempts != 2 {
		t.Fatalf("got %+v", a)
	}
}

func TestRunContextDone(t *testing.T) {
	g, err := dag.New("g", []internal.TaskSpec{
		{Name: "a", Tool: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(queue.Hooks{})
	if err := q.Enqueue(g); err != nil {
		t.Fatal(err)
	}
	// nothing ever runs the task
	idle := runnerFunc(func(context.Context) (bool, error) {
		return false, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := New(2, testLogger).Run(ctx, idle, q); err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}
}

type runnerFunc func(context.Context) (bool, error)

func (f runnerFunc) RunNext(ctx context.Context) (bool, error) {
	return f(ctx)
}

func TestRunOverlapping(t *testing.T) {
	newQueue := func(id string) *queue.Queue {
		g, err := dag.New(id, []internal.TaskSpec{
			{Name: "a", Tool: "x"},
		})
		if err != nil {
			t.Fatal(err)
		}
		q := queue.New(queue.Hooks{})
		if err := q.Enqueue(g); err != nil {
			t.Fatal(err)
		}
		return q
	}
	slowQ := newQueue("slow")
	started := make(chan struct{})
	release := make(chan struct{})
	slow := runnerFunc(func(context.Context) (bool, error) {
		task, ok := slowQ.NextReady()
		if !ok {
			return false, nil
		}
		if _, err := slowQ.MarkRunning(task.Ref, func() {}); err != nil {
			return true, err
		}
		close(started)
		<-release
		_, err := slowQ.MarkComplete(task.Ref)
		return true, err
	})

	s := New(1, testLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- s.Run(ctx, slow, slowQ)
	}()
	<-started

	// a second run on the same scheduler does not wait for the first one's workers
	fastQ := newQueue("fast")
	if err := s.Run(ctx, &fakeRunner{q: fastQ}, fastQ); err != nil {
		t.Fatal(err)
	}
	if !fastQ.AllDone() {
		t.Fatal("fast queue not drained")
	}
	select {
	case err := <-slowDone:
		t.Fatalf("slow run returned early: %v", err)
	default:
	}
	close(release)
	if err := <-slowDone; err != nil {
		t.Fatal(err)
	}
}
