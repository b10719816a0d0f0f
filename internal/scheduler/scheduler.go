package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskforge/internal/logs"
	"taskforge/internal/queue"
)

// Runner processes one ready sub-task per call.
type Runner interface {
	RunNext(ctx context.Context) (bool, error)
}

// Scheduler is a bounded worker pool draining a queue.
type Scheduler struct {
	MaxParallel int
	Logger      logs.Logger
}

func New(maxParallel int, logger logs.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Scheduler{
		MaxParallel: maxParallel,
		Logger:      logger,
	}
}

// Run starts the workers and returns once every graph in q is terminal or
// ctx is done.
func (s *Scheduler) Run(ctx context.Context, runner Runner, q *queue.Queue) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	// ワーカープール起動
	for i := 0; i < s.MaxParallel; i++ {
		wg.Add(1)
		go func(workerIdx int) {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				// grab the signal before looking, so no change is missed
				changed := q.Changed()
				ran, err := runner.RunNext(ctx)
				if err != nil {
					s.Logger.Warn("run next", "worker", workerIdx, "error", err)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				if ran {
					continue
				}
				if q.AllDone() {
					return
				}
				s.park(ctx, q, changed)
			}
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return ctx.Err()
}

// park waits for a queue change, the next retry wake-up or ctx.
func (s *Scheduler) park(ctx context.Context, q *queue.Queue, changed <-chan struct{}) {
	var wake <-chan time.Time
	if at, ok := q.NextWake(); ok {
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		wake = timer.C
	}
	select {
	case <-ctx.Done():
	case <-changed:
	case <-wake:
	}
}
