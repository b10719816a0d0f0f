package outcomes

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskforge/internal"
	"taskforge/internal/logs"
)

// Sink writes records to a Store from a background goroutine. Emit never
// blocks; records are dropped when the buffer is full.
type Sink struct {
	store   *Store
	logger  logs.Logger
	records chan internal.OutcomeRecord
	dropped atomic.Int64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewSink(store *Store, buffer int, logger logs.Logger) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		store:   store,
		logger:  logger,
		records: make(chan internal.OutcomeRecord, buffer),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Sink) loop() {
	defer close(s.done)
	for record := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Insert(ctx, record); err != nil {
			s.logger.Warn("persist outcome",
				"graph", record.Graph,
				"task", record.Task,
				"error", err,
			)
		}
		cancel()
	}
}

func (s *Sink) Emit(record internal.OutcomeRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.records <- record:
	default:
		s.dropped.Add(1)
		s.logger.Warn("outcome sink full, record dropped",
			"graph", record.Graph,
			"task", record.Task,
		)
	}
}

// Dropped counts records that were not persisted for lack of buffer space.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered records and closes the store. Only the first call
// closes the store.
func (s *Sink) Close() error {
	s.mu.Lock()
	first := !s.closed
	if first {
		s.closed = true
		close(s.records)
	}
	s.mu.Unlock()
	<-s.done
	if !first {
		return nil
	}
	return s.store.Close()
}
