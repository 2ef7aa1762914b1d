package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("task queue stopped")

type Processor interface {
	Process(ctx context.Context, taskID string) error
}

// Queue runs task ids through a fixed number of workers. The backlog is
// unbounded so workers can enqueue follow-up tasks without blocking; an id
// already waiting is not queued twice.
type Queue struct {
	workers int

	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	stopped bool
	notify  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		workers: workers,
		queued:  make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (q *Queue) Start(ctx context.Context, p Processor) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(ctx, p)
		}()
	}
}

func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if _, ok := q.queued[taskID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.queued[taskID] = struct{}{}
	q.pending = append(q.pending, taskID)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Len returns the number of ids waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop rejects new ids, cancels running tasks and waits for the workers.
// Ids still waiting are dropped; the redelivery job picks them up later.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	delete(q.queued, id)
	if len(q.pending) > 0 {
		// wake another idle worker
		q.signal()
	}
	return id, true
}

func (q *Queue) run(ctx context.Context, p Processor) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
			continue
		}
		q.process(ctx, p, id)
	}
}

func (q *Queue) process(ctx context.Context, p Processor, taskID string) {
	logger := logutil.GetLogger(ctx).With(zap.String("task_id", taskID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task processor panic", zap.Any("panic", r))
		}
	}()
	if err := p.Process(ctx, taskID); err != nil {
		logger.Error("process task failed", zap.Error(fmt.Errorf("task %s: %w", taskID, err)))
	}
}
