package relayqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

// ErrQueueClosed is returned to submitters whose task was rejected or
// abandoned because the queue shut down.
var ErrQueueClosed = errors.New("delivery queue closed")

// Task is a unit of work executed by the queue worker.
type Task func(ctx context.Context) (interface{}, error)

type taskResult struct {
	value interface{}
	err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

// Queue serializes all delivery work through a single background worker.
// Tasks execute strictly in submission order, one at a time across the
// entire process. Each submitter blocks on its own result without blocking
// other submitters' ability to enqueue.
type Queue struct {
	mu      sync.Mutex
	pending []*taskRecord
	closed  bool
	seq     int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue and starts its worker.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	q.wg.Add(1)
	go q.run()

	log.Debug().Msg("Delivery queue worker started")
	return q
}

// Submit enqueues task and blocks until it completes, returning its result
// or propagating its failure to this caller only. ctx flows into the task
// merged with the queue lifetime; it does not cancel the wait itself, since
// individual turns are not independently cancellable.
func (q *Queue) Submit(ctx context.Context, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("task-%d", q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	q.pending = append(q.pending, record)
	depth := len(q.pending)
	q.mu.Unlock()

	observability.RecordQueueEnqueue(depth)
	log.Debug().Str("task_id", record.id).Int("depth", depth).Msg("Task enqueued")

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-record.result:
		return res.value, res.err
	case <-q.ctx.Done():
		// In-flight work at shutdown is abandoned; never leave the caller hanging.
		return nil, ErrQueueClosed
	}
}

// Depth returns the number of tasks waiting to execute.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, rejects pending tasks and cancels the worker
// context so a cooperative in-flight task unwinds.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	rejected := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, record := range rejected {
		record.result <- taskResult{err: ErrQueueClosed}
		close(record.result)
	}
	observability.SetQueueDepth(0)

	q.cancel()
	q.wg.Wait()

	log.Info().Int("rejected", len(rejected)).Msg("Delivery queue closed")
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 || q.closed {
				q.mu.Unlock()
				break
			}
			record := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			q.execute(record)
		}
	}
}

func (q *Queue) execute(record *taskRecord) {
	// The task context is the submitter's, cancelled early if the queue
	// shuts down mid-flight.
	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	observability.RecordQueueCompletion(duration, err == nil, depth)

	if err != nil {
		log.Error().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		log.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
}
