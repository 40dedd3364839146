package callqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/parla/internal/observability"
	"github.com/harun/parla/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned for calls submitted after Close
	ErrClosed = errors.New("call queue closed")
	// ErrLaneCleared is returned to calls discarded by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is one unit of work
type Task func(ctx context.Context) (any, error)

// Config tunes a Queue
type Config struct {
	// MaxConcurrency caps running tasks across all lanes. 0 means 8.
	MaxConcurrency int
	// LaneConcurrency caps running tasks per lane. 0 means MaxConcurrency.
	LaneConcurrency int
	// Timeout bounds each task's run time. 0 disables.
	Timeout time.Duration
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
}

// Stats is a point-in-time view of one lane
type Stats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Queue is a lane-based bounded worker pool
type Queue struct {
	cfg    Config
	global *semaphore.Weighted

	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.LaneConcurrency <= 0 || cfg.LaneConcurrency > cfg.MaxConcurrency {
		cfg.LaneConcurrency = cfg.MaxConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs task on lane and waits for its result. The wait ends early if
// ctx is done, in which case a queued task is skipped and a running task sees
// its context cancelled.
func (q *Queue) Submit(ctx context.Context, lane string, task Task) (any, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerCallQueue, "callqueue.submit", attribute.String("lane", lane))

	record, queueSize, err := q.enqueue(ctx, lane, task)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Call enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	q.processLane(lane)

	var res taskResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		res = taskResult{err: ctx.Err()}
	}

	tracing.EndSpan(span, res.err)
	return res.value, res.err
}

func (q *Queue) enqueue(ctx context.Context, lane string, task Task) (*taskRecord, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrClosed
	}

	ls := q.laneLocked(lane)
	q.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	return record, len(ls.queue), nil
}

func (q *Queue) laneLocked(lane string) *laneState {
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: q.cfg.LaneConcurrency}
		q.lanes[lane] = ls
	}
	return ls
}

// processLane starts queued tasks while the lane has capacity
func (q *Queue) processLane(lane string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return
	}

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		q.wg.Add(1)
		go q.executeTask(lane, record)
	}
}

func (q *Queue) executeTask(lane string, record *taskRecord) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, tracing.TracerCallQueue, "callqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if q.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	stopCancel := context.AfterFunc(q.ctx, cancel)

	startTime := time.Now()
	var (
		value any
		err   error
	)
	if err = q.global.Acquire(runCtx, 1); err == nil {
		value, err = record.task(runCtx)
		q.global.Release(1)
	}
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	q.mu.Lock()
	ls := q.lanes[lane]
	ls.running--
	queueSize := len(ls.queue)
	q.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		logger.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Call failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Call completed")
	}
	tracing.EndSpan(span, err)
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	q.processLane(lane)
}

// SetLaneConcurrency overrides the per-lane limit for one lane
func (q *Queue) SetLaneConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	q.mu.Lock()
	ls := q.laneLocked(lane)
	grew := concurrency > ls.concurrency
	ls.concurrency = concurrency
	q.mu.Unlock()

	if grew {
		q.processLane(lane)
	}
}

// ClearLane rejects every queued (not yet running) task on lane
func (q *Queue) ClearLane(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return 0
	}

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil

	if count > 0 {
		log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	}
	observability.SetQueueSize(lane, 0)
	return count
}

// Stats returns per-lane statistics
func (q *Queue) Stats() map[string]Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]Stats, len(q.lanes))
	for lane, ls := range q.lanes {
		stats[lane] = Stats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		}
	}
	return stats
}

// Close rejects queued tasks, cancels running ones and waits for them to exit
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ls := range q.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
