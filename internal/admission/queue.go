// Package admission bounds how much fetch work the process accepts: a fixed
// number of executing tasks, a fixed number of queued tasks, and immediate
// rejection beyond that.
package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
	"github.com/fetchgate/fetchgate/internal/metrics"
)

// Fetcher runs one admitted request. The fetch pipeline implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// Config tunes the queue.
type Config struct {
	Concurrency int
	// MaxQueued bounds tasks admitted but not yet executing.
	MaxQueued int
	// TaskTimeout is the wall-clock budget covering queue wait plus execution.
	TaskTimeout time.Duration
}

// Stats is the queue's observable state.
type Stats struct {
	Depth     int   `json:"depth"`
	Inflight  int   `json:"inflight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Queue admits fetch requests into the pipeline under a concurrency bound.
type Queue struct {
	cfg      Config
	pipeline Fetcher
	logger   *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	depth     int
	inflight  int
	completed int64
	failed    int64
	paused    bool
	draining  bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Queue.
func New(cfg Config, p Fetcher, logger *zap.Logger) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 64
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	metrics.Init()
	q := &Queue{
		cfg:      cfg,
		pipeline: p,
		logger:   logger,
		slots:    make(chan struct{}, cfg.Concurrency),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits the request and blocks until its result is ready. A full
// queue rejects immediately with a queue_full error rather than waiting.
func (q *Queue) Enqueue(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		metrics.ObserveQueueRejection()
		return fetch.Result{}, fetch.NewError(fetch.CodeQueueFull, "queue is draining")
	}
	if q.depth >= q.cfg.MaxQueued {
		q.mu.Unlock()
		metrics.ObserveQueueRejection()
		return fetch.Result{}, fetch.NewError(fetch.CodeQueueFull, "admission queue is full").
			WithDetail("max_queued", q.cfg.MaxQueued)
	}
	q.depth++
	metrics.SetQueueDepth(q.depth)
	q.mu.Unlock()

	q.wg.Add(1)
	defer q.wg.Done()

	// The task timeout covers time spent waiting for a slot too, so a task
	// stuck behind slow work fails with a timeout instead of hanging.
	taskCtx, cancel := context.WithTimeout(ctx, q.cfg.TaskTimeout)
	defer cancel()

	select {
	case q.slots <- struct{}{}:
	case <-taskCtx.Done():
		q.leaveQueue()
		q.recordDone(false)
		return fetch.Result{}, fetch.Classify(taskCtx.Err())
	}
	q.leaveQueue()

	q.waitIfPaused(taskCtx)
	if taskCtx.Err() != nil {
		<-q.slots
		q.recordDone(false)
		return fetch.Result{}, fetch.Classify(taskCtx.Err())
	}

	q.mu.Lock()
	q.inflight++
	metrics.SetQueueInflight(q.inflight)
	q.mu.Unlock()

	res, err := q.pipeline.Fetch(taskCtx, req)

	q.mu.Lock()
	q.inflight--
	metrics.SetQueueInflight(q.inflight)
	q.mu.Unlock()
	<-q.slots

	q.recordDone(err == nil)
	if err != nil {
		return fetch.Result{}, fetch.Classify(err)
	}
	return res, nil
}

// Pause holds back queued tasks from starting execution. Tasks already
// executing run to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("admission queue paused")
}

// Resume releases tasks held by Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
	q.logger.Info("admission queue resumed")
}

// Drain stops admitting new work and waits up to timeout for admitted work
// to finish. It returns false when the deadline elapsed with work still
// outstanding.
func (q *Queue) Drain(timeout time.Duration) bool {
	q.mu.Lock()
	q.draining = true
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("admission queue drained")
		return true
	case <-time.After(timeout):
		stats := q.GetStats()
		q.logger.Warn("admission queue drain timed out",
			zap.Int("depth", stats.Depth),
			zap.Int("inflight", stats.Inflight),
		)
		return false
	}
}

// GetStats returns a consistent snapshot of the queue's counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     q.depth,
		Inflight:  q.inflight,
		Completed: q.completed,
		Failed:    q.failed,
		Paused:    q.paused,
	}
}

func (q *Queue) leaveQueue() {
	q.mu.Lock()
	q.depth--
	metrics.SetQueueDepth(q.depth)
	q.mu.Unlock()
}

func (q *Queue) waitIfPaused(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { q.cond.Broadcast() })
	defer stop()
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.paused && ctx.Err() == nil {
		q.cond.Wait()
	}
}

func (q *Queue) recordDone(ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ok {
		q.completed++
	} else {
		q.failed++
	}
}
