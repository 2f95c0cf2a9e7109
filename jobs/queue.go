// Package jobs runs named background jobs with bounded retries.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jacentio/espalier/internal/shard"
)

// Job is a named unit of work. Jobs sharing a Key are executed one at a
// time, in order.
type Job struct {
	ID      string
	Name    string
	Key     string
	Payload any
	Attempt int
}

// Handler executes a job. Returning an error schedules a retry unless the
// error is Permanent or the attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

// Dispatcher accepts jobs for asynchronous execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, job Job) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithRegisterer registers the queue metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) { q.reg = reg }
}

// Queue is an in-process Dispatcher. Each lane is served by one worker and
// holds an unbounded backlog so that handlers may enqueue follow-up jobs
// without blocking.
type Queue struct {
	config   Config
	logger   *zap.Logger
	reg      prometheus.Registerer
	metrics  *metrics
	handlers map[string]Handler
	lanes    []*lane

	mu       sync.Mutex
	idle     *sync.Cond
	pending  int
	failures []Failure
	started  bool
	stopped  bool
	workers  sync.WaitGroup
	timers   map[*time.Timer]struct{}
}

// New creates a stopped queue; register handlers, then call Start.
func New(config Config, opts ...Option) *Queue {
	config.validate()
	q := &Queue{
		config:   config,
		logger:   zap.NewNop(),
		handlers: map[string]Handler{},
		timers:   map[*time.Timer]struct{}{},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.metrics = newMetrics(q.reg)
	q.idle = sync.NewCond(&q.mu)
	q.lanes = make([]*lane, config.Workers)
	for i := range q.lanes {
		q.lanes[i] = newLane()
	}
	return q
}

// Register installs the handler for name, replacing any previous one.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// RegisterAll installs every handler in hs.
func (q *Queue) RegisterAll(hs map[string]Handler) {
	for name, h := range hs {
		q.Register(name, h)
	}
}

// Start launches the lane workers. It is a no-op when already started.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for i, l := range q.lanes {
		q.workers.Add(1)
		go q.work(ctx, i, l)
	}
}

// Enqueue schedules job. Jobs without a key are spread by ID.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if _, ok := q.handlers[job.Name]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}
	q.pending++
	q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Key == "" {
		job.Key = job.ID
	}
	job.Attempt = 0
	q.metrics.pending.Inc()
	if !q.laneFor(job).push(job) {
		// Stop closed the lanes after the check above.
		q.finish()
		return ErrQueueStopped
	}
	return nil
}

func (q *Queue) laneFor(job Job) *lane {
	return q.lanes[shard.Lane(job.Key, len(q.lanes))]
}

// Wait blocks until no job is queued, running or awaiting a retry.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.pending > 0 {
			q.idle.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new jobs, cancels pending retries and waits for the workers
// to drain their lanes.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for t := range q.timers {
		if t.Stop() {
			q.pending--
			q.metrics.pending.Dec()
		}
	}
	q.timers = map[*time.Timer]struct{}{}
	q.idle.Broadcast()
	q.mu.Unlock()

	for _, l := range q.lanes {
		l.close()
	}
	q.workers.Wait()
}

// Failures returns the jobs that exhausted their attempts.
func (q *Queue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Failure{}, q.failures...)
}

func (q *Queue) work(ctx context.Context, n int, l *lane) {
	defer q.workers.Done()
	logger := q.logger.With(zap.String("lane", shard.Label(n)))
	for {
		job, ok := l.pop()
		if !ok {
			return
		}
		q.run(ctx, logger, job)
	}
}

func (q *Queue) run(ctx context.Context, logger *zap.Logger, job Job) {
	q.mu.Lock()
	h := q.handlers[job.Name]
	q.mu.Unlock()

	job.Attempt++
	start := time.Now()
	err := q.call(ctx, h, job)
	q.metrics.duration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		q.metrics.jobs.WithLabelValues(job.Name, "succeeded").Inc()
		q.finish()
		return
	}

	if IsPermanent(err) || job.Attempt >= q.config.MaxAttempts || ctx.Err() != nil {
		q.fail(logger, job, err)
		return
	}

	delay := q.config.delay(job.Attempt)
	logger.Warn("job failed, retrying",
		zap.String("job", job.Name),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	q.metrics.retries.WithLabelValues(job.Name).Inc()
	q.retry(logger, job, err, delay)
}

// call runs h, converting a panic into a permanent failure.
func (q *Queue) call(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	return h(ctx, job)
}

func (q *Queue) retry(logger *zap.Logger, job Job, cause error, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.failures = append(q.failures, Failure{Job: job, Err: cause})
		q.metrics.jobs.WithLabelValues(job.Name, "failed").Inc()
		q.finishLocked()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if !q.laneFor(job).push(job) {
			q.fail(logger, job, ErrQueueStopped)
		}
	})
	q.timers[t] = struct{}{}
}

func (q *Queue) fail(logger *zap.Logger, job Job, err error) {
	logger.Error("job failed",
		zap.String("job", job.Name),
		zap.String("id", job.ID),
		zap.String("key", job.Key),
		zap.Int("attempts", job.Attempt),
		zap.Error(err),
	)
	q.metrics.jobs.WithLabelValues(job.Name, "failed").Inc()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, Failure{Job: job, Err: err})
	q.finishLocked()
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finishLocked()
}

func (q *Queue) finishLocked() {
	q.pending--
	q.metrics.pending.Dec()
	if q.pending <= 0 {
		q.pending = 0
		q.idle.Broadcast()
	}
}

type lane struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Job
	closed bool
}

func newLane() *lane {
	l := &lane{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lane) push(job Job) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.items = append(l.items, job)
	l.cond.Signal()
	return true
}

// pop blocks for the next job. After close the backlog is drained first.
func (l *lane) pop() (Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.items) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.items) == 0 {
		return Job{}, false
	}
	job := l.items[0]
	l.items[0] = Job{}
	l.items = l.items[1:]
	return job, true
}

func (l *lane) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}
