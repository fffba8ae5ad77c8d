// Package executor is the main runtime that owns store access. Subscription
// bridges never run effects themselves; they submit jobs here and wait for
// the outcome with a bounded timeout.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/idemflow/internal/runtime/classify"
	errspkg "github.com/drblury/idemflow/internal/runtime/errors"
	"github.com/drblury/idemflow/internal/runtime/logging"
	"github.com/drblury/idemflow/internal/runtime/metrics"
)

const (
	DefaultWorkers   = 1
	DefaultQueueSize = 64
)

// Job is one unit of work. It runs on an executor goroutine.
type Job func(ctx context.Context) classify.Outcome

// Options configures a Loop.
type Options struct {
	Workers    int
	QueueSize  int
	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer
}

type response struct {
	out classify.Outcome
	err error
}

type request struct {
	ctx      context.Context
	job      Job
	deadline time.Time
	enqueued time.Time
	result   chan response
}

// Loop runs submitted jobs on a fixed set of workers.
type Loop struct {
	workers int
	queue   chan request
	logger  logging.ServiceLogger

	started atomic.Bool
	running atomic.Bool
	ready   chan struct{}

	handoff *prometheus.HistogramVec
}

// New builds a Loop. It does nothing until Run is called.
func New(opts Options) (*Loop, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}

	handoff, err := metrics.Register(opts.Registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "executor",
		Name:      "handoff_seconds",
		Help:      "Time from submission until a job's outcome is returned",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	return &Loop{
		workers: opts.Workers,
		queue:   make(chan request, opts.QueueSize),
		logger:  opts.Logger,
		ready:   make(chan struct{}),
		handoff: handoff,
	}, nil
}

// Ready is closed once the workers accept jobs.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run starts the workers and blocks until ctx is done. A Loop runs once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyStarted
	}

	var wg sync.WaitGroup
	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.work(ctx)
		}()
	}

	l.running.Store(true)
	close(l.ready)
	l.logger.Info("Executor started", logging.LogFields{"workers": l.workers, "queue_size": cap(l.queue)})

	<-ctx.Done()
	l.running.Store(false)
	wg.Wait()
	l.drain()
	l.logger.Info("Executor stopped", nil)
	return nil
}

// Submit hands job to the workers and waits for its outcome. It fails with
// ErrNotRunning before Run and with ErrHandoffTimeout when the job was not
// finished within timeout.
func (l *Loop) Submit(ctx context.Context, timeout time.Duration, job Job) (classify.Outcome, error) {
	if !l.running.Load() {
		return classify.Outcome{}, errspkg.ErrNotRunning
	}

	start := time.Now()
	req := request{
		ctx:      ctx,
		job:      job,
		deadline: start.Add(timeout),
		enqueued: start,
		result:   make(chan response, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.queue <- req:
	case <-timer.C:
		l.observe(start, "timeout")
		return classify.Outcome{}, errspkg.ErrHandoffTimeout
	case <-ctx.Done():
		l.observe(start, "canceled")
		return classify.Outcome{}, ctx.Err()
	}

	select {
	case res := <-req.result:
		if res.err != nil {
			l.observe(start, "error")
		} else {
			l.observe(start, "ok")
		}
		return res.out, res.err
	case <-timer.C:
		l.observe(start, "timeout")
		return classify.Outcome{}, errspkg.ErrHandoffTimeout
	case <-ctx.Done():
		l.observe(start, "canceled")
		return classify.Outcome{}, ctx.Err()
	}
}

func (l *Loop) observe(start time.Time, result string) {
	l.handoff.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (l *Loop) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.queue:
			req.result <- l.execute(ctx, req)
		}
	}
}

func (l *Loop) execute(loopCtx context.Context, req request) (res response) {
	if !time.Now().Before(req.deadline) {
		return response{err: errspkg.ErrHandoffTimeout}
	}

	// Values from the submitter survive, cancellation comes from the loop
	// and the submission deadline.
	jobCtx, cancel := context.WithDeadline(context.WithoutCancel(req.ctx), req.deadline)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err := &errspkg.UnclassifiedError{Value: r}
			l.logger.Error("Job panicked", err, logging.LogFields{"queued_for": time.Since(req.enqueued).String()})
			res = response{err: err}
		}
	}()

	return response{out: req.job(jobCtx)}
}

func (l *Loop) drain() {
	for {
		select {
		case req := <-l.queue:
			req.result <- response{err: errspkg.ErrNotRunning}
		default:
			return
		}
	}
}
