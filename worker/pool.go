// Package worker runs the heavy point cloud and image operations off the caller's goroutine.
//
// Requests are deep copied on submission and handed to a bounded set of workers through a
// bounded queue. Each request carries its own context: a worker checks it before starting and
// after finishing, so a request whose caller gave up yields its context error instead of a stale
// result.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/preprocess"
	"go.viam.com/pointstream/utils"
)

var (
	// ErrTimeout is returned by Do when an operation outlives its timeout.
	ErrTimeout = errors.New("worker task timed out")
	// ErrPoolClosed is returned for requests submitted to, or pending in, a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrUnknownOperation is returned for a request naming an operation the pool cannot run.
	ErrUnknownOperation = errors.New("unknown operation")
)

// Default timeouts applied by Do.
const (
	DefaultConversionTimeout = 30 * time.Second
	DefaultStereoTimeout     = 120 * time.Second
	DefaultQueueSize         = 64
)

// Config sizes a Pool.
type Config struct {
	Workers           int           `json:"workers"`
	QueueSize         int           `json:"queue_size"`
	ConversionTimeout time.Duration `json:"conversion_timeout"`
	StereoTimeout     time.Duration `json:"stereo_timeout"`
}

// DefaultConfig returns one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU(),
		QueueSize:         DefaultQueueSize,
		ConversionTimeout: DefaultConversionTimeout,
		StereoTimeout:     DefaultStereoTimeout,
	}
}

// Validate returns an error describing the first invalid field.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize < 0 {
		return errors.Errorf("queue size must not be negative, got %d", c.QueueSize)
	}
	if c.ConversionTimeout <= 0 || c.StereoTimeout <= 0 {
		return errors.Errorf("timeouts must be positive, got %s and %s", c.ConversionTimeout, c.StereoTimeout)
	}
	return nil
}

// Timeout returns how long Do waits for op.
func (c Config) Timeout(op Operation) time.Duration {
	if op == OpStereoDisparity {
		return c.StereoTimeout
	}
	return c.ConversionTimeout
}

// Stats counts requests by outcome.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Dropped   uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("submitted=%d completed=%d failed=%d dropped=%d", s.Submitted, s.Completed, s.Failed, s.Dropped)
}

type task struct {
	ctx context.Context
	req Request
	out chan Response
}

type handlerFunc func(ctx context.Context, req Request) (*Result, error)

// Pool is a fixed set of workers fed by a bounded queue.
type Pool struct {
	cfg       Config
	processor *preprocess.Processor
	clock     clock.Clock
	logger    logging.Logger

	queue   chan task
	workers *utils.StoppableWorkers
	handle  handlerFunc

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPool starts cfg.Workers workers running operations with processor. A nil clk uses the
// wall clock.
func NewPool(cfg Config, processor *preprocess.Processor, clk clock.Clock, logger logging.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if processor == nil {
		return nil, errors.New("worker pool needs a processor")
	}
	if clk == nil {
		clk = clock.New()
	}
	p := &Pool{
		cfg:       cfg,
		processor: processor,
		clock:     clk,
		logger:    logger,
		queue:     make(chan task, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	p.handle = p.execute
	p.workers = utils.NewStoppableWorkers(context.Background())
	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(p.work)
	}
	return p, nil
}

// Submit enqueues a copy of req and returns the channel its single Response is delivered on.
// It blocks while the queue is full. A request without an ID is given a random one.
func (p *Pool) Submit(ctx context.Context, req Request) (<-chan Response, error) {
	if !req.Operation.Known() {
		return nil, errors.Wrapf(ErrUnknownOperation, "%q", req.Operation)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	t := task{ctx: ctx, req: req.clone(), out: make(chan Response, 1)}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case p.queue <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
	p.submitted.Inc()
	return t.out, nil
}

// Do submits req and waits for its response, giving up after the operation's timeout. On
// timeout the request's context is canceled, so the worker drops the result if it finishes
// anyway. The returned error is the response's error, if any.
func (p *Pool) Do(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	timeout := p.cfg.Timeout(req.Operation)
	timeoutErr := func() error {
		return errors.Wrapf(ErrTimeout, "%s %s after %s", req.Operation, req.ID, timeout)
	}
	tctx, cancel := p.clock.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := p.Submit(tctx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Response{ID: req.ID, Operation: req.Operation}, timeoutErr()
		}
		return Response{ID: req.ID, Operation: req.Operation}, err
	}
	select {
	case resp := <-ch:
		if ctx.Err() == nil && errors.Is(resp.Err, context.DeadlineExceeded) {
			return resp, timeoutErr()
		}
		return resp, resp.Err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return Response{ID: req.ID, Operation: req.Operation}, err
		}
		return Response{ID: req.ID, Operation: req.Operation}, timeoutErr()
	}
}

// Stats returns the request counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Close stops the workers, canceling running operations, and answers every queued request with
// ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.workers.Stop()
		for {
			select {
			case t := <-p.queue:
				p.dropped.Inc()
				t.out <- Response{ID: t.req.ID, Operation: t.req.Operation, Err: ErrPoolClosed}
			default:
				return
			}
		}
	})
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.run(ctx, t)
		}
	}
}

func (p *Pool) run(poolCtx context.Context, t task) {
	resp := Response{ID: t.req.ID, Operation: t.req.Operation}
	defer func() { t.out <- resp }()

	if err := stale(poolCtx, t.ctx); err != nil {
		p.dropped.Inc()
		resp.Err = err
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	start := p.clock.Now()
	result, err := p.safeHandle(ctx, t.req)
	resp.ProcessingTime = p.clock.Since(start)

	if staleErr := stale(poolCtx, t.ctx); staleErr != nil {
		p.dropped.Inc()
		p.logger.Debugw("dropping stale result", "id", t.req.ID, "operation", t.req.Operation, "reason", staleErr)
		resp.Err = staleErr
		return
	}
	if err != nil {
		p.failed.Inc()
		p.logger.Warnw("operation failed", "id", t.req.ID, "operation", t.req.Operation, "error", err)
		resp.Err = err
		return
	}
	p.completed.Inc()
	p.logger.Debugw("operation done", "id", t.req.ID, "operation", t.req.Operation, "took", resp.ProcessingTime)
	resp.Result = result
}

func stale(poolCtx, reqCtx context.Context) error {
	if err := reqCtx.Err(); err != nil {
		return err
	}
	if poolCtx.Err() != nil {
		return ErrPoolClosed
	}
	return nil
}

func (p *Pool) safeHandle(ctx context.Context, req Request) (result *Result, err error) {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			err = errors.Errorf("panic running %s: %v", req.Operation, thePanic)
		}
	}()
	return p.handle(ctx, req)
}
