// Package worker runs the engine's background bookkeeping: co-occurrence
// batching, deferred semantic re-checks and catalyst probes. Jobs are
// named, bounded and fire-and-forget; a saturated queue drops work with a
// warning instead of adding latency to the request path.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/metrics"
)

// Job is one unit of background work. The context passed to Run is the
// pool's; it is cancelled when a shutdown deadline expires.
type Job struct {
	Name string
	Key  string
	Run  func(ctx context.Context)

	enqueued time.Time
}

// Pool is a bounded set of workers fed by a single channel. Jobs with the
// same (name, key) coalesce while queued, so repeated re-check requests
// for one memory collapse into a single run.
type Pool struct {
	queue   chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
	workers int

	mu      sync.Mutex
	closed  bool
	pending map[string]struct{}
}

// NewPool starts the workers immediately.
func NewPool(cfg config.WorkerConfig, logger *zap.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("worker"),
		workers: cfg.Workers,
		pending: make(map[string]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit queues a job without blocking. Returns false when the job was
// dropped (full queue, shut down) or coalesced into an already-queued
// twin; the caller never waits and never sees an error either way.
func (p *Pool) Submit(name, key string, fn func(ctx context.Context)) bool {
	if fn == nil {
		return false
	}

	dedupe := ""
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if key != "" {
		dedupe = name + ":" + key
		if _, queued := p.pending[dedupe]; queued {
			p.mu.Unlock()
			return false
		}
		p.pending[dedupe] = struct{}{}
	}

	job := Job{Name: name, Key: key, Run: fn, enqueued: time.Now()}
	select {
	case p.queue <- job:
		p.mu.Unlock()
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		delete(p.pending, dedupe)
		p.mu.Unlock()
		metrics.WorkerJobsDropped.WithLabelValues(name).Inc()
		p.logger.Warn("job queue full, dropping",
			zap.String("job", name),
			zap.String("key", key),
		)
		return false
	}
}

// SubmitAfter queues the job once the delay elapses. The settle delay of
// the deferred semantic re-check comes through here; shutdown cancels
// timers still waiting.
func (p *Pool) SubmitAfter(delay time.Duration, name, key string, fn func(ctx context.Context)) {
	if delay <= 0 {
		p.Submit(name, key, fn)
		return
	}
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
		case <-timer.C:
			p.Submit(name, key, fn)
		}
	}()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.queue {
		p.execute(job)
		metrics.WorkerQueueDepth.Set(float64(len(p.queue)))
	}
}

// execute runs one job with panic recovery. Background work never
// propagates failure; it logs and moves on.
func (p *Pool) execute(job Job) {
	if job.Key != "" {
		p.mu.Lock()
		delete(p.pending, job.Name+":"+job.Key)
		p.mu.Unlock()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerJobsTotal.WithLabelValues(job.Name, "panic").Inc()
			p.logger.Error("job panicked",
				zap.String("job", job.Name),
				zap.String("key", job.Key),
				zap.Any("panic", r),
			)
		}
	}()

	job.Run(p.ctx)
	metrics.WorkerJobsTotal.WithLabelValues(job.Name, "ok").Inc()
	p.logger.Debug("job done",
		zap.String("job", job.Name),
		zap.Duration("queued_for", start.Sub(job.enqueued)),
		zap.Duration("took", time.Since(start)),
	)
}

// Shutdown stops intake and lets the workers drain what is queued. When
// the context deadline fires first, running jobs are cancelled through
// the pool context and the remaining queue is abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}
