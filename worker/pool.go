package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Benjamindaoson/agentic-delivery-os-sub002/queue"
)

// Pool runs N independent Worker loops sharing one queue and one handler.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool creates a pool of n workers. Options apply to every member.
func NewPool(n int, q *queue.Queue, handler Handler, logger *slog.Logger, opts ...WorkerOption) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{logger: logger}
	for range n {
		p.workers = append(p.workers, New(q, handler, logger, opts...))
	}
	return p
}

// Workers returns the pool members.
func (p *Pool) Workers() []*Worker { return p.workers }

// Start launches all worker loops. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, gCtx := errgroup.WithContext(runCtx)
	p.group = g

	p.logger.Info("worker pool starting", slog.Int("workers", len(p.workers)))

	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gCtx) })
	}
	return nil
}

// Stop cancels all worker loops and waits for them to exit. In-flight task
// executions observe cancellation through their own contexts.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, group := p.cancel, p.group
	p.mu.Unlock()

	cancel()
	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.logger.Info("worker pool stopped")
	return nil
}

// Wait blocks until every worker loop has exited on its own, e.g. with
// shutdown-on-empty workers draining a fixed backlog.
func (p *Pool) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stats aggregates member counters on demand; nothing is cached.
func (p *Pool) Stats() Stats {
	var total Stats
	for _, w := range p.workers {
		s := w.Stats()
		total.Processed += s.Processed
		total.Succeeded += s.Succeeded
		total.Failed += s.Failed
		total.TimedOut += s.TimedOut
		total.Panicked += s.Panicked
	}
	return total
}
