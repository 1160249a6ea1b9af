package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"conveyor/internal/logging"
)

var (
	// ErrPoolSaturated is returned by Submit when every slot is busy.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Size     int            `json:"size"`
	Active   int            `json:"active"`
	Rejected int            `json:"rejected"`
	Outcomes map[string]int `json:"outcomes"`
}

// Pool runs worker invocations with bounded concurrency. Every invocation's
// Result is delivered on Results; callers must drain it.
type Pool struct {
	worker  *Worker
	ctx     context.Context
	size    int
	group   errgroup.Group
	results chan Result
	logger  *slog.Logger

	mu       sync.RWMutex
	closed   bool
	active   atomic.Int64
	rejected atomic.Int64

	statsMu  sync.Mutex
	outcomes map[Outcome]int
}

// NewPool creates a pool of at most size concurrent invocations bound to ctx.
func NewPool(ctx context.Context, w *Worker, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pool{
		worker:   w,
		ctx:      ctx,
		size:     size,
		results:  make(chan Result, size),
		logger:   logger,
		outcomes: make(map[Outcome]int),
	}
	p.group.SetLimit(size)
	return p
}

// Submit starts one invocation for stageName if a slot is free.
func (p *Pool) Submit(stageName string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	ok := p.group.TryGo(func() error {
		p.active.Add(1)
		defer p.active.Add(-1)

		res, err := p.worker.RunOnce(p.ctx, stageName)
		if err != nil {
			res.Err = err
			res.Outcome = OutcomeError
		}
		p.record(res.Outcome)
		select {
		case p.results <- res:
		case <-p.ctx.Done():
		}
		return nil
	})
	if !ok {
		p.rejected.Add(1)
		return fmt.Errorf("%w: %d of %d slots busy (stage %s)", ErrPoolSaturated, p.active.Load(), p.size, stageName)
	}
	return nil
}

// Results delivers one Result per finished invocation. It is closed by Close.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting work, waits for running invocations, and closes
// Results.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.group.Wait()
	close(p.results)
}

// Stats reports pool occupancy and outcome counts since creation.
func (p *Pool) Stats() PoolStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	outcomes := make(map[string]int, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[string(k)] = v
	}
	return PoolStats{
		Size:     p.size,
		Active:   int(p.active.Load()),
		Rejected: int(p.rejected.Load()),
		Outcomes: outcomes,
	}
}

func (p *Pool) record(outcome Outcome) {
	p.statsMu.Lock()
	p.outcomes[outcome]++
	p.statsMu.Unlock()
}
