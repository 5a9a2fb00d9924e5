package signing

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Pool runs submission jobs on a fixed number of workers. Each wallet has
// its own bounded lane drained by a single goroutine, so one wallet's jobs
// run strictly in order while different wallets share the worker budget.
type Pool struct {
	queueSize int
	slots     chan struct{}

	mu     sync.Mutex
	lanes  map[string]chan func()
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a Pool with the given worker count and per-lane queue
// size.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		queueSize: queueSize,
		slots:     make(chan struct{}, workers),
		lanes:     make(map[string]chan func()),
	}
}

// Enqueue schedules job on wallet's lane without blocking. It returns
// domain.ErrOverloaded when the lane is full and domain.ErrIllegalState
// once the pool is closed.
func (p *Pool) Enqueue(wallet string, job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("signing: pool: %w: closed", domain.ErrIllegalState)
	}
	lane, ok := p.lanes[wallet]
	if !ok {
		lane = make(chan func(), p.queueSize)
		p.lanes[wallet] = lane
		p.wg.Add(1)
		go p.drain(lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("signing: pool: wallet %s: %w", wallet, domain.ErrOverloaded)
	}
}

func (p *Pool) drain(lane <-chan func()) {
	defer p.wg.Done()
	for job := range lane {
		p.slots <- struct{}{}
		job()
		<-p.slots
	}
}

// Close stops accepting jobs and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
