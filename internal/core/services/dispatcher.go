package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/workspace"
)

const (
	scanInterval   = 5 * time.Second
	submittedBound = 1000
)

// Dispatcher periodically scans the ready tree and feeds the pool. The
// submitted set only spares the pool duplicate offers within one daemon
// incarnation; correctness rests entirely on the claim rename.
type Dispatcher struct {
	logger    *slog.Logger
	scanner   *workspace.Scanner
	pool      *Pool
	submitted map[domain.JobID]struct{}
}

func NewDispatcher(logger *slog.Logger, scanner *workspace.Scanner, pool *Pool) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		scanner:   scanner,
		pool:      pool,
		submitted: make(map[domain.JobID]struct{}),
	}
}

// Run scans until the context is cancelled. The first scan happens
// immediately; cancellation interrupts the wait between scans.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "interval", scanInterval)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	d.scan()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			d.scan()
		}
	}
}

func (d *Dispatcher) scan() {
	ready := d.scanner.Ready()
	d.prune(ready)

	dispatched := 0
	for _, id := range ready {
		if _, seen := d.submitted[id]; seen {
			continue
		}
		if d.pool.Submit(id) {
			d.submitted[id] = struct{}{}
			dispatched++
		}
	}
	if dispatched > 0 {
		d.logger.Debug("jobs dispatched", "count", dispatched, "ready", len(ready))
	}
}

// prune keeps the submitted set bounded by intersecting it with the jobs
// still visible in ready/. Ids that left the tree can never be re-offered,
// so forgetting them is safe.
func (d *Dispatcher) prune(ready []domain.JobID) {
	if len(d.submitted) <= submittedBound {
		return
	}
	current := make(map[domain.JobID]struct{}, len(ready))
	for _, id := range ready {
		current[id] = struct{}{}
	}
	for id := range d.submitted {
		if _, ok := current[id]; !ok {
			delete(d.submitted, id)
		}
	}
}
