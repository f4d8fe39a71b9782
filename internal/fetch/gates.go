package fetch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// hostGates caps in-flight requests per origin host. Gates are created
// lazily on first use; the map only ever grows, one entry per distinct
// host, which stays small for realistic feed sets.
type hostGates struct {
	mu    sync.Mutex
	limit int64
	gates map[string]*semaphore.Weighted
}

func newHostGates(limit int64) *hostGates {
	if limit < 1 {
		limit = 1
	}
	return &hostGates{
		limit: limit,
		gates: make(map[string]*semaphore.Weighted),
	}
}

func (h *hostGates) gate(host string) *semaphore.Weighted {
	h.mu.Lock()
	sem, ok := h.gates[host]
	if !ok {
		sem = semaphore.NewWeighted(h.limit)
		h.gates[host] = sem
	}
	h.mu.Unlock()
	return sem
}

// Acquire blocks until the host has a free slot or ctx is done.
func (h *hostGates) Acquire(ctx context.Context, host string) error {
	return h.gate(host).Acquire(ctx, 1)
}

func (h *hostGates) Release(host string) {
	h.gate(host).Release(1)
}
