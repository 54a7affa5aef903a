package queue

import (
	"context"
	"sync"

	"noderun/internal/domain"
)

type Worker func(context.Context, domain.BuildRequest)

// Dispatcher runs builds one at a time. Requests that arrive while a build
// is pending are merged into it, so a burst of file events yields one build.
type Dispatcher struct {
	mu      sync.Mutex
	pending *domain.BuildRequest
	wake    chan struct{}
	worker  Worker
}

func NewDispatcher(worker Worker) *Dispatcher {
	return &Dispatcher{
		wake:   make(chan struct{}, 1),
		worker: worker,
	}
}

// Enqueue schedules a build. It never blocks.
func (d *Dispatcher) Enqueue(req domain.BuildRequest) {
	d.mu.Lock()
	if d.pending == nil {
		r := domain.BuildRequest{Reason: req.Reason}
		r.Paths = appendUnique(nil, req.Paths)
		d.pending = &r
	} else {
		d.pending.Reason = req.Reason
		d.pending.Paths = appendUnique(d.pending.Paths, req.Paths)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run consumes requests until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
			if req, ok := d.take(); ok {
				d.worker(ctx, req)
			}
		}
	}
}

func (d *Dispatcher) take() (domain.BuildRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return domain.BuildRequest{}, false
	}
	req := *d.pending
	d.pending = nil
	return req, true
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, p := range dst {
		seen[p] = struct{}{}
	}
	for _, p := range src {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		dst = append(dst, p)
	}
	return dst
}
