package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
)

// inFlightFetch is a single upstream fetch that several callers may wait on.
type inFlightFetch struct {
	done   chan struct{}
	result models.Forecast
	err    error
}

// requestCoalescer collapses concurrent fetches for the same key into one
// upstream call.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight fetch for key or starts one with fn. shared is
// true when the caller joined a fetch started by someone else.
//
// fn runs on a context detached from the caller's cancellation (values such as
// the correlation ID are kept) and bounded by the coalescer timeout, so one
// caller giving up does not fail the others.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.Forecast, error)) (result models.Forecast, shared bool, err error) {
	rc.mu.Lock()
	f, exists := rc.inFlight[key]
	if !exists {
		f = &inFlightFetch{done: make(chan struct{})}
		rc.inFlight[key] = f
	}
	rc.mu.Unlock()

	if !exists {
		go rc.run(ctx, key, f, fn)
	}

	select {
	case <-f.done:
		return f.result, exists, f.err
	case <-ctx.Done():
		return models.Forecast{}, exists, ctx.Err()
	}
}

func (rc *requestCoalescer) run(ctx context.Context, key string, f *inFlightFetch, fn func(context.Context) (models.Forecast, error)) {
	fnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
	defer cancel()

	f.result, f.err = fn(fnCtx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(f.done)
}
