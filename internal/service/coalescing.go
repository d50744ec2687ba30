package service

import (
	"context"
	"sync"
	"time"
)

// inFlightRequest is one upstream fetch that several callers may wait on.
type inFlightRequest struct {
	done   chan struct{}
	result []byte
	err    error
}

// requestCoalescer collapses concurrent fetches for the same key into one.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of the in-flight fetch for key, starting fn if none
// is running. shared is true when the caller joined another caller's fetch.
//
// fn runs detached from the first caller's cancellation, bounded by the coalescer
// timeout, so one caller giving up does not fail everyone else waiting on the key.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (result []byte, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		rc.mu.Unlock()

		go func() {
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
			defer cancel()
			req.result, req.err = fn(fetchCtx)
			rc.cleanup(key)
			close(req.done)
		}()
	} else {
		rc.mu.Unlock()
	}

	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-ctx.Done():
		return nil, exists, ctx.Err()
	}
}

func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
