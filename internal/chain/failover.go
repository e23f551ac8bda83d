package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Endpoints rotates between RPC base URLs after failThreshold consecutive
// failures on the current one.
type Endpoints struct {
	urls          []string
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewEndpoints(urls []string, failThreshold int) (*Endpoints, error) {
	list := sanitizeEndpoints(urls)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &Endpoints{urls: list, failThreshold: failThreshold}, nil
}

func (e *Endpoints) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urls[e.index]
}

func (e *Endpoints) Len() int { return len(e.urls) }

// Do runs fn against the current endpoint. When a failure triggers a
// rotation, fn is retried on the next endpoint, at most once per endpoint.
func (e *Endpoints) Do(ctx context.Context, fn func(baseURL string) error) error {
	var lastErr error
	for attempts := 0; attempts < len(e.urls); attempts++ {
		url, idx := e.current()
		err := fn(url)
		if err == nil {
			e.resetFailures(idx)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if !e.noteFailure(idx) {
			break
		}
	}
	return lastErr
}

func (e *Endpoints) current() (string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urls[e.index], e.index
}

func (e *Endpoints) resetFailures(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == idx {
		e.failCount = 0
	}
}

// noteFailure reports whether the failure rotated to another endpoint.
func (e *Endpoints) noteFailure(idx int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index != idx {
		// another caller already rotated away
		return true
	}
	e.failCount++
	if e.failCount < e.failThreshold || len(e.urls) == 1 {
		return false
	}
	e.index = (e.index + 1) % len(e.urls)
	e.failCount = 0
	return true
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
