package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// flight is one refresh shared by every caller asking for the same entity
// and period. It runs on its own context, cancelled only when the last
// waiting caller gives up, so one caller's deadline never fails the others.
type flight struct {
	cancel  context.CancelFunc
	waiters int
	done    chan struct{}
	resp    *Response
	err     error
}

// flightGroup deduplicates concurrent refreshes by key.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

// do runs fn once per key among overlapping callers. shared reports whether
// the caller joined a refresh started by someone else. A caller whose ctx
// ends while others still wait returns ctx's error; the last one cancels
// the refresh and waits for the partial result.
func (g *flightGroup) do(ctx context.Context, key string, fn func(context.Context) (*Response, error)) (resp *Response, err error, shared bool) {
	g.mu.Lock()
	if g.flights == nil {
		g.flights = make(map[string]*flight)
	}
	f, shared := g.flights[key]
	if !shared {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{cancel: cancel, done: make(chan struct{})}
		g.flights[key] = f
		go g.run(fctx, key, f, fn)
	}
	f.waiters++
	g.mu.Unlock()

	select {
	case <-f.done:
		return f.resp, f.err, shared
	case <-ctx.Done():
	}

	g.mu.Lock()
	select {
	case <-f.done:
		g.mu.Unlock()
		return f.resp, f.err, shared
	default:
	}
	f.waiters--
	last := f.waiters == 0
	g.mu.Unlock()

	if !last {
		return nil, eris.Wrap(ctx.Err(), "pipeline: left shared acquisition"), shared
	}
	f.cancel()
	<-f.done
	return f.resp, f.err, shared
}

func (g *flightGroup) run(ctx context.Context, key string, f *flight, fn func(context.Context) (*Response, error)) {
	defer f.cancel()
	f.resp, f.err = fn(ctx)

	g.mu.Lock()
	delete(g.flights, key)
	close(f.done)
	g.mu.Unlock()
}
