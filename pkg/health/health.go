// Package health serves liveness and readiness probes.
//
// Probes run in the background on a fixed interval. A probe flips to failing
// only after a run of consecutive errors and back to passing after a run of
// successes, so a single slow dependency call does not flap the endpoint.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// Kind selects the endpoint a probe reports on.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// CheckFunc reports a problem with a component, or nil.
type CheckFunc func(ctx context.Context) error

// Option tunes a single probe.
type Option func(*probe)

// WithThresholds sets how many consecutive failures mark a probe failing and
// how many consecutive successes mark it passing again. Defaults are 3 and 1.
func WithThresholds(failures, successes int) Option {
	return func(p *probe) {
		if failures > 0 {
			p.failAfter = failures
		}
		if successes > 0 {
			p.passAfter = successes
		}
	}
}

type probe struct {
	name      string
	kind      Kind
	timeout   time.Duration
	check     CheckFunc
	failAfter int
	passAfter int

	passing atomic.Bool
	lastErr atomic.Pointer[error]

	// Only touched by the probe's own goroutine.
	fails, passes int
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)
	if err != nil {
		p.passes = 0
		if p.fails++; p.fails >= p.failAfter {
			p.passing.Store(false)
		}
		return
	}
	p.fails = 0
	if p.passes++; p.passes >= p.passAfter {
		p.passing.Store(true)
	}
}

func (p *probe) failure() string {
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error()
	}
	return "failing"
}

// Checker owns a set of probes. It starts not ready; call SetReady once the
// process has finished starting up.
type Checker struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty Checker.
func New() *Checker {
	return &Checker{}
}

// Add registers a probe. Probes start as passing. Register everything before
// Start.
func (c *Checker) Add(kind Kind, name string, timeout time.Duration, check CheckFunc, opts ...Option) {
	p := &probe{
		name:      name,
		kind:      kind,
		timeout:   timeout,
		check:     check,
		failAfter: 3,
		passAfter: 1,
	}
	for _, o := range opts {
		o(p)
	}
	p.passing.Store(true)

	c.mu.Lock()
	c.probes = append(c.probes, p)
	c.mu.Unlock()
}

// Start runs every probe once immediately and then every interval until Stop
// or ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	probes := append([]*probe(nil), c.probes...)
	c.mu.Unlock()

	for _, p := range probes {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			loop(ctx, p, interval)
		}()
	}
}

func loop(ctx context.Context, p *probe, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.run(ctx)
		}
	}
}

// Stop halts the probes and waits for them to return. Safe to call twice.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// SetReady sets the manual readiness gate.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

// Ready reports whether the gate is open and every readiness probe passes.
func (c *Checker) Ready() bool {
	return c.ready.Load() && len(c.Failures(Readiness)) == 0
}

// Failures returns the failing probes of kind with their last error.
func (c *Checker) Failures(kind Kind) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range c.probes {
		if p.kind == kind && !p.passing.Load() {
			out[p.name] = p.failure()
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (c *Checker) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, c.Failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := c.Failures(Readiness)
	if !c.ready.Load() {
		failures["_readiness"] = "not ready"
	}
	writeStatus(w, failures)
}

// Register mounts /livez and /readyz on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/livez", c.LiveEndpoint)
	mux.HandleFunc("/readyz", c.ReadyEndpoint)
}

// writeStatus renders {"status":"ok"} or {"status":"unhealthy","checks":{...}}.
func writeStatus(w http.ResponseWriter, failures map[string]string) {
	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusServiceUnavailable
	}

	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) {
			if len(failures) == 0 {
				e.Str("ok")
				return
			}
			e.Str("unhealthy")
		})
		if len(failures) == 0 {
			return
		}
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) {
						e.Str(failures[name])
					})
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
