// Package supervisor hosts named goroutines under a shared context with
// panic recovery and optional restart loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatdigest/pkg/logx"
)

// Supervisor manages goroutines tied to one context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	active   atomic.Int64
	started  atomic.Uint64
	errOnce  sync.Once
	firstErr atomic.Value

	mu    sync.Mutex
	stats map[string]*Stats
}

// Stats aggregates runs of goroutines sharing a name.
type Stats struct {
	Name      string
	Active    int64
	Started   uint64
	Panics    uint64
	Restarts  uint64
	LastStart time.Time
	LastErr   string
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the supervisor context on the first goroutine error.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), stats: map[string]*Stats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded goroutine error.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Active is the number of running goroutines.
func (s *Supervisor) Active() int64 { return s.active.Load() }

// Snapshot returns per-name stats, active first.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) note(name string, fn func(st *Stats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// runSafe runs fn, turning a panic into an error.
func (s *Supervisor) runSafe(name string, ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.note(name, func(st *Stats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Go runs fn once under the supervisor context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.goCtx(name, s.ctx, fn)
}

// GoCtx runs fn with ctx, which must be derived from Context(). Use it
// when the caller needs to cancel one goroutine on its own.
func (s *Supervisor) GoCtx(name string, ctx context.Context, fn func(ctx context.Context) error) {
	s.goCtx(name, ctx, fn)
}

func (s *Supervisor) goCtx(name string, ctx context.Context, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	s.note(name, func(st *Stats) { st.Active++; st.Started++; st.LastStart = time.Now() })
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		err := s.runSafe(name, ctx, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.setErr(err)
		} else {
			err = nil
		}
		s.note(name, func(st *Stats) {
			st.Active--
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()
}

type restartCfg struct {
	min, max    time.Duration
	maxRestarts int
}

type RestartOption func(*restartCfg)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts stops restarting after n failures; n <= 0 is unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it with exponential backoff when it fails
// or panics. A nil return or cancellation stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.min {
		cfg.max = cfg.min
	}
	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.min
		for restarts := 0; ; restarts++ {
			if restarts > 0 {
				s.note(name, func(st *Stats) { st.Restarts++ })
			}
			started := time.Now()
			err := s.runSafe(name, ctx, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.note(name, func(st *Stats) { st.LastErr = err.Error() })
			if cfg.maxRestarts > 0 && restarts+1 > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.min
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.max {
				backoff = cfg.max
			}
		}
	})
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}
