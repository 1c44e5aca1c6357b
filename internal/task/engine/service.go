// Package engine runs render tasks on a bounded worker pool.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatdigest/internal/eventbus"
	"chatdigest/internal/runtime/supervisor"
	"chatdigest/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	stopCh chan struct{}
	sup    *supervisor.Supervisor
	// sendMu is held shared while Submit sends on q and exclusively while
	// Stop drains it, so no task lands in q after the drain.
	sendMu sync.RWMutex

	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	idSeq     atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedTask struct {
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan error
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "engine")),
		bus: bus,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		q, stop := s.q, s.stopCh
		s.sup.GoRestart(fmt.Sprintf("engine.worker.%d", idx), func(ctx context.Context) error {
			s.worker(ctx, stop, q)
			return nil
		}, supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}
	s.log.Info("render pool started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop halts the workers and fails whatever is still queued with ErrStopped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop, sup, q := s.stopCh, s.sup, s.q
	s.stopCh, s.sup, s.q = nil, nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	err := sup.Stop(ctx)
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case qt := <-q:
			qt.done <- ErrStopped
		default:
			s.log.Info("render pool stopped")
			return err
		}
	}
}

// Submit enqueues t and returns a channel that receives its result. It
// blocks while the queue is full.
func (s *Service) Submit(ctx context.Context, t Task) (<-chan error, error) {
	if t.Run == nil {
		return nil, ErrNilTask
	}
	s.mu.Lock()
	enabled, q, stop := s.cfg.Enabled, s.q, s.stopCh
	s.mu.Unlock()
	if !enabled {
		return nil, ErrDisabled
	}
	if stop == nil {
		return nil, ErrStopped
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("t%d", s.idSeq.Add(1))
	}
	qt := queuedTask{task: t, ctx: ctx, enqueuedAt: time.Now(), done: make(chan error, 1)}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-stop:
		return nil, ErrStopped
	default:
	}
	select {
	case q <- qt:
		return qt.done, nil
	case <-stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn on the pool and waits for it. A disabled pool runs fn on the
// caller's goroutine.
func (s *Service) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done, err := s.Submit(ctx, Task{Name: name, Run: fn})
	if err == ErrDisabled {
		return fn(ctx)
	}
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.stopCh != nil, Workers: s.cfg.Workers}
	if s.q != nil {
		snap.Queued = len(s.q)
	}
	s.mu.Unlock()
	snap.InFlight = int(s.inFlight.Load())
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
