package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/internal/eventbus"
	"chatdigest/internal/runtime/supervisor"
	"chatdigest/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Registry struct {
	cfg   Config
	loc   *time.Location
	store JobStore
	body  Body
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	handles map[digest.JobKey]*handle

	kmu   sync.Mutex
	locks map[digest.JobKey]*sync.Mutex
}

type handle struct {
	key      digest.JobKey
	job      digest.Job
	spec     string
	sched    cron.Schedule
	cancel   context.CancelFunc
	armed    time.Time
	restored bool

	next    atomic.Int64
	running atomic.Bool
	runs    atomic.Uint64
	lastRun atomic.Int64
	lastErr atomic.Value
}

func New(cfg Config, store JobStore, body Body, log logx.Logger, bus eventbus.Bus) (*Registry, error) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:     cfg,
		loc:     loc,
		store:   store,
		body:    body,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		now:     time.Now,
		handles: map[digest.JobKey]*handle{},
		locks:   map[digest.JobKey]*sync.Mutex{},
	}, nil
}

// Start creates the root context that hosts handle loops and job bodies.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return
	}
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
}

// Stop cancels every handle and the root context, then waits.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	for k, h := range r.handles {
		h.cancel()
		delete(r.handles, k)
	}
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// lockKey serializes register, unregister and toggle for one key.
func (r *Registry) lockKey(k digest.JobKey) func() {
	r.kmu.Lock()
	m := r.locks[k]
	if m == nil {
		m = &sync.Mutex{}
		r.locks[k] = m
	}
	r.kmu.Unlock()
	m.Lock()
	return m.Unlock
}

// Register validates and persists job, then replaces any live handle for
// its key. Disabled jobs are persisted but not armed.
func (r *Registry) Register(ctx context.Context, job digest.Job) (digest.Job, error) {
	if err := job.Validate(r.cfg.MinInterval); err != nil {
		return job, err
	}
	sched, spec, err := scheduleFor(job, r.loc)
	if err != nil {
		return job, err
	}
	key := job.Key()
	unlock := r.lockKey(key)
	defer unlock()

	now := r.now()
	err = r.store.UpdateOwner(ctx, key.OwnerID, func(st *digest.OwnerState) error {
		if prev, ok := st.Jobs[key.ID()]; ok {
			job.CreatedAt = prev.CreatedAt
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		st.Jobs[key.ID()] = job
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("persist job %s: %w", key, err)
	}

	r.swap(job, sched, spec, false)
	eventbus.Publish(r.bus, eventbus.JobRegistered, JobEvent{Key: key.String(), Started: now})
	r.log.Info("job registered", logx.String("job", key.String()), logx.String("spec", spec), logx.Bool("enabled", job.Enabled))
	return job, nil
}

// Unregister removes the definition and cancels its handle. It reports
// whether a definition existed.
func (r *Registry) Unregister(ctx context.Context, key digest.JobKey) (bool, error) {
	unlock := r.lockKey(key)
	defer unlock()

	found := false
	err := r.store.UpdateOwner(ctx, key.OwnerID, func(st *digest.OwnerState) error {
		if _, ok := st.Jobs[key.ID()]; ok {
			delete(st.Jobs, key.ID())
			found = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", key, err)
	}
	r.disarm(key)
	if found {
		eventbus.Publish(r.bus, eventbus.JobUnregistered, JobEvent{Key: key.String(), Started: r.now()})
		r.log.Info("job unregistered", logx.String("job", key.String()))
	}
	return found, nil
}

// SetEnabled toggles the persisted flag and arms or cancels the handle.
func (r *Registry) SetEnabled(ctx context.Context, key digest.JobKey, enabled bool) (digest.Job, error) {
	unlock := r.lockKey(key)
	defer unlock()

	var job digest.Job
	err := r.store.UpdateOwner(ctx, key.OwnerID, func(st *digest.OwnerState) error {
		j, ok := st.Jobs[key.ID()]
		if !ok {
			return digest.Invalidf("no job %s", key.ID())
		}
		j.Enabled = enabled
		j.UpdatedAt = r.now()
		st.Jobs[key.ID()] = j
		job = j
		return nil
	})
	if err != nil {
		return job, err
	}
	if !enabled {
		r.disarm(key)
		return job, nil
	}
	sched, spec, err := scheduleFor(job, r.loc)
	if err != nil {
		return job, err
	}
	r.swap(job, sched, spec, false)
	return job, nil
}

// RunNow runs the job body once on the caller's context. Timers and the
// Enabled flag are untouched.
func (r *Registry) RunNow(ctx context.Context, key digest.JobKey) error {
	st, err := r.store.LoadOwner(ctx, key.OwnerID)
	if err != nil {
		return fmt.Errorf("load owner %d: %w", key.OwnerID, err)
	}
	job, ok := st.Jobs[key.ID()]
	if !ok {
		return digest.Invalidf("no job %s", key.ID())
	}
	return r.run(ctx, job, TriggerManual, nil)
}

// List returns every persisted job of owner, live or not.
func (r *Registry) List(ctx context.Context, owner int64) ([]digest.Job, error) {
	st, err := r.store.LoadOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load owner %d: %w", owner, err)
	}
	return st.SortedJobs(), nil
}

// Restore arms every enabled persisted job. Calling it again re-arms
// without duplicating handles.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	owners, err := r.store.Owners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list owners: %w", err)
	}
	armed := 0
	for _, owner := range owners {
		st, err := r.store.LoadOwner(ctx, owner)
		if err != nil {
			r.log.Warn("restore owner failed", logx.Int64("owner", owner), logx.Err(err))
			continue
		}
		for _, job := range st.SortedJobs() {
			if !job.Enabled {
				continue
			}
			sched, spec, err := scheduleFor(job, r.loc)
			if err != nil {
				r.log.Warn("restore job skipped", logx.String("job", job.Key().String()), logx.Err(err))
				continue
			}
			if job.Interval > 0 && r.cfg.StartupSpread > 0 {
				sched, _ = withSpread(sched, job.Interval, r.cfg.StartupSpread, r.now(), job.Key().String())
			}
			unlock := r.lockKey(job.Key())
			ok := r.swap(job, sched, spec, true)
			unlock()
			if ok {
				armed++
			}
		}
	}
	r.log.Info("jobs restored", logx.Int("owners", len(owners)), logx.Int("armed", armed))
	return armed, nil
}

// Handles lists live handles ordered by key.
func (r *Registry) Handles() []HandleInfo {
	r.mu.Lock()
	out := make([]HandleInfo, 0, len(r.handles))
	for _, h := range r.handles {
		info := HandleInfo{
			Key:      h.key,
			Spec:     h.spec,
			Running:  h.running.Load(),
			Runs:     h.runs.Load(),
			Armed:    h.armed,
			Restored: h.restored,
		}
		if n := h.next.Load(); n > 0 {
			info.Next = time.Unix(0, n)
		}
		if n := h.lastRun.Load(); n > 0 {
			info.LastRun = time.Unix(0, n)
		}
		if s, ok := h.lastErr.Load().(string); ok {
			info.LastErr = s
		}
		out = append(out, info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// swap cancels the live handle for job's key and, when the job is enabled,
// starts a new one. Callers hold the key lock.
func (r *Registry) swap(job digest.Job, sched cron.Schedule, spec string, restored bool) bool {
	key := job.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.handles[key]; old != nil {
		old.cancel()
		delete(r.handles, key)
	}
	if !job.Enabled {
		return false
	}
	if r.sup == nil {
		r.log.Debug("job persisted before start", logx.String("job", key.String()))
		return false
	}
	hctx, cancel := context.WithCancel(r.sup.Context())
	h := &handle{key: key, job: job, spec: spec, sched: sched, cancel: cancel, armed: r.now(), restored: restored}
	r.handles[key] = h
	r.sup.GoCtx("job:"+key.String(), hctx, func(ctx context.Context) error {
		r.loop(ctx, h)
		return nil
	})
	return true
}

func (r *Registry) disarm(key digest.JobKey) {
	r.mu.Lock()
	if h := r.handles[key]; h != nil {
		h.cancel()
		delete(r.handles, key)
	}
	r.mu.Unlock()
}

// loop waits for each tick and runs the body. Only cancellation ends it;
// a body already running finishes on the root context.
func (r *Registry) loop(ctx context.Context, h *handle) {
	for {
		next := h.sched.Next(r.now())
		h.next.Store(next.UnixNano())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		root := context.Background()
		if r.sup != nil {
			root = r.sup.Context()
		}
		r.mu.Unlock()
		_ = r.run(root, h.job, TriggerSchedule, h)
	}
}

// run executes the body with panic recovery and publishes lifecycle events.
func (r *Registry) run(ctx context.Context, job digest.Job, trigger string, h *handle) (err error) {
	key := job.Key().String()
	start := r.now()
	if h != nil {
		h.running.Store(true)
		h.lastRun.Store(start.UnixNano())
	}
	eventbus.Publish(r.bus, eventbus.JobStarted, JobEvent{Key: key, Trigger: trigger, Started: start})
	r.log.Debug("job run started", logx.String("job", key), logx.String("trigger", trigger))

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", logx.String("job", key), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("job %s panicked: %v", key, p)
		}
		ev := JobEvent{Key: key, Trigger: trigger, Started: start, Duration: time.Since(start)}
		if h != nil {
			h.running.Store(false)
			h.runs.Add(1)
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			h.lastErr.Store(msg)
		}
		if err != nil {
			ev.Error = err.Error()
			eventbus.Publish(r.bus, eventbus.JobFailed, ev)
			r.log.Warn("job run failed", logx.String("job", key), logx.String("trigger", trigger), logx.Duration("took", ev.Duration), logx.Err(err))
			return
		}
		eventbus.Publish(r.bus, eventbus.JobFinished, ev)
		r.log.Info("job run finished", logx.String("job", key), logx.String("trigger", trigger), logx.Duration("took", ev.Duration))
	}()
	return r.body(ctx, job)
}
