package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"chatdigest/internal/eventbus"
	"chatdigest/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stop <-chan struct{}, q <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case qt := <-q:
			s.inFlight.Add(1)
			err := s.execOne(ctx, qt)
			s.inFlight.Add(-1)
			qt.done <- err
		}
	}
}

func (s *Service) execOne(workerCtx context.Context, qt queuedTask) (err error) {
	start := time.Now()
	delay := start.Sub(qt.enqueuedAt)

	// Caller cancellation has already been reported to the caller by Do.
	if qt.ctx != nil && qt.ctx.Err() != nil {
		return qt.ctx.Err()
	}

	s.mu.Lock()
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()
	if qt.task.Timeout > 0 {
		timeout = qt.task.Timeout
	}
	parent := qt.ctx
	if parent == nil {
		parent = workerCtx
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	stopAfter := context.AfterFunc(workerCtx, cancel)
	defer stopAfter()

	eventbus.Publish(s.bus, eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay})
	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", delay))

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("task %s panicked: %v", qt.task.Name, p)
		}
		s.finish(qt, start, delay, err)
	}()
	return qt.task.Run(ctx)
}

func (s *Service) finish(qt queuedTask, start time.Time, delay time.Duration, err error) {
	dur := time.Since(start)
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		ev.Error = err.Error()
		eventbus.Publish(s.bus, eventbus.TaskFailed, ev)
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Duration("took", dur), logx.Err(err))
	} else {
		s.completed.Add(1)
		eventbus.Publish(s.bus, eventbus.TaskFinished, ev)
		s.log.Debug("task finished", logx.String("task", qt.task.Name), logx.Duration("took", dur))
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem(ev))
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
