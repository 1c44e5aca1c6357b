package engine

import (
	"context"
	"time"
)

// Config controls the render pool. Workers bounds how many PDF or
// workbook renders run at once across all jobs.
type Config struct {
	Enabled        bool
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Workers   int
	Queued    int
	InFlight  int
	Completed uint64
	Failed    uint64
	History   []HistoryItem
}
