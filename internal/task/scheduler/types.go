package scheduler

import (
	"context"
	"time"

	"chatdigest/internal/digest"
)

type Config struct {
	// MinInterval rejects interval jobs that would fire more often.
	MinInterval time.Duration
	// Timezone is an IANA name used for cron schedules; empty means local.
	Timezone string
	// StartupSpread caps the random delay added to the first tick of
	// restored interval jobs. 0 disables it.
	StartupSpread time.Duration
}

const DefaultMinInterval = time.Hour

// JobStore is the owner-scoped persistence the registry reads and mutates.
type JobStore interface {
	Owners(ctx context.Context) ([]int64, error)
	LoadOwner(ctx context.Context, owner int64) (digest.OwnerState, error)
	UpdateOwner(ctx context.Context, owner int64, fn func(st *digest.OwnerState) error) error
}

// Body executes one run of a job.
type Body func(ctx context.Context, job digest.Job) error

// HandleInfo describes a live handle.
type HandleInfo struct {
	Key      digest.JobKey
	Spec     string
	Next     time.Time
	Running  bool
	Runs     uint64
	LastRun  time.Time
	LastErr  string
	Armed    time.Time
	Restored bool
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	Key      string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Error    string
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)
