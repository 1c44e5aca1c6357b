package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// spreadSchedule delays the first tick of a restored interval job so jobs
// restored together do not all fire at once. Later ticks use base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
	used  atomic.Bool
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.used.Swap(true) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// withSpread wraps an interval schedule with a random first delay bounded
// by min(interval, max).
func withSpread(base cron.Schedule, interval, max time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	limit := interval
	if max < limit {
		limit = max
	}
	if limit <= 0 {
		return base, 0
	}
	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(tag))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(limit)))
	return &spreadSchedule{base: base, first: now.Add(interval + jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
