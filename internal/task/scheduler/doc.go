// Package scheduler keeps the persisted digest/export jobs and one timer
// loop per enabled job.
//
// The registry is responsible for:
//   - validating and persisting job definitions
//   - keeping at most one live handle per job key
//   - computing next trigger times (interval or cron)
//   - running the job body outside the handle's lifetime
package scheduler
