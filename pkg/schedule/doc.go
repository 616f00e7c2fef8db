// Package schedule provides recurring schedules and a runner for periodic
// maintenance tasks such as the job retention sweep.
//
// This package includes:
//   - Schedule interface for defining when a task runs next
//   - Every() for fixed-interval schedules
//   - Parse() for cron expressions and descriptors like "@every 1h"
//   - Run() for invoking a function on a schedule until cancelled
package schedule
