// Package recurring re-submits jobs into an asyncqueue on cron or interval
// schedules.
//
// Each job keeps exactly one pending delayed operation on the queue. When it
// runs (on the queue's worker), the next trigger is computed and submitted.
// Removing a job cancels its pending operation.
package recurring
