// Package asyncqueue runs submitted operations on a single background worker,
// strictly one at a time, in due-time order.
//
// Operations are submitted for immediate (Enqueue) or delayed (EnqueueAfter)
// execution. Delayed submissions return a DelayedOperation that can cancel the
// operation while it is still pending. Cancellation is best-effort: once the
// worker has picked an operation up, Cancel reports false.
//
// Failure contract: operations are not isolated. A panicking operation
// terminates the worker; the queue then rejects further submissions with
// ErrWorkerTerminated and never runs its pending operations. Operations that
// must survive their own failures should recover and report on their own.
//
// Close stops the worker after the in-flight operation (if any) returns and
// discards every pending operation without running it.
package asyncqueue
