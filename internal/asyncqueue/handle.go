package asyncqueue

// DelayedOperation is the cancellation handle returned by EnqueueAfter.
//
// It refers to its queue without extending what the queue does: once the
// queue is closed, Cancel is a no-op returning false. The zero value cancels
// nothing.
type DelayedOperation struct {
	q  *Queue
	id uint64
}

// Cancel removes the operation if it has not started yet and reports
// whether it did.
func (d DelayedOperation) Cancel() bool {
	if d.q == nil {
		return false
	}
	return d.q.TryCancel(d.id)
}

// ID returns the operation id; 0 for the zero handle.
func (d DelayedOperation) ID() uint64 { return d.id }

// Status reports the operation's current status.
func (d DelayedOperation) Status() Status {
	if d.q == nil {
		return StatusUnknown
	}
	return d.q.Status(d.id)
}

func (d DelayedOperation) IsZero() bool { return d.q == nil && d.id == 0 }
