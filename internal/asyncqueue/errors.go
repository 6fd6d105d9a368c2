package asyncqueue

import (
	"errors"
	"fmt"
)

var (
	ErrNilOperation     = errors.New("asyncqueue: nil operation")
	ErrClosing          = errors.New("asyncqueue: queue closing")
	ErrClosed           = errors.New("asyncqueue: queue closed")
	ErrWorkerTerminated = errors.New("asyncqueue: worker terminated")
)

// PayloadPanicError records the panic that terminated the worker.
type PayloadPanicError struct {
	ID    uint64
	Value any
	Stack []byte
}

func (e *PayloadPanicError) Error() string {
	return fmt.Sprintf("asyncqueue: operation %d panicked: %v", e.ID, e.Value)
}

// Unwrap lets errors.Is(err, ErrWorkerTerminated) match.
func (e *PayloadPanicError) Unwrap() error { return ErrWorkerTerminated }
