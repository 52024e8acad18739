package compensate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockConflict indicates an attempt to acquire a resource that already has a live lock.
	ErrLockConflict = errors.New("compensate: resource is already locked")

	// ErrInvalidState indicates an operation on a transaction that is no longer pending.
	ErrInvalidState = errors.New("compensate: invalid transaction state")

	// ErrDuplicateStep indicates a step name was registered twice on one transaction.
	ErrDuplicateStep = errors.New("compensate: duplicate step name")

	// ErrInvalidArgument indicates an empty identifier, a missing function or a non-positive timeout.
	ErrInvalidArgument = errors.New("compensate: invalid argument")
)

// LockConflictError is returned by Acquire and WithLock when the resource is held.
// Holder is a copy of the lock that blocked the request.
type LockConflictError struct {
	ResourceID string
	Holder     Lock
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("resource %q is locked by %q (acquired %s, expires %s)",
		e.ResourceID, e.Holder.OwnerID,
		e.Holder.AcquiredAt.Format("15:04:05.000"), e.Holder.ExpiresAt.Format("15:04:05.000"))
}

// Is reports whether target is ErrLockConflict.
func (e *LockConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// TransactionStateError is returned when AddStep or Execute is called on a
// transaction that has already started or finished. The transaction is left unchanged.
type TransactionStateError struct {
	TransactionID string
	Op            string
	Status        Status
	Started       bool
}

func (e *TransactionStateError) Error() string {
	if e.Started && e.Status == StatusPending {
		return fmt.Sprintf("transaction %s: cannot %s: execution already started", e.TransactionID, e.Op)
	}
	return fmt.Sprintf("transaction %s: cannot %s in status %s", e.TransactionID, e.Op, e.Status)
}

// Is reports whether target is ErrInvalidState.
func (e *TransactionStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// StepError ties an error to the step that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking step function.
type PanicError struct {
	Step  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.Step, e.Value)
}

// CompensationFailure is returned by Execute when one or more rollbacks failed
// while unwinding. Original is the forward error that started the unwind and
// Steps lists the step names that were being unwound, in unwind order.
//
// External state may be inconsistent once this is returned.
type CompensationFailure struct {
	TransactionID  string
	Original       error
	Steps          []string
	RollbackErrors []*StepError
}

func (e *CompensationFailure) Error() string {
	failed := make([]string, len(e.RollbackErrors))
	for i, se := range e.RollbackErrors {
		failed[i] = se.Step
	}
	return fmt.Sprintf("transaction %s: %d rollback(s) failed [%s] while unwinding [%s]: original error: %v",
		e.TransactionID, len(e.RollbackErrors), strings.Join(failed, ", "),
		strings.Join(e.Steps, ", "), e.Original)
}

// Unwrap returns the forward error that triggered the unwind.
func (e *CompensationFailure) Unwrap() error {
	return e.Original
}

// Failures returns the number of rollbacks that failed.
func (e *CompensationFailure) Failures() int {
	return len(e.RollbackErrors)
}
