package compensate

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType is the kind of step event recorded in a TxLog.
type EventType int

const (
	EventStarted EventType = iota
	EventSucceeded
	EventFailed
	EventUndoStarted
	EventUndoFinished
	EventUndoFailed
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventUndoStarted:
		return "undo_started"
	case EventUndoFinished:
		return "undo_finished"
	case EventUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one entry in a transaction's step log.
type Event struct {
	TransactionID string
	Step          string
	Type          EventType
	At            time.Time
	Err           error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Step, e.Type, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Step, e.Type)
}

// StepStatus is the state of a single step as derived from its events.
type StepStatus int

const (
	StepNeverStarted StepStatus = iota
	StepStarted
	StepSucceeded
	StepFailed
	StepUndoStarted
	StepUndoFinished
	StepUndoFailed
)

func (s StepStatus) String() string {
	switch s {
	case StepNeverStarted:
		return "never_started"
	case StepStarted:
		return "started"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	case StepUndoStarted:
		return "undo_started"
	case StepUndoFinished:
		return "undo_finished"
	case StepUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("StepStatus(%d)", int(s))
	}
}

// next returns the status reached by recording t on a step in status s.
// Only a succeeded step may start an undo, and each undo runs once.
func (s StepStatus) next(t EventType) (StepStatus, error) {
	switch s {
	case StepNeverStarted:
		if t == EventStarted {
			return StepStarted, nil
		}
	case StepStarted:
		switch t {
		case EventSucceeded:
			return StepSucceeded, nil
		case EventFailed:
			return StepFailed, nil
		}
	case StepSucceeded:
		if t == EventUndoStarted {
			return StepUndoStarted, nil
		}
	case StepUndoStarted:
		switch t {
		case EventUndoFinished:
			return StepUndoFinished, nil
		case EventUndoFailed:
			return StepUndoFailed, nil
		}
	}
	return s, fmt.Errorf("illegal event %s for step in status %s", t, s)
}

// TxLog is the append-only step log of one transaction.
type TxLog struct {
	mu        sync.Mutex
	txID      string
	unwinding bool
	events    []Event
	status    map[string]StepStatus
}

// NewTxLog creates an empty log for the transaction txID.
func NewTxLog(txID string) *TxLog {
	return &TxLog{
		txID:   txID,
		status: make(map[string]StepStatus),
	}
}

// Record appends an event after checking it is a legal transition for its step.
func (l *TxLog) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.TransactionID == "" {
		e.TransactionID = l.txID
	} else if e.TransactionID != l.txID {
		return fmt.Errorf("event for transaction %s recorded in log of %s", e.TransactionID, l.txID)
	}

	next, err := l.status[e.Step].next(e.Type)
	if err != nil {
		return fmt.Errorf("step %s: %w", e.Step, err)
	}

	switch next {
	case StepFailed, StepUndoStarted, StepUndoFinished, StepUndoFailed:
		l.unwinding = true
	}
	l.status[e.Step] = next
	l.events = append(l.events, e)
	return nil
}

// StepStatus returns the current status of the named step.
func (l *TxLog) StepStatus(step string) StepStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status[step]
}

// Unwinding reports whether any step has failed or begun compensation.
func (l *TxLog) Unwinding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unwinding
}

// Events returns a copy of the recorded events in order.
func (l *TxLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *TxLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("TRANSACTION LOG:\n")
	fmt.Fprintf(&sb, "transaction: %s\n", l.txID)
	direction := "forward"
	if l.unwinding {
		direction = "unwinding"
	}
	fmt.Fprintf(&sb, "direction:   %s\n", direction)
	fmt.Fprintf(&sb, "events (%d total):\n\n", len(l.events))
	for i, e := range l.events {
		fmt.Fprintf(&sb, "%03d %s\n", i+1, e)
	}
	return sb.String()
}
