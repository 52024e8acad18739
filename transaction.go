package compensate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/matthew-bo/viz-sub000/dag"
	"github.com/matthew-bo/viz-sub000/set"
	"github.com/tidwall/btree"
	"gonum.org/v1/gonum/graph/encoding"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusPending Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction runs an ordered list of steps and, if one fails, compensates
// the steps that already completed in reverse order.
//
// Steps are appended while the transaction is pending, then Execute runs them
// exactly once. Both committed and rolled_back are terminal.
type Transaction struct {
	mu sync.Mutex

	id       string
	steps    []Step
	names    *set.Set[string]
	executed []string
	status   Status
	started  bool

	outputs *btree.Map[string, any]
	log     *TxLog
	logger  Logger
	clock   Clock
}

// TxOption configures a Transaction.
type TxOption func(*Transaction)

// WithTxLogger sets the logger for step events.
func WithTxLogger(l Logger) TxOption {
	return func(t *Transaction) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTxClock sets the clock used to timestamp step events.
func WithTxClock(c Clock) TxOption {
	return func(t *Transaction) {
		if c != nil {
			t.clock = c
		}
	}
}

// NewTransaction creates a pending transaction. An empty id is replaced by a random UUID.
func NewTransaction(id string, opts ...TxOption) *Transaction {
	if id == "" {
		id = uuid.NewString()
	}
	t := &Transaction{
		id:      id,
		names:   &set.Set[string]{},
		status:  StatusPending,
		outputs: btree.NewMap[string, any](10),
		log:     NewTxLog(id),
		logger:  NewNoOpLogger(),
		clock:   NewStandardClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transaction", id)
	return t
}

// ID returns the transaction id.
func (t *Transaction) ID() string {
	return t.id
}

// AddStep appends a step. It fails with *TransactionStateError once Execute
// has been called, and rejects empty or duplicate names and a nil Execute.
// A nil Rollback is treated as NoOpUndo.
func (t *Transaction) AddStep(s Step) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.status != StatusPending {
		return t.stateError("add step")
	}
	if s.Name == "" {
		return fmt.Errorf("%w: step name is required", ErrInvalidArgument)
	}
	if s.Execute == nil {
		return fmt.Errorf("%w: step %s has no execute function", ErrInvalidArgument, s.Name)
	}
	if t.names.Contains(s.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name)
	}
	if s.Rollback == nil {
		s.Rollback = NoOpUndo
	}

	t.names.Insert(s.Name)
	t.steps = append(t.steps, s)
	return nil
}

// Execute runs every step in order.
//
// If a step fails, the completed steps are rolled back in reverse completion
// order and the transaction ends rolled_back. Every completed step gets its
// rollback attempted even when an earlier rollback failed. If all rollbacks
// succeed the step's error is returned unchanged; otherwise a
// *CompensationFailure wrapping it is returned.
//
// Rollbacks run with a context that is not cancelled when ctx is, so a
// cancelled request still gets compensated.
func (t *Transaction) Execute(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.status != StatusPending {
		err := t.stateError("execute")
		t.mu.Unlock()
		return err
	}
	t.started = true
	steps := append([]Step(nil), t.steps...)
	t.mu.Unlock()

	t.logger.Infow("transaction started", "steps", len(steps))

	for _, s := range steps {
		if err := t.runStep(ctx, s); err != nil {
			return t.unwind(context.WithoutCancel(ctx), err)
		}
	}

	t.mu.Lock()
	t.status = StatusCommitted
	t.mu.Unlock()

	t.logger.Infow("transaction committed", "steps", len(steps))
	return nil
}

func (t *Transaction) runStep(ctx context.Context, s Step) error {
	t.record(s.Name, EventStarted, nil)
	t.logger.Debugw("step started", "step", s.Name)

	// A cancelled context fails the step before its forward action runs.
	var output any
	err := ctx.Err()
	if err == nil {
		output, err = t.callDo(ctx, s)
	}
	if err != nil {
		t.record(s.Name, EventFailed, err)
		t.logger.Warnw("step failed", "step", s.Name, "error", err)
		return err
	}

	t.mu.Lock()
	t.executed = append(t.executed, s.Name)
	if output != nil {
		t.outputs.Set(s.Name, output)
	}
	t.mu.Unlock()

	t.record(s.Name, EventSucceeded, nil)
	t.logger.Debugw("step succeeded", "step", s.Name)
	return nil
}

func (t *Transaction) unwind(ctx context.Context, original error) error {
	t.mu.Lock()
	executed := append([]string(nil), t.executed...)
	byName := make(map[string]Step, len(t.steps))
	for _, s := range t.steps {
		byName[s.Name] = s
	}
	t.mu.Unlock()

	t.logger.Warnw("unwinding transaction", "completed_steps", len(executed), "error", original)

	unwound := make([]string, 0, len(executed))
	var failures []*StepError
	for i := len(executed) - 1; i >= 0; i-- {
		name := executed[i]
		unwound = append(unwound, name)

		t.record(name, EventUndoStarted, nil)
		t.logger.Debugw("rollback started", "step", name)
		if err := t.callUndo(ctx, byName[name]); err != nil {
			t.record(name, EventUndoFailed, err)
			t.logger.Errorw("rollback failed", "step", name, "error", err)
			failures = append(failures, &StepError{Step: name, Err: err})
			continue
		}
		t.record(name, EventUndoFinished, nil)
		t.logger.Debugw("rollback finished", "step", name)
	}

	t.mu.Lock()
	t.status = StatusRolledBack
	t.mu.Unlock()

	if len(failures) == 0 {
		t.logger.Infow("transaction rolled back", "unwound", len(unwound))
		return original
	}

	t.logger.Errorw("transaction rolled back with compensation failures",
		"unwound", len(unwound), "rollback_failures", len(failures), "error", original)
	return &CompensationFailure{
		TransactionID:  t.id,
		Original:       original,
		Steps:          unwound,
		RollbackErrors: failures,
	}
}

func (t *Transaction) callDo(ctx context.Context, s Step) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &PanicError{Step: s.Name, Value: r}
		}
	}()
	return s.Execute(ctx, t.stepContext(s.Name))
}

func (t *Transaction) callUndo(ctx context.Context, s Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: s.Name, Value: r}
		}
	}()
	return s.Rollback(ctx, t.stepContext(s.Name))
}

// stepContext hands the step a snapshot of the outputs recorded so far.
func (t *Transaction) stepContext(name string) StepContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StepContext{TransactionID: t.id, StepName: name, outputs: t.outputs.Copy()}
}

func (t *Transaction) record(step string, typ EventType, err error) {
	e := Event{TransactionID: t.id, Step: step, Type: typ, At: t.clock.Now(), Err: err}
	if rerr := t.log.Record(e); rerr != nil {
		// Unreachable while Execute is the only writer.
		t.logger.Errorw("step log rejected event", "step", step, "event", typ, "error", rerr)
	}
}

// stateError must be called with t.mu held.
func (t *Transaction) stateError(op string) error {
	return &TransactionStateError{TransactionID: t.id, Op: op, Status: t.status, Started: t.started}
}

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExecutedStepNames returns the names of completed steps in completion order.
// The slice is a copy.
func (t *Transaction) ExecutedStepNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.executed...)
}

// Steps returns the registered step names in execution order.
func (t *Transaction) Steps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.steps))
	for i, s := range t.steps {
		names[i] = s.Name
	}
	return names
}

// Output returns the value recorded by a completed step.
func (t *Transaction) Output(step string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputs.Get(step)
}

// Events returns a copy of the step log.
func (t *Transaction) Events() []Event {
	return t.log.Events()
}

// Log returns the step log.
func (t *Transaction) Log() *TxLog {
	return t.log
}

// Graph returns the steps as a chain annotated with each step's status.
func (t *Transaction) Graph() (*dag.Graph, error) {
	names := t.Steps()
	g := dag.New(t.id)
	if err := g.SetAttribute(encoding.Attribute{Key: "label", Value: fmt.Sprintf("%s (%s)", t.id, t.Status())}); err != nil {
		return nil, err
	}

	var prev *dag.Node
	for _, name := range names {
		status := t.log.StepStatus(name)
		n, err := g.AddNamedNode(name,
			encoding.Attribute{Key: "label", Value: fmt.Sprintf("%s\\n%s", name, status)},
			encoding.Attribute{Key: "color", Value: statusColor(status)},
		)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := g.Connect(prev, n); err != nil {
				return nil, err
			}
		}
		prev = n
	}
	return g, nil
}

func statusColor(s StepStatus) string {
	switch s {
	case StepSucceeded:
		return "green"
	case StepFailed, StepUndoFailed:
		return "red"
	case StepUndoStarted, StepUndoFinished:
		return "orange"
	default:
		return "gray"
	}
}
