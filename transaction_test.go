package compensate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callTracker records the order in which step functions run.
type callTracker struct {
	calls []string
}

func (c *callTracker) step(name string, doErr, undoErr error) Step {
	return NewStep(name,
		func(ctx context.Context) error {
			c.calls = append(c.calls, "do:"+name)
			return doErr
		},
		func(ctx context.Context) error {
			c.calls = append(c.calls, "undo:"+name)
			return undoErr
		},
	)
}

func newTestTransaction(t *testing.T, steps ...Step) *Transaction {
	t.Helper()
	tx := NewTransaction("tx-test", WithTxClock(newMockClock()))
	for _, s := range steps {
		require.NoError(t, tx.AddStep(s))
	}
	return tx
}

func TestTransaction_Commit(t *testing.T) {
	tr := &callTracker{}
	tx := newTestTransaction(t, tr.step("s1", nil, nil), tr.step("s2", nil, nil), tr.step("s3", nil, nil))

	assert.Equal(t, StatusPending, tx.Status())
	require.NoError(t, tx.Execute(context.Background()))

	assert.Equal(t, StatusCommitted, tx.Status())
	assert.Equal(t, "committed", tx.Status().String())
	assert.Equal(t, []string{"s1", "s2", "s3"}, tx.ExecutedStepNames())
	assert.Equal(t, []string{"do:s1", "do:s2", "do:s3"}, tr.calls)
}

func TestTransaction_FailureUnwindsCompletedStepsOnly(t *testing.T) {
	tr := &callTracker{}
	errE := errors.New("E")
	tx := newTestTransaction(t, tr.step("s1", nil, nil), tr.step("s2", errE, nil), tr.step("s3", nil, nil))

	err := tx.Execute(context.Background())

	// Exactly the original error, not a wrapper.
	assert.Same(t, errE, err)
	assert.Equal(t, StatusRolledBack, tx.Status())
	assert.Equal(t, "rolled_back", tx.Status().String())
	assert.Equal(t, []string{"s1"}, tx.ExecutedStepNames())
	assert.Equal(t, []string{"do:s1", "do:s2", "undo:s1"}, tr.calls)
}

func TestTransaction_UnwindsInReverseOrder(t *testing.T) {
	tr := &callTracker{}
	tx := newTestTransaction(t,
		tr.step("a", nil, nil), tr.step("b", nil, nil), tr.step("c", nil, nil),
		tr.step("d", errors.New("d failed"), nil))

	require.Error(t, tx.Execute(context.Background()))
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "do:d", "undo:c", "undo:b", "undo:a"}, tr.calls)
}

func TestTransaction_FirstStepFailureHasNothingToUnwind(t *testing.T) {
	tr := &callTracker{}
	errE := errors.New("E")
	tx := newTestTransaction(t, tr.step("s1", errE, nil), tr.step("s2", nil, nil))

	assert.Same(t, errE, tx.Execute(context.Background()))
	assert.Equal(t, StatusRolledBack, tx.Status())
	assert.Empty(t, tx.ExecutedStepNames())
	assert.Equal(t, []string{"do:s1"}, tr.calls)
}

func TestTransaction_RollbackFailureReturnsCompensationFailure(t *testing.T) {
	tr := &callTracker{}
	errE := errors.New("E")
	errR := errors.New("R")
	tx := newTestTransaction(t, tr.step("s1", nil, errR), tr.step("s2", errE, nil), tr.step("s3", nil, nil))

	err := tx.Execute(context.Background())
	require.Error(t, err)

	var cf *CompensationFailure
	require.ErrorAs(t, err, &cf)
	assert.Same(t, errE, cf.Original)
	assert.Equal(t, []string{"s1"}, cf.Steps)
	assert.Equal(t, 1, cf.Failures())
	assert.Equal(t, "tx-test", cf.TransactionID)
	assert.NotSame(t, errR, err)
	assert.ErrorIs(t, err, errE)
	assert.Same(t, errR, cf.RollbackErrors[0].Err)
	assert.Equal(t, StatusRolledBack, tx.Status())
}

func TestTransaction_EveryRollbackAttemptedDespiteFailures(t *testing.T) {
	tr := &callTracker{}
	tx := newTestTransaction(t,
		tr.step("a", nil, errors.New("undo a")),
		tr.step("b", nil, nil),
		tr.step("c", nil, errors.New("undo c")),
		tr.step("d", errors.New("d failed"), nil))

	err := tx.Execute(context.Background())

	var cf *CompensationFailure
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, []string{"c", "b", "a"}, cf.Steps)
	assert.Equal(t, 2, cf.Failures())
	assert.Equal(t, "c", cf.RollbackErrors[0].Step)
	assert.Equal(t, "a", cf.RollbackErrors[1].Step)
	assert.Equal(t, []string{"do:a", "do:b", "do:c", "do:d", "undo:c", "undo:b", "undo:a"}, tr.calls)
	assert.Contains(t, err.Error(), "2 rollback(s) failed")
	assert.Contains(t, err.Error(), "d failed")
}

func TestTransaction_ExecutedStepNamesIsCopy(t *testing.T) {
	tr := &callTracker{}
	tx := newTestTransaction(t, tr.step("s1", nil, nil), tr.step("s2", nil, nil))
	require.NoError(t, tx.Execute(context.Background()))

	names := tx.ExecutedStepNames()
	names[0] = "mutated"

	assert.Equal(t, []string{"s1", "s2"}, tx.ExecutedStepNames())
}

func TestTransaction_TerminalStatesRejectChanges(t *testing.T) {
	committed := newTestTransaction(t, NewStep("s1", func(context.Context) error { return nil }, nil))
	require.NoError(t, committed.Execute(context.Background()))

	rolledBack := newTestTransaction(t, NewStep("s1", func(context.Context) error { return errors.New("no") }, nil))
	require.Error(t, rolledBack.Execute(context.Background()))

	for _, tx := range []*Transaction{committed, rolledBack} {
		t.Run(tx.Status().String(), func(t *testing.T) {
			before := tx.ExecutedStepNames()
			status := tx.Status()

			err := tx.AddStep(NewStep("late", func(context.Context) error { return nil }, nil))
			assert.ErrorIs(t, err, ErrInvalidState)
			var se *TransactionStateError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "add step", se.Op)
			assert.Equal(t, status, se.Status)

			err = tx.Execute(context.Background())
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Contains(t, err.Error(), status.String())

			assert.Equal(t, []string{"s1"}, tx.Steps())
			assert.Equal(t, before, tx.ExecutedStepNames())
			assert.Equal(t, status, tx.Status())
		})
	}
}

func TestTransaction_AddStepDuringExecution(t *testing.T) {
	tx := NewTransaction("tx-running")
	var addErr, execErr error
	require.NoError(t, tx.AddStep(NewStep("s1", func(ctx context.Context) error {
		addErr = tx.AddStep(NewStep("s2", func(context.Context) error { return nil }, nil))
		execErr = tx.Execute(ctx)
		return nil
	}, nil)))

	require.NoError(t, tx.Execute(context.Background()))
	assert.ErrorIs(t, addErr, ErrInvalidState)
	assert.ErrorIs(t, execErr, ErrInvalidState)
	assert.Contains(t, addErr.Error(), "already started")
	assert.Equal(t, []string{"s1"}, tx.Steps())
}

func TestTransaction_AddStepValidation(t *testing.T) {
	tx := NewTransaction("tx-validate")

	assert.ErrorIs(t, tx.AddStep(Step{Execute: func(context.Context, StepContext) (any, error) { return nil, nil }}), ErrInvalidArgument)
	assert.ErrorIs(t, tx.AddStep(Step{Name: "no-exec"}), ErrInvalidArgument)
	assert.ErrorIs(t, tx.AddStep(NewStep("nil-do", nil, nil)), ErrInvalidArgument)

	require.NoError(t, tx.AddStep(NewStep("s1", func(context.Context) error { return nil }, nil)))
	assert.ErrorIs(t, tx.AddStep(NewStep("s1", func(context.Context) error { return nil }, nil)), ErrDuplicateStep)

	// A nil Rollback is tolerated.
	require.NoError(t, tx.AddStep(Step{Name: "s2", Execute: func(context.Context, StepContext) (any, error) {
		return nil, errors.New("fail")
	}}))
	assert.EqualError(t, tx.Execute(context.Background()), "fail")
	assert.Equal(t, []string{"s1", "s2"}, tx.Steps())
}

func TestTransaction_GeneratedID(t *testing.T) {
	a := NewTransaction("")
	b := NewTransaction("")
	assert.Len(t, a.ID(), 36)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "given", NewTransaction("given").ID())
}

func TestTransaction_OutputsVisibleToLaterStepsAndRollbacks(t *testing.T) {
	type reservation struct{ ID string }

	var seenByUndo string
	tx := newTestTransaction(t,
		Step{
			Name: "reserve",
			Execute: func(ctx context.Context, sc StepContext) (any, error) {
				assert.Equal(t, "tx-test", sc.TransactionID)
				assert.Equal(t, "reserve", sc.StepName)
				return reservation{ID: "r-1"}, nil
			},
			Rollback: func(ctx context.Context, sc StepContext) error {
				r, err := MustLookup[reservation](sc, "reserve")
				seenByUndo = r.ID
				return err
			},
		},
		Step{
			Name: "charge",
			Execute: func(ctx context.Context, sc StepContext) (any, error) {
				r, ok := LookupTyped[reservation](sc, "reserve")
				require.True(t, ok)
				assert.Equal(t, "r-1", r.ID)

				_, ok = LookupTyped[string](sc, "reserve")
				assert.False(t, ok)
				_, ok = sc.Lookup("charge")
				assert.False(t, ok)
				return nil, errors.New("card declined")
			},
		},
	)

	require.EqualError(t, tx.Execute(context.Background()), "card declined")
	assert.Equal(t, "r-1", seenByUndo)

	out, ok := tx.Output("reserve")
	require.True(t, ok)
	assert.Equal(t, reservation{ID: "r-1"}, out)

	_, err := MustLookup[int](StepContext{}, "missing")
	assert.Error(t, err)
}

func TestTransaction_PanicsAreConvertedAndUnwound(t *testing.T) {
	tr := &callTracker{}
	tx := newTestTransaction(t,
		tr.step("s1", nil, nil),
		Step{Name: "s2", Execute: func(context.Context, StepContext) (any, error) { panic("bad state") }},
	)

	err := tx.Execute(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "s2", pe.Step)
	assert.Equal(t, "bad state", pe.Value)
	assert.Equal(t, []string{"do:s1", "undo:s1"}, tr.calls)
	assert.Equal(t, StatusRolledBack, tx.Status())
}

func TestTransaction_PanickingRollbackIsCollected(t *testing.T) {
	tx := newTestTransaction(t,
		Step{
			Name:     "s1",
			Execute:  func(context.Context, StepContext) (any, error) { return nil, nil },
			Rollback: func(context.Context, StepContext) error { panic("undo exploded") },
		},
		NewStep("s2", func(context.Context) error { return errors.New("E") }, nil),
	)

	err := tx.Execute(context.Background())
	var cf *CompensationFailure
	require.ErrorAs(t, err, &cf)
	var pe *PanicError
	require.ErrorAs(t, cf.RollbackErrors[0], &pe)
	assert.Equal(t, "undo exploded", pe.Value)
}

func TestTransaction_CancelledContextUnwindsWithLiveContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var undoCtxErr error
	undone := false
	tx := newTestTransaction(t,
		NewStep("s1",
			func(context.Context) error { cancel(); return nil },
			func(ctx context.Context) error { undone = true; undoCtxErr = ctx.Err(); return nil },
		),
		NewStep("s2", func(context.Context) error {
			t.Fatal("s2 must not run after cancellation")
			return nil
		}, nil),
	)

	err := tx.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, undone)
	assert.NoError(t, undoCtxErr)
	assert.Equal(t, []string{"s1"}, tx.ExecutedStepNames())

	events := tx.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "s2", events[2].Step)
	assert.Equal(t, EventFailed, events[3].Type)
}

func TestTransaction_EventsAndGraph(t *testing.T) {
	tr := &callTracker{}
	tx := newTestTransaction(t, tr.step("escrow", nil, nil), tr.step("pay", errors.New("insufficient funds"), nil), tr.step("deliver", nil, nil))
	require.Error(t, tx.Execute(context.Background()))

	var got []string
	for _, e := range tx.Events() {
		got = append(got, e.Step+":"+e.Type.String())
		assert.Equal(t, "tx-test", e.TransactionID)
	}
	assert.Equal(t, []string{
		"escrow:started", "escrow:succeeded",
		"pay:started", "pay:failed",
		"escrow:undo_started", "escrow:undo_finished",
	}, got)
	assert.True(t, tx.Log().Unwinding())
	assert.Contains(t, tx.Log().String(), "pay failed: insufficient funds")

	g, err := tx.Graph()
	require.NoError(t, err)
	assert.Equal(t, 3, g.Nodes().Len())

	escrow, ok := g.NodeByID("escrow")
	require.True(t, ok)
	assert.Equal(t, "orange", escrow.Attribute("color"))
	pay, ok := g.NodeByID("pay")
	require.True(t, ok)
	assert.Equal(t, "red", pay.Attribute("color"))
	deliver, ok := g.NodeByID("deliver")
	require.True(t, ok)
	assert.Equal(t, "gray", deliver.Attribute("color"))
	assert.True(t, g.HasEdgeFromTo(escrow.ID(), pay.ID()))
	assert.True(t, g.HasEdgeFromTo(pay.ID(), deliver.ID()))

	out, err := g.ExportToDot()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "strict digraph") || strings.HasPrefix(out, "digraph"))
	assert.Contains(t, out, "escrow")
}

func TestTransaction_LogsStepsAndRollbacks(t *testing.T) {
	rec := &recordingLogger{}
	tx := NewTransaction("tx-log", WithTxLogger(rec))
	require.NoError(t, tx.AddStep(NewStep("s1", func(context.Context) error { return nil }, nil)))
	require.NoError(t, tx.AddStep(NewStep("s2", func(context.Context) error { return errors.New("E") }, nil)))
	require.Error(t, tx.Execute(context.Background()))

	assert.Equal(t, []string{
		"transaction started",
		"step started", "step succeeded",
		"step started", "step failed",
		"unwinding transaction",
		"rollback started", "rollback finished",
		"transaction rolled back",
	}, rec.Messages())
}
