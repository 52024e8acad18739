// Package compensate guards shared resources during multi-step operations
// against a backend that cannot make those steps atomic.
//
// It provides two independent pieces that workflow code composes:
//
//   - LockManager: non-blocking, self-expiring exclusive locks keyed by
//     resource id. Acquire fails fast with *LockConflictError when a live lock
//     exists; WithLock runs a function under a lock and always releases it.
//   - Transaction: an ordered list of steps, each a forward action paired with
//     a rollback. If a step fails, completed steps are rolled back in reverse
//     order. When a rollback itself fails, Execute returns a
//     *CompensationFailure and external state may need manual repair.
//
// Typical use wraps each mutating step in WithLock and registers it on a
// Transaction:
//
//	locks := compensate.NewLockManager()
//	tx := compensate.NewTransaction("exchange-42")
//	_ = tx.AddStep(compensate.NewStep("escrow",
//		func(ctx context.Context) error {
//			return locks.WithLock(ctx, assetID, tx.ID(), escrow)
//		},
//		func(ctx context.Context) error {
//			return locks.WithLock(ctx, assetID, tx.ID(), releaseEscrow)
//		},
//	))
//	err := tx.Execute(ctx)
//
// Neither piece persists state across restarts, and locks are local to one
// process.
package compensate
