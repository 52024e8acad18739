package compensate

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// DefaultLockTimeout is used when Acquire is called without a Timeout option.
const DefaultLockTimeout = 30 * time.Second

// LockManager is an in-memory registry of exclusive, self-expiring locks keyed
// by resource id.
//
// Acquisition never blocks: a request for a resource with a live lock fails
// with *LockConflictError and retrying is left to the caller. Expired locks are
// dropped lazily by the next operation that sweeps the registry; there is no
// background goroutine.
//
// All per-resource updates go through xsync's Compute, so a LockManager may be
// shared between goroutines.
type LockManager struct {
	locks          *xsync.MapOf[string, Lock]
	clock          Clock
	defaultTimeout time.Duration
	logger         Logger
}

// Option configures a LockManager.
type Option func(*LockManager)

// WithClock sets the time source used for acquisition and expiry.
func WithClock(c Clock) Option {
	return func(m *LockManager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithDefaultTimeout sets the lock lifetime used when Acquire gets no Timeout option.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *LockManager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger for lock events.
func WithLogger(l Logger) Option {
	return func(m *LockManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewLockManager creates an empty LockManager.
func NewLockManager(opts ...Option) *LockManager {
	m := &LockManager{
		locks:          xsync.NewMapOf[string, Lock](),
		clock:          NewStandardClock(),
		defaultTimeout: DefaultLockTimeout,
		logger:         NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lock_manager")
	return m
}

type acquireConfig struct {
	timeout  time.Duration
	metadata map[string]string
}

// AcquireOption customizes a single Acquire or WithLock call.
type AcquireOption func(*acquireConfig)

// Timeout overrides the manager's default lock lifetime.
func Timeout(d time.Duration) AcquireOption {
	return func(c *acquireConfig) { c.timeout = d }
}

// Metadata attaches diagnostic annotations to the lock.
func Metadata(md map[string]string) AcquireOption {
	return func(c *acquireConfig) { c.metadata = md }
}

// Acquire takes the lock on resourceID for ownerID.
//
// Expired entries are swept first. If a live lock exists, including one held
// by ownerID itself, Acquire returns a *LockConflictError describing it.
func (m *LockManager) Acquire(resourceID, ownerID string, opts ...AcquireOption) (Lock, error) {
	cfg := acquireConfig{timeout: m.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if resourceID == "" || ownerID == "" {
		return Lock{}, fmt.Errorf("%w: resource and owner ids are required", ErrInvalidArgument)
	}
	if cfg.timeout <= 0 {
		return Lock{}, fmt.Errorf("%w: lock timeout must be positive, got %s", ErrInvalidArgument, cfg.timeout)
	}

	m.Sweep()

	now := m.clock.Now()
	var (
		held     Lock
		conflict bool
	)
	acquired, _ := m.locks.Compute(resourceID, func(old Lock, loaded bool) (Lock, bool) {
		if loaded && old.LiveAt(now) {
			held, conflict = old, true
			return old, false
		}
		return Lock{
			ResourceID: resourceID,
			OwnerID:    ownerID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(cfg.timeout),
			Metadata:   maps.Clone(cfg.metadata),
		}, false
	})

	if conflict {
		m.logger.Debugw("lock conflict",
			"resource", resourceID, "requester", ownerID,
			"holder", held.OwnerID, "expires_at", held.ExpiresAt)
		return Lock{}, &LockConflictError{ResourceID: resourceID, Holder: held.clone()}
	}

	m.logger.Debugw("lock acquired",
		"resource", resourceID, "owner", ownerID, "expires_at", acquired.ExpiresAt)
	return acquired.clone(), nil
}

// Release drops ownerID's lock on resourceID.
//
// Release never fails: a missing or expired lock yields ReleaseNotFound, and a
// lock held by another owner is left alone and yields ReleaseNotOwner.
func (m *LockManager) Release(resourceID, ownerID string) ReleaseResult {
	now := m.clock.Now()
	result := ReleaseNotFound
	m.locks.Compute(resourceID, func(old Lock, loaded bool) (Lock, bool) {
		switch {
		case !loaded:
			return old, true
		case !old.LiveAt(now):
			return old, true
		case old.OwnerID != ownerID:
			result = ReleaseNotOwner
			return old, false
		default:
			result = Released
			return old, true
		}
	})

	m.logger.Debugw("lock release", "resource", resourceID, "owner", ownerID, "result", result)
	return result
}

// IsLocked reports whether resourceID currently has a live lock.
func (m *LockManager) IsLocked(resourceID string) bool {
	_, ok := m.Peek(resourceID)
	return ok
}

// Peek returns a copy of the live lock on resourceID, if any.
func (m *LockManager) Peek(resourceID string) (Lock, bool) {
	m.Sweep()
	l, ok := m.locks.Load(resourceID)
	if !ok || !l.LiveAt(m.clock.Now()) {
		return Lock{}, false
	}
	return l.clone(), true
}

// ListActive returns all live locks ordered by resource id.
// It is meant for diagnostics; the result is stale as soon as it returns.
func (m *LockManager) ListActive() []Lock {
	m.Sweep()

	now := m.clock.Now()
	sorted := btree.NewMap[string, Lock](16)
	m.locks.Range(func(id string, l Lock) bool {
		if l.LiveAt(now) {
			sorted.Set(id, l.clone())
		}
		return true
	})

	active := make([]Lock, 0, sorted.Len())
	sorted.Scan(func(_ string, l Lock) bool {
		active = append(active, l)
		return true
	})
	return active
}

// Sweep drops every expired entry and returns how many were removed.
func (m *LockManager) Sweep() int {
	now := m.clock.Now()
	removed := 0
	m.locks.Range(func(id string, l Lock) bool {
		if l.LiveAt(now) {
			return true
		}
		m.locks.Compute(id, func(old Lock, loaded bool) (Lock, bool) {
			// The entry may have been replaced since Range observed it.
			if loaded && !old.LiveAt(now) {
				removed++
				m.logger.Debugw("lock expired", "resource", id, "owner", old.OwnerID, "expired_at", old.ExpiresAt)
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	return removed
}

// WithLock acquires resourceID for ownerID, runs fn and releases the lock on
// every exit path, including a panic in fn. A conflict is returned before fn
// runs.
//
// The lock timeout is not a deadline for fn: fn is never interrupted, and if it
// outlives the timeout another owner may take the resource. The final release
// is by owner id, so it never removes a lock someone else has since acquired.
func (m *LockManager) WithLock(ctx context.Context, resourceID, ownerID string, fn func(ctx context.Context) error, opts ...AcquireOption) error {
	_, err := WithLockValue(ctx, m, resourceID, ownerID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// WithLockValue is WithLock for functions that produce a value.
func WithLockValue[T any](ctx context.Context, m *LockManager, resourceID, ownerID string, fn func(ctx context.Context) (T, error), opts ...AcquireOption) (T, error) {
	var zero T
	if fn == nil {
		return zero, fmt.Errorf("%w: nil function", ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if _, err := m.Acquire(resourceID, ownerID, opts...); err != nil {
		return zero, err
	}
	defer func() {
		if res := m.Release(resourceID, ownerID); res != Released {
			m.logger.Warnw("scoped lock was not released by its owner",
				"resource", resourceID, "owner", ownerID, "result", res)
		}
	}()

	return fn(ctx)
}
