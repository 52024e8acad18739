package compensate

import (
	"maps"
	"time"
)

// Lock is exclusive, time-bounded ownership of one resource.
//
// A Lock is live while the clock reads strictly before ExpiresAt. Past that
// point it is logically gone, even if the registry has not dropped it yet.
type Lock struct {
	ResourceID string
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	// Metadata is carried for diagnostics and never interpreted.
	Metadata map[string]string
}

// LiveAt reports whether the lock is still held at t.
func (l Lock) LiveAt(t time.Time) bool {
	return t.Before(l.ExpiresAt)
}

// TTL returns the time left on the lock at t, or zero once expired.
func (l Lock) TTL(t time.Time) time.Duration {
	if !l.LiveAt(t) {
		return 0
	}
	return l.ExpiresAt.Sub(t)
}

// clone returns a copy that shares no mutable state with l.
func (l Lock) clone() Lock {
	if l.Metadata != nil {
		l.Metadata = maps.Clone(l.Metadata)
	}
	return l
}

// ReleaseResult is the outcome of LockManager.Release.
type ReleaseResult int

const (
	// Released means the caller owned the lock and it was removed.
	Released ReleaseResult = iota
	// ReleaseNotFound means no live lock existed for the resource.
	ReleaseNotFound
	// ReleaseNotOwner means the lock belongs to someone else and was left intact.
	ReleaseNotOwner
)

func (r ReleaseResult) String() string {
	switch r {
	case Released:
		return "released"
	case ReleaseNotFound:
		return "not_found"
	case ReleaseNotOwner:
		return "not_owner"
	default:
		return "unknown"
	}
}
