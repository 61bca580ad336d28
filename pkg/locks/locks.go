// Package locks implements lease-based mutual exclusion over file paths.
//
// A lock is a row keyed by path; the primary key is the mutual-exclusion
// invariant. Every lease carries expires_at, so a crashed holder never
// wedges a path: expiry is honored lazily on every read, and a sweep
// bounds table growth from abandoned rows. Losing an acquire race (to a
// live holder or to a concurrent inserter) is a false return, never an
// error, because contention is the expected steady state here.
package locks

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/model"
	"github.com/nenadatanasovski/Idea-Incubator-sub000/pkg/store"
)

// DefaultTTL is the lease length when Acquire is not given one.
const DefaultTTL = 5 * time.Minute

// Manager is the file-lock API. Stateless; all leases live in the store.
type Manager struct {
	store  store.Interface
	logger *slog.Logger
}

// New returns a Manager over st. A nil logger discards.
func New(st store.Interface, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{store: st, logger: logger.With("component", "lock_manager")}
}

// AcquireOption adjusts a single acquire call.
type AcquireOption func(*acquireParams)

type acquireParams struct {
	reason string
	ttl    time.Duration
	testID string
}

// WithReason records why the path is locked.
func WithReason(reason string) AcquireOption {
	return func(p *acquireParams) { p.reason = reason }
}

// WithTTL overrides the default lease length.
func WithTTL(ttl time.Duration) AcquireOption {
	return func(p *acquireParams) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithTestID correlates the lease with a unit of work.
func WithTestID(testID string) AcquireOption {
	return func(p *acquireParams) { p.testID = testID }
}

// Acquire takes (or refreshes) the lease on path for owner. It returns
// true when owner now holds the lease, false when a different owner holds
// a live lease, including the case where a concurrent inserter wins the
// race and our insert trips the path's uniqueness constraint.
//
// The check-and-grant sequence runs inside one transaction to prevent
// TOCTOU races between concurrent callers.
func (m *Manager) Acquire(path, owner string, opts ...AcquireOption) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, fmt.Errorf("lock path is required")
	}
	if strings.TrimSpace(owner) == "" {
		return false, fmt.Errorf("lock owner is required")
	}
	params := acquireParams{ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&params)
	}

	acquired := false
	err := m.store.Write(func(tx *sql.Tx) error {
		acquired = false
		now := time.Now().UTC()

		var holder, expiresStr string
		err := tx.QueryRow(
			`SELECT locked_by, expires_at FROM file_locks WHERE file_path = ?`, path,
		).Scan(&holder, &expiresStr)
		switch {
		case err == nil:
			expiresAt, perr := model.ParseTime(expiresStr, "expires_at")
			if perr != nil {
				return fmt.Errorf("lock %s: %w", path, perr)
			}
			if holder != owner && expiresAt.After(now) {
				// Live lease held elsewhere; leave it untouched.
				return nil
			}
			// Stale row or re-entrant refresh: replace it.
			if _, err := tx.Exec(`DELETE FROM file_locks WHERE file_path = ?`, path); err != nil {
				return fmt.Errorf("evict lock %s: %w", path, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			// Free path.
		default:
			return fmt.Errorf("read lock %s: %w", path, err)
		}

		var reason, testID any
		if params.reason != "" {
			reason = params.reason
		}
		if params.testID != "" {
			testID = params.testID
		}
		_, err = tx.Exec(
			`INSERT INTO file_locks (file_path, locked_by, locked_at, lock_reason, expires_at, test_id)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			path, owner, model.FormatTime(now), reason,
			model.FormatTime(now.Add(params.ttl)), testID,
		)
		if err != nil {
			if store.IsConstraintErr(err) {
				// A concurrent inserter beat us to the path.
				m.logger.Debug("lost acquire race", "path", path, "owner", owner)
				return nil
			}
			return fmt.Errorf("insert lock %s: %w", path, err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release drops the lease on path if owner holds it. Returns whether a
// row was deleted; releasing someone else's lease (or nothing) is a
// false return, not an error.
func (m *Manager) Release(path, owner string) (bool, error) {
	var released bool
	err := m.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM file_locks WHERE file_path = ? AND locked_by = ?`, path, owner,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		released = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", path, err)
	}
	return released, nil
}

// Check returns the live lease on path, or nil when the path is free.
// An expired row counts as free and is deleted on the spot, so expiry
// holds even if no sweep has run. The delete is guarded by the observed
// expires_at: a concurrent refresh keeps its new lease.
func (m *Manager) Check(path string) (*model.FileLock, error) {
	var lock *model.FileLock
	err := m.store.Read(func(q store.Querier) error {
		var err error
		lock, err = scanLock(q.QueryRow(
			`SELECT file_path, locked_by, locked_at, COALESCE(lock_reason, ''),
			        expires_at, COALESCE(test_id, '')
			 FROM file_locks WHERE file_path = ?`, path,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check lock %s: %w", path, err)
	}
	if lock == nil {
		return nil, nil
	}
	if !lock.Expired(time.Now().UTC()) {
		return lock, nil
	}

	// Lazy expiry. A concurrent sweeper may already have removed the row;
	// that overlap is benign.
	err = m.store.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM file_locks WHERE file_path = ? AND expires_at = ?`,
			path, model.FormatTime(lock.ExpiresAt),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire lock %s: %w", path, err)
	}
	m.logger.Debug("lock expired on read", "path", path, "owner", lock.LockedBy)
	return nil, nil
}

// ReleaseExpired sweeps every lapsed lease and returns how many went.
// Exists to bound table growth; correctness never depends on it.
func (m *Manager) ReleaseExpired() (int64, error) {
	return m.releaseExpiredAt(time.Now().UTC())
}

func (m *Manager) releaseExpiredAt(now time.Time) (int64, error) {
	var removed int64
	err := m.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM file_locks WHERE expires_at <= ?`, model.FormatTime(now),
		)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	if removed > 0 {
		m.logger.Info("swept expired locks", "removed", removed)
	}
	return removed, nil
}

// ReleaseAllForOwner drops every lease owner holds, expired or not.
// Crash recovery: call it when owner's process is known dead.
func (m *Manager) ReleaseAllForOwner(owner string) (int64, error) {
	var removed int64
	err := m.store.Write(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM file_locks WHERE locked_by = ?`, owner)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release locks for %s: %w", owner, err)
	}
	if removed > 0 {
		m.logger.Info("released all locks for owner", "owner", owner, "removed", removed)
	}
	return removed, nil
}

// Active returns every non-expired lease, soonest expiry first. The
// expiry instant itself counts as lapsed, matching model.FileLock.Expired.
func (m *Manager) Active() ([]model.FileLock, error) {
	return m.activeAt(time.Now().UTC())
}

func (m *Manager) activeAt(now time.Time) ([]model.FileLock, error) {
	var locks []model.FileLock
	err := m.store.Read(func(q store.Querier) error {
		rows, err := q.Query(
			`SELECT file_path, locked_by, locked_at, COALESCE(lock_reason, ''),
			        expires_at, COALESCE(test_id, '')
			 FROM file_locks WHERE expires_at > ? ORDER BY expires_at ASC`,
			model.FormatTime(now),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanLockRow(rows)
			if err != nil {
				return err
			}
			locks = append(locks, *l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list active locks: %w", err)
	}
	return locks, nil
}

func scanLock(row *sql.Row) (*model.FileLock, error) {
	var l model.FileLock
	var lockedStr, expiresStr string
	err := row.Scan(&l.FilePath, &l.LockedBy, &lockedStr, &l.LockReason,
		&expiresStr, &l.TestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.LockedAt, err = model.ParseTime(lockedStr, "locked_at"); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = model.ParseTime(expiresStr, "expires_at"); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLockRow(rows *sql.Rows) (*model.FileLock, error) {
	var l model.FileLock
	var lockedStr, expiresStr string
	if err := rows.Scan(&l.FilePath, &l.LockedBy, &lockedStr, &l.LockReason,
		&expiresStr, &l.TestID); err != nil {
		return nil, err
	}
	var err error
	if l.LockedAt, err = model.ParseTime(lockedStr, "locked_at"); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = model.ParseTime(expiresStr, "expires_at"); err != nil {
		return nil, err
	}
	return &l, nil
}
