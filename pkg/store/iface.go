// iface.go defines the store surface used for dependency injection.
//
// The concrete *Store satisfies Interface. The bus, lock manager, wait
// graph and coordinator all accept Interface instead of *Store, so tests
// can substitute instrumented fakes without touching SQLite.
package store

import "database/sql"

// Interface is the transaction discipline consumed by every coordination
// component: scoped reads, all-or-nothing writes, and the centralized
// contention retry.
type Interface interface {
	// Read runs fn with shared read access against a consistent snapshot.
	Read(fn func(q Querier) error) error

	// Write runs fn inside a read-write transaction: commit on nil
	// return, rollback otherwise, retried on transient contention.
	Write(fn func(tx *sql.Tx) error) error

	// Retry re-invokes op under the store's contention policy.
	Retry(op func() error) error

	// Size returns the database file size in bytes.
	Size() (int64, error)

	// Close releases the database handle.
	Close() error
}

// Compile-time check that *Store implements Interface.
var _ Interface = (*Store)(nil)
