// Package store defines the persistence seam shared by the engines. The
// engines own all locking and copying; a Repository only moves records in
// and out of its backing storage.
package store

import "context"

// Repository is a keyed record store.
type Repository[T any] interface {
	// Get returns the record for id. A missing record is (zero, false, nil).
	Get(ctx context.Context, id string) (T, bool, error)
	// Set inserts or replaces the record for id.
	Set(ctx context.Context, id string, v T) error
	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// List returns every record in no particular order.
	List(ctx context.Context) ([]T, error)
}
