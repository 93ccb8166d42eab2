package client

import "context"

// Store is a generic typed persistent map over an external key-value
// store, instantiated once per record kind (keychain entries,
// pairings, subscriptions, expiry entries, dedupe entries).
//
// K is constrained to ~string because every persisted key in this
// module (topics, "public_<hex>" key-pair entries, "<topic>:<hash>"
// dedupe entries) is naturally a string, and
// the file-backed implementation serializes keys as JSON object keys.
type Store[K ~string, V any] interface {
	Init(ctx context.Context) error

	// Set persists value under key. When createOnly is true, Set
	// fails with ErrAlreadyExists if key is already present.
	Set(ctx context.Context, key K, value V, createOnly bool) error

	// Get returns the value for key, or ErrNoMatchingKey if absent.
	Get(ctx context.Context, key K) (V, error)

	// GetAll returns every value for which predicate returns true.
	// A nil predicate matches everything.
	GetAll(ctx context.Context, predicate func(V) bool) ([]V, error)

	// Update loads the current value, applies merge, and persists the
	// result. merge receives the zero value of V if key is absent.
	// Fields merge leaves untouched on the returned value are not
	// reverted; the shallow-merge contract lives entirely in the
	// caller-supplied merge function.
	Update(ctx context.Context, key K, merge func(current V, existed bool) V) (V, error)

	// Delete removes key. Deleting an absent key is not an error,
	// deliberately looser than Get's ErrNoMatchingKey: callers use
	// Delete to guarantee a post-condition ("this key is gone"), not to
	// assert the key was present, so teardown paths stay idempotent
	// under retry. reason is carried through for audit logging only.
	Delete(ctx context.Context, key K, reason string) error

	Keys(ctx context.Context) ([]K, error)
	Values(ctx context.Context) ([]V, error)
}
