package cstore

import (
	"context"

	"github.com/dutterbutter/zksync-era/ctypes"
)

// ReplicaStore persists one local replica's private voting state
// so it survives process restarts.
type ReplicaStore interface {
	// State returns the last persisted replica state,
	// or an empty state if none was ever written.
	State(ctx context.Context) (ctypes.ReplicaState, error)

	// SetState overwrites the persisted state unconditionally.
	// There are no merge semantics; callers pass the complete state.
	SetState(ctx context.Context, state ctypes.ReplicaState) error
}
