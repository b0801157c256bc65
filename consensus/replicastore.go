package consensus

import (
	"context"

	"github.com/dutterbutter/zksync-era/cstore"
	"github.com/dutterbutter/zksync-era/ctypes"
)

// ReplicaStore returns the replica voting-state view of the store.
func (s *Store) ReplicaStore() cstore.ReplicaStore {
	return replicaStore{s: s}
}

type replicaStore struct {
	s *Store
}

var _ cstore.ReplicaStore = replicaStore{}

// State implements [cstore.ReplicaStore].
// There is exactly one row of interest,
// so this is a single autonomous statement with no explicit transaction.
func (r replicaStore) State(ctx context.Context) (ctypes.ReplicaState, error) {
	conn, err := r.s.pool.Access(ctx, "consensus")
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return conn.ReplicaState(ctx, r.s.replicaIdentity)
}

// SetState implements [cstore.ReplicaStore].
func (r replicaStore) SetState(ctx context.Context, state ctypes.ReplicaState) error {
	conn, err := r.s.pool.Access(ctx, "consensus")
	if err != nil {
		return err
	}
	defer conn.Release()

	return conn.SetReplicaState(ctx, r.s.replicaIdentity, state)
}
