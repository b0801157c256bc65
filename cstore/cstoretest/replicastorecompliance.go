// Package cstoretest contains reusable compliance tests
// for implementations of the cstore contracts.
package cstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dutterbutter/zksync-era/cstore"
	"github.com/dutterbutter/zksync-era/ctypes"
)

// ReplicaStoreFactory returns a fresh, empty replica store.
type ReplicaStoreFactory func() cstore.ReplicaStore

// TestReplicaStoreCompliance checks the [cstore.ReplicaStore] contract.
func TestReplicaStoreCompliance(t *testing.T, rsf ReplicaStoreFactory) {
	ctx := context.Background()

	t.Run("state is empty before any write", func(t *testing.T) {
		t.Parallel()

		s := rsf()

		state, err := s.State(ctx)
		require.NoError(t, err)
		require.Empty(t, state)
	})

	t.Run("set then get", func(t *testing.T) {
		t.Parallel()

		s := rsf()

		want := ctypes.ReplicaState("view=3;phase=prepare")
		require.NoError(t, s.SetState(ctx, want))

		got, err := s.State(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("writes are wholesale overwrites", func(t *testing.T) {
		t.Parallel()

		s := rsf()

		require.NoError(t, s.SetState(ctx, ctypes.ReplicaState("first")))
		require.NoError(t, s.SetState(ctx, ctypes.ReplicaState("second")))

		got, err := s.State(ctx)
		require.NoError(t, err)
		require.Equal(t, ctypes.ReplicaState("second"), got)
	})

	t.Run("empty write is retrievable", func(t *testing.T) {
		t.Parallel()

		s := rsf()

		require.NoError(t, s.SetState(ctx, ctypes.ReplicaState{}))

		got, err := s.State(ctx)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}
