package cstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dutterbutter/zksync-era/cstore"
	"github.com/dutterbutter/zksync-era/ctypes"
)

// PayloadManagerFixture is one payload manager under test,
// together with hooks into the execution log behind it.
type PayloadManagerFixture struct {
	PM cstore.PayloadManager

	// SealNext makes the next block available in the execution log
	// and returns its number.
	SealNext func() ctypes.BlockNumber

	// Certify records the certificate for an already-sealed block,
	// so that the following block becomes proposable.
	Certify func(ctypes.BlockNumber)
}

// PayloadManagerFactory returns a fixture over a fresh, empty execution log.
type PayloadManagerFactory func() PayloadManagerFixture

// TestPayloadManagerCompliance checks the [cstore.PayloadManager] contract.
func TestPayloadManagerCompliance(t *testing.T, pmf PayloadManagerFactory) {
	ctx := context.Background()

	t.Run("propose then verify round trip", func(t *testing.T) {
		t.Parallel()

		f := pmf()
		n := f.SealNext()

		encoded, err := f.PM.Propose(ctx, n)
		require.NoError(t, err)
		require.NotEmpty(t, encoded)

		require.NoError(t, f.PM.Verify(ctx, n, encoded))
	})

	t.Run("propose is deterministic for a sealed block", func(t *testing.T) {
		t.Parallel()

		f := pmf()
		n := f.SealNext()

		a, err := f.PM.Propose(ctx, n)
		require.NoError(t, err)
		b, err := f.PM.Propose(ctx, n)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("verify rejects a diverging payload", func(t *testing.T) {
		t.Parallel()

		f := pmf()
		n := f.SealNext()

		encoded, err := f.PM.Propose(ctx, n)
		require.NoError(t, err)

		p, err := ctypes.DecodePayload(encoded)
		require.NoError(t, err)
		p.Timestamp++
		mutated, err := p.Encode()
		require.NoError(t, err)

		err = f.PM.Verify(ctx, n, mutated)
		var mismatch cstore.PayloadMismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, n, mismatch.Number)
	})

	t.Run("propose requires the parent certificate", func(t *testing.T) {
		t.Parallel()

		f := pmf()
		first := f.SealNext()

		_, err := f.PM.Propose(ctx, first+1)
		require.ErrorAs(t, err, new(cstore.MissingParentError))

		f.Certify(first)
		next := f.SealNext()

		_, err = f.PM.Propose(ctx, next)
		require.NoError(t, err)
	})
}
