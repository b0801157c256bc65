package syncer_test

import (
	"context"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/ctypes"
	"github.com/dutterbutter/zksync-era/syncer"
)

func newTestConn(t *testing.T) *csqlite.Conn {
	t.Helper()

	ctx := context.Background()

	pool, err := csqlite.NewInMemPool(ctx, slogt.New(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})

	conn, err := pool.Access(ctx, "test")
	require.NoError(t, err)
	t.Cleanup(conn.Release)

	return conn
}

func TestNewCursor_emptyLog(t *testing.T) {
	t.Parallel()

	conn := newTestConn(t)

	c, err := syncer.NewCursor(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, ctypes.MiniblockNumber(0), c.NextMiniblock())
}

func TestNewCursor_resumesMidBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := newTestConn(t)

	require.NoError(t, conn.InsertMiniblock(ctx, csqlite.Miniblock{
		Number: 0, L1BatchNumber: 0, Timestamp: 100, Hash: []byte{0},
	}, nil))
	require.NoError(t, conn.InsertMiniblock(ctx, csqlite.Miniblock{
		Number: 1, L1BatchNumber: 0, Timestamp: 101, Hash: []byte{1},
	}, nil))

	c, err := syncer.NewCursor(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, ctypes.MiniblockNumber(2), c.NextMiniblock())

	// Batch 0 is still open, so block 2 continues it with a plain Miniblock action.
	actions, err := c.Advance(syncer.FetchedBlock{
		Number: 2, L1BatchNumber: 0, Timestamp: 102,
	})
	require.NoError(t, err)
	require.IsType(t, syncer.Miniblock{}, actions[0])
}

func TestNewCursor_resumesAtBatchBoundary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := newTestConn(t)

	require.NoError(t, conn.InsertMiniblock(ctx, csqlite.Miniblock{
		Number: 0, L1BatchNumber: 0, Timestamp: 100, LastInBatch: true, Hash: []byte{0},
	}, nil))

	c, err := syncer.NewCursor(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, ctypes.MiniblockNumber(1), c.NextMiniblock())

	// Batch 0 sealed, so block 1 must open batch 1.
	actions, err := c.Advance(syncer.FetchedBlock{
		Number: 1, L1BatchNumber: 1, Timestamp: 101,
	})
	require.NoError(t, err)
	require.IsType(t, syncer.OpenBatch{}, actions[0])
	require.Equal(t, ctypes.L1BatchNumber(1), actions[0].(syncer.OpenBatch).Number)
}

func TestAdvance_actionTranslation(t *testing.T) {
	t.Parallel()

	conn := newTestConn(t)
	c, err := syncer.NewCursor(context.Background(), conn)
	require.NoError(t, err)

	b0 := syncer.FetchedBlock{
		Number:         0,
		L1BatchNumber:  0,
		Timestamp:      100,
		L1GasPrice:     5,
		L2FairGasPrice: 2,
		VirtualBlocks:  1,
		OperatorAddr:   []byte{0xaa},
		ReferenceHash:  []byte{0xf0},
		Transactions:   [][]byte{[]byte("t0"), []byte("t1")},
	}

	actions, err := c.Advance(b0)
	require.NoError(t, err)
	require.Len(t, actions, 4)

	open := actions[0].(syncer.OpenBatch)
	require.Equal(t, ctypes.L1BatchNumber(0), open.Number)
	require.Equal(t, uint64(100), open.Timestamp)
	require.Equal(t, uint64(5), open.L1GasPrice)
	require.Equal(t, uint64(2), open.L2FairGasPrice)
	require.Equal(t, []byte{0xaa}, open.OperatorAddr)
	require.Equal(t, ctypes.MiniblockNumber(0), open.FirstMiniblock)
	require.Equal(t, uint32(1), open.VirtualBlocks)

	require.Equal(t, syncer.Tx{Raw: []byte("t0")}, actions[1])
	require.Equal(t, syncer.Tx{Raw: []byte("t1")}, actions[2])
	require.Equal(t, syncer.SealMiniblock{ReferenceHash: []byte{0xf0}}, actions[3])

	// Final block of the batch seals it.
	b1 := syncer.FetchedBlock{
		Number: 1, L1BatchNumber: 0, Timestamp: 101,
		LastInBatch:   true,
		ReferenceHash: []byte{0xf1},
	}
	actions, err = c.Advance(b1)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.IsType(t, syncer.Miniblock{}, actions[0])
	require.Equal(t, syncer.SealBatch{ReferenceHash: []byte{0xf1}}, actions[1])

	// Next block opens the next batch.
	actions, err = c.Advance(syncer.FetchedBlock{
		Number: 2, L1BatchNumber: 1, Timestamp: 102,
	})
	require.NoError(t, err)
	require.Equal(t, ctypes.L1BatchNumber(1), actions[0].(syncer.OpenBatch).Number)
}

func TestAdvance_monotonic(t *testing.T) {
	t.Parallel()

	conn := newTestConn(t)
	c, err := syncer.NewCursor(context.Background(), conn)
	require.NoError(t, err)

	b0 := syncer.FetchedBlock{Number: 0, L1BatchNumber: 0, Timestamp: 100}
	actions, err := c.Advance(b0)
	require.NoError(t, err)
	require.NotEmpty(t, actions)
	require.Equal(t, ctypes.MiniblockNumber(1), c.NextMiniblock())

	// Replaying an already-consumed block yields no actions and no movement.
	actions, err = c.Advance(b0)
	require.NoError(t, err)
	require.Nil(t, actions)
	require.Equal(t, ctypes.MiniblockNumber(1), c.NextMiniblock())
}

func TestAdvance_gap(t *testing.T) {
	t.Parallel()

	conn := newTestConn(t)
	c, err := syncer.NewCursor(context.Background(), conn)
	require.NoError(t, err)

	_, err = c.Advance(syncer.FetchedBlock{Number: 2, L1BatchNumber: 0, Timestamp: 100})
	require.Error(t, err)
	require.Equal(t, ctypes.MiniblockNumber(0), c.NextMiniblock())
}

func TestAdvance_batchMismatch(t *testing.T) {
	t.Parallel()

	conn := newTestConn(t)
	c, err := syncer.NewCursor(context.Background(), conn)
	require.NoError(t, err)

	// Block 0 must open batch 0, not batch 5.
	_, err = c.Advance(syncer.FetchedBlock{Number: 0, L1BatchNumber: 5, Timestamp: 100})
	require.Error(t, err)
}

func TestFetchedBlockFromPayload(t *testing.T) {
	t.Parallel()

	p := ctypes.Payload{
		L1BatchNumber:  7,
		Timestamp:      1700000000,
		L1GasPrice:     9,
		L2FairGasPrice: 3,
		VirtualBlocks:  2,
		OperatorAddr:   []byte{0xaa},
		LastInBatch:    true,
		Hash:           []byte{0xf2},
		Transactions:   [][]byte{[]byte("t0")},
	}

	b := syncer.FetchedBlockFromPayload(4, p)
	require.Equal(t, ctypes.MiniblockNumber(4), b.Number)
	require.Equal(t, p.L1BatchNumber, b.L1BatchNumber)
	require.Equal(t, p.LastInBatch, b.LastInBatch)
	require.Equal(t, p.Timestamp, b.Timestamp)
	require.Equal(t, p.L1GasPrice, b.L1GasPrice)
	require.Equal(t, p.L2FairGasPrice, b.L2FairGasPrice)
	require.Equal(t, p.VirtualBlocks, b.VirtualBlocks)
	require.Equal(t, p.OperatorAddr, b.OperatorAddr)
	require.Equal(t, p.Hash, b.ReferenceHash)
	require.Equal(t, p.Transactions, b.Transactions)
}
