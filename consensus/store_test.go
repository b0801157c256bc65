package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/dutterbutter/zksync-era/consensus"
	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/cstore"
	"github.com/dutterbutter/zksync-era/cstore/cstoretest"
	"github.com/dutterbutter/zksync-era/ctypes"
	"github.com/dutterbutter/zksync-era/internal/gtest"
	"github.com/dutterbutter/zksync-era/syncer"
)

var (
	testOperatorAddr  = []byte{0xaa, 0xbb}
	testValidatorKeys = [][]byte{[]byte("v1"), []byte("v2"), []byte("v3")}
)

func newTestStore(t *testing.T) (*consensus.Store, *csqlite.Pool) {
	t.Helper()

	pool, err := csqlite.NewInMemPool(context.Background(), slogt.New(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Close())
	})

	s := consensus.NewStore(slogt.New(t), pool, consensus.StoreConfig{
		OperatorAddr:    testOperatorAddr,
		ReplicaIdentity: []byte("replica-1"),

		// Tight interval so waits in tests settle quickly.
		PollInterval: time.Millisecond,
	})
	return s, pool
}

// The pool caps itself at one open connection,
// so every helper checks out and releases its own
// rather than pinning one for the duration of a test.

// sealMiniblock writes one sealed miniblock the way the execution
// pipeline would, including its reference hash.
func sealMiniblock(
	t *testing.T,
	pool *csqlite.Pool,
	number ctypes.MiniblockNumber,
	batch ctypes.L1BatchNumber,
	lastInBatch bool,
	txs [][]byte,
) {
	t.Helper()

	ctx := context.Background()
	conn, err := pool.Access(ctx, "test")
	require.NoError(t, err)
	defer conn.Release()

	mb := csqlite.Miniblock{
		Number:         number,
		L1BatchNumber:  batch,
		Timestamp:      1700000000 + uint64(number),
		L1GasPrice:     10,
		L2FairGasPrice: 2,
		VirtualBlocks:  1,
		LastInBatch:    lastInBatch,
	}
	mb.Hash = csqlite.MiniblockHash(mb, txs)
	require.NoError(t, conn.InsertMiniblock(ctx, mb, txs))
}

// finalBlockAt builds the finalized block for an already-sealed number.
// Certificates are constructed the same way the genesis bootstrap builds
// them; signature validity is the engine's concern, not the store's.
func finalBlockAt(t *testing.T, pool *csqlite.Pool, number ctypes.BlockNumber) ctypes.FinalBlock {
	t.Helper()

	ctx := context.Background()
	conn, err := pool.Access(ctx, "test")
	require.NoError(t, err)
	defer conn.Release()

	p, ok, err := conn.Payload(ctx, number, testOperatorAddr)
	require.NoError(t, err)
	require.True(t, ok)

	encoded, err := p.Encode()
	require.NoError(t, err)

	return ctypes.FinalBlock{
		Payload:       encoded,
		Justification: ctypes.NewGenesisQC(testValidatorKeys, number, ctypes.PayloadHash(encoded)),
	}
}

func certificateAt(t *testing.T, pool *csqlite.Pool, number ctypes.BlockNumber) (ctypes.CommitQC, bool) {
	t.Helper()

	ctx := context.Background()
	conn, err := pool.Access(ctx, "test")
	require.NoError(t, err)
	defer conn.Release()

	qc, ok, err := conn.Certificate(ctx, number)
	require.NoError(t, err)
	return qc, ok
}

func TestState_emptyThenBootstrapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, pool := newTestStore(t)

	_, ok, err := s.State(ctx)
	require.NoError(t, err)
	require.False(t, ok, "state must be absent before genesis bootstrap")

	sealMiniblock(t, pool, 0, 0, false, nil)
	require.NoError(t, s.TryInitGenesis(ctx, testValidatorKeys))

	state, ok, err := s.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ctypes.BlockNumber(0), state.First.Message.Number)
	require.Equal(t, ctypes.BlockNumber(0), state.Last.Message.Number)

	// Storing more blocks extends the range contiguously.
	sealMiniblock(t, pool, 1, 0, false, [][]byte{[]byte("t0")})
	sealMiniblock(t, pool, 2, 0, true, nil)
	require.NoError(t, s.StoreNextBlock(ctx, finalBlockAt(t, pool, 1)))
	require.NoError(t, s.StoreNextBlock(ctx, finalBlockAt(t, pool, 2)))

	state, ok, err = s.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ctypes.BlockNumber(0), state.First.Message.Number)
	require.Equal(t, ctypes.BlockNumber(2), state.Last.Message.Number)
}

func TestTryInitGenesis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, pool := newTestStore(t)

	// Nothing sealed yet: there is no block to attest to.
	require.Error(t, s.TryInitGenesis(ctx, testValidatorKeys))

	sealMiniblock(t, pool, 0, 0, false, nil)
	sealMiniblock(t, pool, 1, 0, true, nil)
	require.NoError(t, s.TryInitGenesis(ctx, testValidatorKeys))

	// Genesis attests to the last sealed block at bootstrap time.
	state, ok, err := s.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ctypes.BlockNumber(1), state.First.Message.Number)
	require.Equal(t, ctypes.ValidatorSetHash(testValidatorKeys), state.First.ValidatorsHash)

	// Rerunning is a no-op even as the log grows.
	sealMiniblock(t, pool, 2, 1, false, nil)
	require.NoError(t, s.TryInitGenesis(ctx, testValidatorKeys))

	state, ok, err = s.State(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ctypes.BlockNumber(1), state.First.Message.Number)
	require.Equal(t, ctypes.BlockNumber(1), state.Last.Message.Number)
}

func TestBlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, pool := newTestStore(t)

	_, ok, err := s.Block(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok, "uncertified block must report not found")

	sealMiniblock(t, pool, 0, 0, false, [][]byte{[]byte("t0"), []byte("t1")})
	require.NoError(t, s.TryInitGenesis(ctx, testValidatorKeys))

	block, ok, err := s.Block(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	p, err := ctypes.DecodePayload(block.Payload)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("t0"), []byte("t1")}, p.Transactions)
	require.Equal(t, ctypes.PayloadHash(block.Payload), block.Justification.Message.PayloadHash)
}

func TestBlock_certificateWithoutPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, pool := newTestStore(t)

	// A certificate for a block the execution log never sealed
	// can only mean the log was truncated or corrupted underneath us.
	conn, err := pool.Access(ctx, "test")
	require.NoError(t, err)
	qc := ctypes.NewGenesisQC(testValidatorKeys, 3, []byte{1})
	require.NoError(t, conn.InsertCertificate(ctx, qc, testOperatorAddr))
	conn.Release()

	_, _, err = s.Block(ctx, 3)
	var corrupt cstore.CorruptionError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, ctypes.BlockNumber(3), corrupt.Number)
}

func TestStoreNextBlock_waitsForSeal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, pool := newTestStore(t)

	sealMiniblock(t, pool, 0, 0, false, nil)
	require.NoError(t, s.TryInitGenesis(ctx, testValidatorKeys))

	// Build block 1's content on a scratch database so the certificate
	// arrives before this node's execution log has sealed it.
	scratchPool, err := csqlite.NewInMemPool(ctx, slogt.New(t))
	require.NoError(t, err)
	defer scratchPool.Close()
	sealMiniblock(t, scratchPool, 0, 0, false, nil)
	sealMiniblock(t, scratchPool, 1, 0, false, [][]byte{[]byte("t0")})
	block := finalBlockAt(t, scratchPool, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.StoreNextBlock(ctx, block)
	}()

	// The certificate must not be stored while the log lags behind.
	gtest.NotSending(t, done)
	_, ok := certificateAt(t, pool, 1)
	require.False(t, ok)

	sealMiniblock(t, pool, 1, 0, false, [][]byte{[]byte("t0")})

	require.NoError(t, gtest.ReceiveSoon(t, done))

	got, ok := certificateAt(t, pool, 1)
	require.True(t, ok)
	require.Equal(t, block.Justification.Message, got.Message)
}

func TestStoreNextBlock_canceledWhileWaiting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, pool := newTestStore(t)

	sealMiniblock(t, pool, 0, 0, false, nil)
	require.NoError(t, s.TryInitGenesis(ctx, testValidatorKeys))

	scratchPool, err := csqlite.NewInMemPool(ctx, slogt.New(t))
	require.NoError(t, err)
	defer scratchPool.Close()
	sealMiniblock(t, scratchPool, 0, 0, false, nil)
	sealMiniblock(t, scratchPool, 1, 0, false, nil)
	block := finalBlockAt(t, scratchPool, 1)

	waitCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- s.StoreNextBlock(waitCtx, block)
	}()

	gtest.NotSending(t, done)
	cancel()

	err = gtest.ReceiveSoon(t, done)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStoreNextBlock_followerActionQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := slogt.New(t)
	s, pool := newTestStore(t)

	// The certified block comes from another node's store.
	leaderPool, err := csqlite.NewInMemPool(ctx, slogt.New(t))
	require.NoError(t, err)
	defer leaderPool.Close()
	sealMiniblock(t, leaderPool, 0, 0, false, [][]byte{[]byte("t0")})
	block := finalBlockAt(t, leaderPool, 0)

	queue, sender := syncer.NewActionQueue(log, 32)
	require.NoError(t, s.SetActionQueue(ctx, sender))

	done := make(chan error, 1)
	go func() {
		done <- s.StoreNextBlock(ctx, block)
	}()

	// The follower first sees the construction actions for a fresh batch.
	a, ok := queue.Pop(ctx, log)
	require.True(t, ok)
	open := a.(syncer.OpenBatch)
	require.Equal(t, ctypes.L1BatchNumber(0), open.Number)
	require.Equal(t, testOperatorAddr, open.OperatorAddr)

	a, ok = queue.Pop(ctx, log)
	require.True(t, ok)
	require.Equal(t, syncer.Tx{Raw: []byte("t0")}, a)

	a, ok = queue.Pop(ctx, log)
	require.True(t, ok)
	require.IsType(t, syncer.SealMiniblock{}, a)

	// Until the local pipeline executes those actions,
	// the certificate stays out of the database.
	gtest.NotSending(t, done)

	sealMiniblock(t, pool, 0, 0, false, [][]byte{[]byte("t0")})
	require.NoError(t, gtest.ReceiveSoon(t, done))

	got, ok := certificateAt(t, pool, 0)
	require.True(t, ok)
	require.Equal(t, block.Justification.Message, got.Message)

	// Replaying the same block after a restart-like re-delivery is a no-op.
	require.NoError(t, s.StoreNextBlock(ctx, block))

	shortCtx, shortCancel := context.WithTimeout(ctx, time.Duration(gtest.ScaleMs(25)))
	defer shortCancel()
	_, ok = queue.Pop(shortCtx, log)
	require.False(t, ok, "replay must not enqueue new actions")
}

func TestReplicaStoreCompliance(t *testing.T) {
	t.Parallel()

	cstoretest.TestReplicaStoreCompliance(t, func() cstore.ReplicaStore {
		s, _ := newTestStore(t)
		return s.ReplicaStore()
	})
}

func TestPayloadManagerCompliance(t *testing.T) {
	t.Parallel()

	cstoretest.TestPayloadManagerCompliance(t, func() cstoretest.PayloadManagerFixture {
		s, pool := newTestStore(t)

		var next ctypes.MiniblockNumber
		return cstoretest.PayloadManagerFixture{
			PM: s,
			SealNext: func() ctypes.BlockNumber {
				n := next
				next++
				sealMiniblock(t, pool, n, 0, false, [][]byte{[]byte("t")})
				return ctypes.BlockNumber(n)
			},
			Certify: func(n ctypes.BlockNumber) {
				ctx := context.Background()
				block := finalBlockAt(t, pool, n)

				conn, err := pool.Access(ctx, "test")
				require.NoError(t, err)
				defer conn.Release()
				require.NoError(t, conn.InsertCertificate(ctx, block.Justification, testOperatorAddr))
			},
		}
	})
}
