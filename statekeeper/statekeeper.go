// Package statekeeper contains the follower-mode tail of the execution
// pipeline: it drains the sync-action queue and seals the reconstructed
// miniblocks into the shared database.
//
// A full node would run transaction execution between receiving actions
// and sealing; this keeper only reconstructs the block structure,
// which is all the consensus bridge requires of its collaborator.
package statekeeper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/ctypes"
	"github.com/dutterbutter/zksync-era/internal/glog"
	"github.com/dutterbutter/zksync-era/syncer"
)

// StateKeeper consumes construction actions and writes sealed miniblocks.
type StateKeeper struct {
	log *slog.Logger

	pool  *csqlite.Pool
	queue *syncer.ActionQueue

	done chan struct{}
}

// New starts the keeper's run loop.
// The loop stops when ctx is canceled or on the first write failure;
// use [StateKeeper.Wait] to observe that it finished.
func New(ctx context.Context, log *slog.Logger, pool *csqlite.Pool, queue *syncer.ActionQueue) *StateKeeper {
	k := &StateKeeper{
		log: log,

		pool:  pool,
		queue: queue,

		done: make(chan struct{}),
	}

	go k.run(ctx)

	return k
}

// Wait blocks until the keeper's run loop has finished.
func (k *StateKeeper) Wait() {
	<-k.done
}

// pending accumulates one miniblock under construction.
type pending struct {
	mb  csqlite.Miniblock
	txs [][]byte

	refHash []byte

	active bool
}

func (k *StateKeeper) run(ctx context.Context) {
	defer close(k.done)

	k.log.Info("State keeper starting...")
	defer k.log.Info("State keeper finished")

	// Batch-level fields carried between miniblocks of the same batch.
	var batch struct {
		number         ctypes.L1BatchNumber
		l1GasPrice     uint64
		l2FairGasPrice uint64
	}

	var p pending

	for {
		action, ok := k.queue.Pop(ctx, k.log)
		if !ok {
			return
		}

		switch a := action.(type) {
		case syncer.OpenBatch:
			if p.active {
				k.log.Error("Received OpenBatch while a miniblock is under construction", "batch", uint32(a.Number))
				return
			}
			batch.number = a.Number
			batch.l1GasPrice = a.L1GasPrice
			batch.l2FairGasPrice = a.L2FairGasPrice
			p = pending{
				mb: csqlite.Miniblock{
					Number:         a.FirstMiniblock,
					L1BatchNumber:  a.Number,
					Timestamp:      a.Timestamp,
					L1GasPrice:     a.L1GasPrice,
					L2FairGasPrice: a.L2FairGasPrice,
					VirtualBlocks:  a.VirtualBlocks,
				},
				active: true,
			}

		case syncer.Miniblock:
			if p.active {
				k.log.Error("Received Miniblock while a miniblock is under construction", "miniblock", uint32(a.Number))
				return
			}
			p = pending{
				mb: csqlite.Miniblock{
					Number:         a.Number,
					L1BatchNumber:  batch.number,
					Timestamp:      a.Timestamp,
					L1GasPrice:     batch.l1GasPrice,
					L2FairGasPrice: batch.l2FairGasPrice,
					VirtualBlocks:  a.VirtualBlocks,
				},
				active: true,
			}

		case syncer.Tx:
			if !p.active {
				k.log.Error("Received Tx with no miniblock under construction")
				return
			}
			p.txs = append(p.txs, a.Raw)

		case syncer.SealMiniblock:
			p.refHash = a.ReferenceHash
			if !k.seal(ctx, &p, false) {
				return
			}

		case syncer.SealBatch:
			p.refHash = a.ReferenceHash
			if !k.seal(ctx, &p, true) {
				return
			}

		default:
			k.log.Error("Received unknown sync action", "action", fmt.Sprintf("%T", action))
			return
		}
	}
}

func (k *StateKeeper) seal(ctx context.Context, p *pending, lastInBatch bool) bool {
	if !p.active {
		k.log.Error("Received seal action with no miniblock under construction")
		return false
	}

	p.mb.LastInBatch = lastInBatch
	p.mb.Hash = csqlite.MiniblockHash(p.mb, p.txs)

	if p.refHash != nil && !bytes.Equal(p.refHash, p.mb.Hash) {
		k.log.Error(
			"Reconstructed miniblock hash does not match certified reference",
			"miniblock", uint32(p.mb.Number),
			"want", fmt.Sprintf("%x", p.refHash),
			"got", fmt.Sprintf("%x", p.mb.Hash),
		)
		return false
	}

	conn, err := k.pool.Access(ctx, "statekeeper")
	if err != nil {
		k.log.Warn("Failed to acquire connection to seal miniblock", "err", err)
		return false
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		k.log.Warn("Failed to begin seal transaction", "err", err)
		return false
	}
	defer tx.Rollback()

	if err := tx.InsertMiniblock(ctx, p.mb, p.txs); err != nil {
		glog.BNE(k.log, uint64(p.mb.Number), err).Warn("Failed to insert miniblock")
		return false
	}
	if err := tx.Commit(); err != nil {
		glog.BNE(k.log, uint64(p.mb.Number), err).Warn("Failed to commit sealed miniblock")
		return false
	}

	k.log.Info(
		"Sealed miniblock",
		"miniblock", uint32(p.mb.Number),
		"batch", uint32(p.mb.L1BatchNumber),
		"n_txs", len(p.txs),
		"last_in_batch", lastInBatch,
	)

	*p = pending{}
	return true
}
