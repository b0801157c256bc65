package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/ctypes"
)

// Cursor tracks the next execution-layer block number this node's
// follower pipeline expects to construct, plus the batch it belongs to.
//
// One Cursor instance exclusively owns that position per process.
// The mutex covers only the translate-and-advance step;
// it is never held across I/O.
type Cursor struct {
	mu sync.Mutex

	nextMiniblock ctypes.MiniblockNumber
	l1Batch       ctypes.L1BatchNumber

	// Whether the batch identified by l1Batch is still accepting miniblocks.
	batchOpen bool
}

// NewCursor positions a cursor just past the execution pipeline's
// last sealed miniblock, read through conn.
func NewCursor(ctx context.Context, conn *csqlite.Conn) (*Cursor, error) {
	last, err := conn.LastSealedBlock(ctx)
	if err != nil {
		if errors.Is(err, csqlite.ErrNoSealedBlocks) {
			// Fresh chain: expect miniblock 0 to open batch 0.
			return &Cursor{}, nil
		}
		return nil, fmt.Errorf("failed to read last sealed block: %w", err)
	}

	mb, ok, err := conn.Miniblock(ctx, last)
	if err != nil {
		return nil, fmt.Errorf("failed to read miniblock %d: %w", last, err)
	}
	if !ok {
		return nil, fmt.Errorf("miniblock %d disappeared while initializing cursor", last)
	}

	c := &Cursor{
		nextMiniblock: last + 1,
		l1Batch:       mb.L1BatchNumber,
		batchOpen:     !mb.LastInBatch,
	}
	if mb.LastInBatch {
		c.l1Batch++
	}
	return c, nil
}

// NextMiniblock reports the next expected execution-layer block number.
func (c *Cursor) NextMiniblock() ctypes.MiniblockNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextMiniblock
}

// Advance translates one newly certified block into construction actions
// and moves the cursor forward.
// Blocks already behind the cursor yield nil actions (idempotent replay);
// the cursor never moves backward.
// A block ahead of the expected next number indicates a gap in the
// certified stream and is an error.
func (c *Cursor) Advance(b FetchedBlock) ([]SyncAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.Number < c.nextMiniblock {
		return nil, nil
	}
	if b.Number > c.nextMiniblock {
		return nil, fmt.Errorf(
			"gap in certified blocks: got miniblock %d, expected %d",
			b.Number, c.nextMiniblock,
		)
	}

	actions := make([]SyncAction, 0, len(b.Transactions)+2)

	if c.batchOpen {
		if b.L1BatchNumber != c.l1Batch {
			return nil, fmt.Errorf(
				"miniblock %d claims batch %d while batch %d is open",
				b.Number, b.L1BatchNumber, c.l1Batch,
			)
		}
		actions = append(actions, Miniblock{
			Number:        b.Number,
			Timestamp:     b.Timestamp,
			VirtualBlocks: b.VirtualBlocks,
		})
	} else {
		if b.L1BatchNumber != c.l1Batch {
			return nil, fmt.Errorf(
				"miniblock %d claims batch %d, expected new batch %d",
				b.Number, b.L1BatchNumber, c.l1Batch,
			)
		}
		actions = append(actions, OpenBatch{
			Number:         b.L1BatchNumber,
			Timestamp:      b.Timestamp,
			L1GasPrice:     b.L1GasPrice,
			L2FairGasPrice: b.L2FairGasPrice,
			OperatorAddr:   b.OperatorAddr,
			FirstMiniblock: b.Number,
			VirtualBlocks:  b.VirtualBlocks,
		})
		c.batchOpen = true
	}

	for _, tx := range b.Transactions {
		actions = append(actions, Tx{Raw: tx})
	}

	if b.LastInBatch {
		actions = append(actions, SealBatch{ReferenceHash: b.ReferenceHash})
		c.batchOpen = false
		c.l1Batch++
	} else {
		actions = append(actions, SealMiniblock{ReferenceHash: b.ReferenceHash})
	}

	c.nextMiniblock = b.Number + 1

	return actions, nil
}
