package cstore

import (
	"context"

	"github.com/dutterbutter/zksync-era/ctypes"
)

// PersistentBlockStore is the durable store of finalized blocks
// backing the consensus engine.
type PersistentBlockStore interface {
	// State reports the certified block range.
	// Before the genesis certificate has been written,
	// it reports ok=false with no error; that is expected steady state,
	// not a fault.
	State(ctx context.Context) (state ctypes.BlockStoreState, ok bool, err error)

	// Block returns the stored certificate for number together with its payload.
	// A block that has not been certified yet reports ok=false with no error.
	Block(ctx context.Context, number ctypes.BlockNumber) (block ctypes.FinalBlock, ok bool, err error)

	// StoreNextBlock durably appends a newly certified block.
	// The certificate is never persisted before the execution pipeline
	// has sealed a block at least as high as the certified number,
	// so StoreNextBlock may block while execution catches up;
	// the wait honors ctx.
	StoreNextBlock(ctx context.Context, block ctypes.FinalBlock) error
}
