package cstore

import (
	"context"

	"github.com/dutterbutter/zksync-era/ctypes"
)

// PayloadManager supplies and validates the block payloads the consensus
// engine proposes and certifies.
type PayloadManager interface {
	// Propose returns the encoded payload the execution pipeline produced
	// for blockNumber, waiting for execution to seal the block if necessary.
	// It fails with a [MissingParentError] if the certificate for the
	// parent block has not been stored yet.
	Propose(ctx context.Context, blockNumber ctypes.BlockNumber) ([]byte, error)

	// Verify checks that payload matches what this node would have proposed
	// for blockNumber. A structural mismatch is reported as a
	// [PayloadMismatchError]; it is a semantic rejection, not a storage fault.
	Verify(ctx context.Context, blockNumber ctypes.BlockNumber, payload []byte) error
}
