package ctypes

import "fmt"

// BlockNumber identifies a position in the certified chain.
// It must match the execution-layer miniblock number for the same block;
// see [BlockNumber.Miniblock].
type BlockNumber uint64

// Prev returns the block number of the parent block.
// It must not be called on block number zero.
func (n BlockNumber) Prev() BlockNumber {
	if n == 0 {
		panic("BUG: Prev called on block number zero")
	}
	return n - 1
}

// Miniblock converts n to the execution layer's narrower miniblock numbering.
// Overflow indicates a misconfigured chain and is an error,
// not something to truncate silently.
func (n BlockNumber) Miniblock() (MiniblockNumber, error) {
	if n > BlockNumber(^MiniblockNumber(0)) {
		return 0, fmt.Errorf("integer overflow converting block number %d to miniblock number", n)
	}
	return MiniblockNumber(n), nil
}

// MiniblockNumber is the execution pipeline's block numbering.
type MiniblockNumber uint32

// L1BatchNumber identifies the settlement-layer batch a miniblock belongs to.
type L1BatchNumber uint32
