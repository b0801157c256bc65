// Package syncer converts freshly certified blocks into the low-level
// block-construction actions the execution pipeline consumes
// when this node runs in follower mode.
package syncer

import (
	"github.com/dutterbutter/zksync-era/ctypes"
)

// SyncAction is one block-construction instruction for the execution pipeline.
// Exactly one concrete type below implements it.
type SyncAction interface {
	isSyncAction()
}

// OpenBatch starts a new L1 batch, whose first miniblock is described inline.
type OpenBatch struct {
	Number         ctypes.L1BatchNumber
	Timestamp      uint64
	L1GasPrice     uint64
	L2FairGasPrice uint64
	OperatorAddr   []byte

	FirstMiniblock ctypes.MiniblockNumber
	VirtualBlocks  uint32
}

// Miniblock starts the next miniblock within the open batch.
type Miniblock struct {
	Number        ctypes.MiniblockNumber
	Timestamp     uint64
	VirtualBlocks uint32
}

// Tx appends one transaction to the miniblock under construction.
type Tx struct {
	Raw []byte
}

// SealMiniblock closes the miniblock under construction,
// keeping the batch open.
type SealMiniblock struct {
	// ReferenceHash, when set, is the hash the sealed miniblock must match.
	ReferenceHash []byte
}

// SealBatch closes both the miniblock under construction and its batch.
type SealBatch struct {
	ReferenceHash []byte
}

func (OpenBatch) isSyncAction()     {}
func (Miniblock) isSyncAction()     {}
func (Tx) isSyncAction()            {}
func (SealMiniblock) isSyncAction() {}
func (SealBatch) isSyncAction()     {}

// FetchedBlock is the consensus-level view of one certified block,
// decoded into the fields the execution pipeline needs to reconstruct it.
type FetchedBlock struct {
	Number         ctypes.MiniblockNumber
	L1BatchNumber  ctypes.L1BatchNumber
	LastInBatch    bool
	Timestamp      uint64
	L1GasPrice     uint64
	L2FairGasPrice uint64
	VirtualBlocks  uint32
	OperatorAddr   []byte

	// ReferenceHash is the execution layer's hash of the already-sealed
	// miniblock this block corresponds to, for the pipeline to check against.
	ReferenceHash []byte

	Transactions [][]byte
}

// FetchedBlockFromPayload builds the FetchedBlock for a decoded payload
// at the given execution-layer number.
func FetchedBlockFromPayload(number ctypes.MiniblockNumber, p ctypes.Payload) FetchedBlock {
	return FetchedBlock{
		Number:         number,
		L1BatchNumber:  p.L1BatchNumber,
		LastInBatch:    p.LastInBatch,
		Timestamp:      p.Timestamp,
		L1GasPrice:     p.L1GasPrice,
		L2FairGasPrice: p.L2FairGasPrice,
		VirtualBlocks:  p.VirtualBlocks,
		OperatorAddr:   p.OperatorAddr,
		ReferenceHash:  p.Hash,
		Transactions:   p.Transactions,
	}
}
