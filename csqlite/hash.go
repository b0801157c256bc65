package csqlite

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MiniblockHash is the execution layer's reference hash over a sealed
// miniblock's identity fields and ordered transactions.
// Producing and following pipelines compute it the same way,
// so a certified payload's reference hash can be checked on replay.
func MiniblockHash(mb Miniblock, txs [][]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("impossible: blake2b.New256 failed: %w", err))
	}

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(mb.Number))
	_, _ = h.Write(buf[:4])
	binary.BigEndian.PutUint32(buf[:4], uint32(mb.L1BatchNumber))
	_, _ = h.Write(buf[:4])
	binary.BigEndian.PutUint64(buf[:], mb.Timestamp)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], mb.L1GasPrice)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], mb.L2FairGasPrice)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], mb.VirtualBlocks)
	_, _ = h.Write(buf[:4])

	lastInBatch := byte(0)
	if mb.LastInBatch {
		lastInBatch = 1
	}
	_, _ = h.Write([]byte{lastInBatch})

	for _, tx := range txs {
		binary.BigEndian.PutUint64(buf[:], uint64(len(tx)))
		_, _ = h.Write(buf[:])
		_, _ = h.Write(tx)
	}

	return h.Sum(nil)
}
