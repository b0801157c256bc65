package ctypes

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Payload is the decoded transaction content and metadata of one block,
// as produced by the execution pipeline.
// The consensus engine only ever sees its encoded form;
// see [Payload.Encode] and [DecodePayload].
type Payload struct {
	L1BatchNumber  L1BatchNumber
	Timestamp      uint64
	L1GasPrice     uint64
	L2FairGasPrice uint64
	VirtualBlocks  uint32
	OperatorAddr   []byte
	LastInBatch    bool

	// Hash is the execution layer's reference hash for the sealed miniblock.
	Hash []byte

	Transactions [][]byte
}

// Encode returns the engine wire form of the payload.
func (p Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// DecodePayload parses the engine wire form of a payload.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return p, nil
}

// Equal reports whether p and o are structurally equal.
func (p Payload) Equal(o Payload) bool {
	if p.L1BatchNumber != o.L1BatchNumber ||
		p.Timestamp != o.Timestamp ||
		p.L1GasPrice != o.L1GasPrice ||
		p.L2FairGasPrice != o.L2FairGasPrice ||
		p.VirtualBlocks != o.VirtualBlocks ||
		p.LastInBatch != o.LastInBatch ||
		!bytes.Equal(p.OperatorAddr, o.OperatorAddr) ||
		!bytes.Equal(p.Hash, o.Hash) {
		return false
	}
	if len(p.Transactions) != len(o.Transactions) {
		return false
	}
	for i := range p.Transactions {
		if !bytes.Equal(p.Transactions[i], o.Transactions[i]) {
			return false
		}
	}
	return true
}

// PayloadHash returns the hash over the encoded payload,
// as referenced by certificates.
func PayloadHash(encoded []byte) []byte {
	h := blake2b.Sum256(encoded)
	return h[:]
}
