package ctypes

import (
	"encoding/json"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2b"
)

// CommitMessage is the content a quorum of validators committed to.
type CommitMessage struct {
	Number      BlockNumber
	PayloadHash []byte
}

// CommitQC is a quorum certificate attesting that a supermajority of
// validators committed to the block identified by Message.
//
// The bridge stores and retrieves certificates opaquely;
// verifying the cryptographic validity of the aggregate signature
// is the consensus engine's responsibility before a certificate
// ever reaches this package.
type CommitQC struct {
	Message CommitMessage

	// Signers marks, by validator index, who contributed to the aggregate.
	Signers *bitset.BitSet

	// ValidatorsHash identifies the validator key set the Signers indexes refer to.
	ValidatorsHash []byte

	AggregateSignature []byte
}

// Encode returns the stored wire form of the certificate.
func (qc CommitQC) Encode() ([]byte, error) {
	b, err := json.Marshal(qc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal commit QC: %w", err)
	}
	return b, nil
}

// DecodeCommitQC parses the stored wire form of a certificate.
func DecodeCommitQC(b []byte) (CommitQC, error) {
	var qc CommitQC
	if err := json.Unmarshal(b, &qc); err != nil {
		return CommitQC{}, fmt.Errorf("failed to unmarshal commit QC: %w", err)
	}
	return qc, nil
}

// ValidatorSetHash returns the hash identifying an ordered validator key set.
func ValidatorSetHash(keys [][]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("impossible: blake2b.New256 failed: %w", err))
	}
	for _, k := range keys {
		_, _ = h.Write(k)
	}
	return h.Sum(nil)
}

// NewGenesisQC constructs the one-time genesis certificate from the
// configured validator key set and the payload hash of the block it
// attests to. Every validator is marked as a signer; there is no real
// aggregate signature to carry at genesis.
func NewGenesisQC(validatorKeys [][]byte, number BlockNumber, payloadHash []byte) CommitQC {
	signers := bitset.New(uint(len(validatorKeys)))
	for i := range validatorKeys {
		signers.Set(uint(i))
	}
	return CommitQC{
		Message: CommitMessage{
			Number:      number,
			PayloadHash: payloadHash,
		},
		Signers:        signers,
		ValidatorsHash: ValidatorSetHash(validatorKeys),
	}
}

// FinalBlock pairs an encoded payload with the certificate that finalized it.
type FinalBlock struct {
	Payload       []byte
	Justification CommitQC
}

// Number returns the block number the certificate attests to.
func (b FinalBlock) Number() BlockNumber {
	return b.Justification.Message.Number
}

// BlockStoreState is the certified range reported to the consensus engine:
// the first and last stored certificates.
// The range is contiguous; no gap is ever observable through the store.
type BlockStoreState struct {
	First CommitQC
	Last  CommitQC
}

// ReplicaState is one local consensus participant's in-progress voting state.
// It is opaque to the bridge and overwritten wholesale on every update.
type ReplicaState []byte
