package cstore

import (
	"fmt"

	"github.com/dutterbutter/zksync-era/ctypes"
)

// MissingParentError is returned by [PayloadManager.Propose] when the
// certificate for the requested block's parent has not been stored,
// meaning the consensus engine cannot yet propose this block number.
type MissingParentError struct {
	Number ctypes.BlockNumber
}

func (e MissingParentError) Error() string {
	return fmt.Sprintf("parent certificate of block %d is missing", e.Number)
}

// PayloadMismatchError is returned by [PayloadManager.Verify] when the
// candidate payload differs from the locally computed proposal.
// It carries both decoded payloads for diagnosis.
type PayloadMismatchError struct {
	Number    ctypes.BlockNumber
	Want, Got ctypes.Payload
}

func (e PayloadMismatchError) Error() string {
	return fmt.Sprintf(
		"unexpected payload for block %d: got %+v, want %+v",
		e.Number, e.Got, e.Want,
	)
}

// CorruptionError indicates an internal-consistency violation in the
// underlying log, such as a certificate without its payload or a first
// certificate without a last one. It signals storage corruption or a
// logic bug elsewhere and must not be retried.
type CorruptionError struct {
	Number ctypes.BlockNumber
	Reason string
}

func (e CorruptionError) Error() string {
	return fmt.Sprintf("storage corruption at block %d: %s", e.Number, e.Reason)
}
