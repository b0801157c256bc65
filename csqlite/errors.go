package csqlite

import (
	"errors"
	"fmt"

	"github.com/dutterbutter/zksync-era/ctypes"
)

// ErrNoSealedBlocks is returned by [queries.LastSealedBlock]
// when the execution pipeline has not sealed any miniblock yet.
var ErrNoSealedBlocks = errors.New("no sealed miniblocks")

// CertificateExistsError is returned by [queries.InsertCertificate]
// when a certificate for the block number is already stored.
// Certificates are immutable once stored, so this indicates either
// a lost bootstrap race (safe to ignore) or a duplicate append (a bug).
type CertificateExistsError struct {
	Number ctypes.BlockNumber
}

func (e CertificateExistsError) Error() string {
	return fmt.Sprintf("certificate for block %d already stored", e.Number)
}
