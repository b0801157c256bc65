package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/ctypes"
	"github.com/dutterbutter/zksync-era/internal/glog"
)

// TryInitGenesis creates the first certificate if none exists yet,
// attesting to the execution pipeline's current last sealed block
// on behalf of the configured validator key set.
//
// Running it again, including concurrently from another process,
// is a no-op: the existence check and insert share one transaction
// against the certificate table's uniqueness constraint.
func (s *Store) TryInitGenesis(ctx context.Context, validatorKeys [][]byte) error {
	conn, err := s.pool.Access(ctx, "consensus")
	if err != nil {
		return err
	}
	defer conn.Release()

	// Fetch the last sealed block number outside of the transaction
	// to avoid taking a lock while waiting on the execution log.
	sealed, err := conn.LastSealedBlock(ctx)
	if err != nil {
		return fmt.Errorf("cannot bootstrap genesis: %w", err)
	}
	number := ctypes.BlockNumber(sealed)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, ok, err := tx.FirstCertificate(ctx); err != nil {
		return fmt.Errorf("failed to check for existing genesis certificate: %w", err)
	} else if ok {
		return nil
	}

	payload, ok, err := tx.Payload(ctx, number, s.operatorAddr)
	if err != nil {
		return fmt.Errorf("failed to read payload for genesis block %d: %w", number, err)
	}
	if !ok {
		return fmt.Errorf("payload for genesis block %d missing from execution log", number)
	}

	encoded, err := payload.Encode()
	if err != nil {
		return err
	}

	qc := ctypes.NewGenesisQC(validatorKeys, number, ctypes.PayloadHash(encoded))
	if err := tx.InsertCertificate(ctx, qc, s.operatorAddr); err != nil {
		// Losing a cross-process bootstrap race is fine;
		// exactly one genesis certificate exists either way.
		if errors.As(err, new(csqlite.CertificateExistsError)) {
			return nil
		}
		return fmt.Errorf("failed to insert genesis certificate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.Info(
		"Created genesis certificate",
		"block_number", uint64(number),
		"n_validators", len(validatorKeys),
		"payload_hash", glog.Hex(qc.Message.PayloadHash),
	)
	return nil
}
