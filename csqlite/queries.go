package csqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/dutterbutter/zksync-era/ctypes"
)

// dbtx is the common query surface of [sql.Conn] and [sql.Tx],
// so the same query methods work inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries is embedded in both [Conn] and [Tx].
type queries struct {
	q dbtx
}

// Miniblock is one sealed execution-layer block's metadata row.
type Miniblock struct {
	Number         ctypes.MiniblockNumber
	L1BatchNumber  ctypes.L1BatchNumber
	Timestamp      uint64
	L1GasPrice     uint64
	L2FairGasPrice uint64
	VirtualBlocks  uint32
	LastInBatch    bool
	Hash           []byte
}

// LastSealedBlock returns the highest miniblock number the execution
// pipeline has durably sealed, or [ErrNoSealedBlocks] for an empty log.
func (s queries) LastSealedBlock(ctx context.Context) (ctypes.MiniblockNumber, error) {
	var n uint32
	err := s.q.QueryRowContext(
		ctx,
		`SELECT number FROM miniblocks ORDER BY number DESC LIMIT 1;`,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoSealedBlocks
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query last sealed miniblock: %w", err)
	}
	return ctypes.MiniblockNumber(n), nil
}

// Miniblock returns the sealed miniblock row for number, if present.
func (s queries) Miniblock(ctx context.Context, number ctypes.MiniblockNumber) (Miniblock, bool, error) {
	var mb Miniblock
	var lastInBatch int
	err := s.q.QueryRowContext(
		ctx,
		`SELECT number, l1_batch_number, timestamp, l1_gas_price, l2_fair_gas_price, virtual_blocks, last_in_batch, hash
FROM miniblocks WHERE number = ?;`,
		uint32(number),
	).Scan(
		&mb.Number, &mb.L1BatchNumber, &mb.Timestamp,
		&mb.L1GasPrice, &mb.L2FairGasPrice, &mb.VirtualBlocks,
		&lastInBatch, &mb.Hash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Miniblock{}, false, nil
	}
	if err != nil {
		return Miniblock{}, false, fmt.Errorf("failed to query miniblock %d: %w", number, err)
	}
	mb.LastInBatch = lastInBatch != 0
	return mb, true, nil
}

// Payload assembles the block payload for number,
// attributing it to operatorAddr.
// It reports ok=false while the execution pipeline
// has not sealed the miniblock yet.
func (s queries) Payload(
	ctx context.Context,
	number ctypes.BlockNumber,
	operatorAddr []byte,
) (ctypes.Payload, bool, error) {
	mn, err := number.Miniblock()
	if err != nil {
		return ctypes.Payload{}, false, err
	}

	mb, ok, err := s.Miniblock(ctx, mn)
	if err != nil || !ok {
		return ctypes.Payload{}, false, err
	}

	rows, err := s.q.QueryContext(
		ctx,
		`SELECT tx FROM miniblock_txs WHERE miniblock_number = ? ORDER BY idx ASC;`,
		uint32(mn),
	)
	if err != nil {
		return ctypes.Payload{}, false, fmt.Errorf("failed to query transactions for miniblock %d: %w", mn, err)
	}
	defer rows.Close()

	var txs [][]byte
	for rows.Next() {
		var tx []byte
		if err := rows.Scan(&tx); err != nil {
			return ctypes.Payload{}, false, fmt.Errorf("failed to scan transaction for miniblock %d: %w", mn, err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return ctypes.Payload{}, false, fmt.Errorf("failure iterating transactions for miniblock %d: %w", mn, err)
	}

	return ctypes.Payload{
		L1BatchNumber:  mb.L1BatchNumber,
		Timestamp:      mb.Timestamp,
		L1GasPrice:     mb.L1GasPrice,
		L2FairGasPrice: mb.L2FairGasPrice,
		VirtualBlocks:  mb.VirtualBlocks,
		OperatorAddr:   operatorAddr,
		LastInBatch:    mb.LastInBatch,
		Hash:           mb.Hash,
		Transactions:   txs,
	}, true, nil
}

// InsertMiniblock is the execution pipeline's write path:
// it seals one miniblock with its ordered transactions.
// The bridge itself never calls this.
func (s queries) InsertMiniblock(ctx context.Context, mb Miniblock, txs [][]byte) error {
	lastInBatch := 0
	if mb.LastInBatch {
		lastInBatch = 1
	}
	if _, err := s.q.ExecContext(
		ctx,
		`INSERT INTO miniblocks(number, l1_batch_number, timestamp, l1_gas_price, l2_fair_gas_price, virtual_blocks, last_in_batch, hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		uint32(mb.Number), uint32(mb.L1BatchNumber), mb.Timestamp,
		mb.L1GasPrice, mb.L2FairGasPrice, mb.VirtualBlocks,
		lastInBatch, mb.Hash,
	); err != nil {
		return fmt.Errorf("failed to insert miniblock %d: %w", mb.Number, err)
	}

	for i, tx := range txs {
		if _, err := s.q.ExecContext(
			ctx,
			`INSERT INTO miniblock_txs(miniblock_number, idx, tx) VALUES (?, ?, ?);`,
			uint32(mb.Number), i, tx,
		); err != nil {
			return fmt.Errorf("failed to insert transaction %d of miniblock %d: %w", i, mb.Number, err)
		}
	}

	return nil
}

// FirstCertificate returns the lowest-numbered stored certificate, if any.
func (s queries) FirstCertificate(ctx context.Context) (ctypes.CommitQC, bool, error) {
	return s.certificateRow(
		ctx,
		`SELECT certificate FROM certificates ORDER BY block_number ASC LIMIT 1;`,
	)
}

// LastCertificate returns the highest-numbered stored certificate, if any.
func (s queries) LastCertificate(ctx context.Context) (ctypes.CommitQC, bool, error) {
	return s.certificateRow(
		ctx,
		`SELECT certificate FROM certificates ORDER BY block_number DESC LIMIT 1;`,
	)
}

// Certificate returns the stored certificate for number, if any.
func (s queries) Certificate(ctx context.Context, number ctypes.BlockNumber) (ctypes.CommitQC, bool, error) {
	return s.certificateRow(
		ctx,
		`SELECT certificate FROM certificates WHERE block_number = ?;`,
		uint64(number),
	)
}

func (s queries) certificateRow(ctx context.Context, query string, args ...any) (ctypes.CommitQC, bool, error) {
	var blob []byte
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ctypes.CommitQC{}, false, nil
	}
	if err != nil {
		return ctypes.CommitQC{}, false, fmt.Errorf("failed to query certificate: %w", err)
	}

	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return ctypes.CommitQC{}, false, fmt.Errorf("failed to decompress certificate: %w", err)
	}
	qc, err := ctypes.DecodeCommitQC(raw)
	if err != nil {
		return ctypes.CommitQC{}, false, err
	}
	return qc, true, nil
}

// InsertCertificate stores one certificate keyed by its block number
// and the operator address that produced it.
// A conflicting row surfaces as a [CertificateExistsError];
// stored certificates are immutable.
func (s queries) InsertCertificate(ctx context.Context, qc ctypes.CommitQC, operatorAddr []byte) error {
	raw, err := qc.Encode()
	if err != nil {
		return err
	}
	blob := snappy.Encode(nil, raw)

	if _, err := s.q.ExecContext(
		ctx,
		`INSERT INTO certificates(block_number, operator_addr, certificate) VALUES (?, ?, ?);`,
		uint64(qc.Message.Number), operatorAddr, blob,
	); err != nil {
		if isUniqueConstraintError(err) {
			return CertificateExistsError{Number: qc.Message.Number}
		}
		return fmt.Errorf("failed to insert certificate for block %d: %w", qc.Message.Number, err)
	}

	return nil
}

// ReplicaState returns the persisted voting state for the given node identity,
// or an empty state if none was ever written.
func (s queries) ReplicaState(ctx context.Context, identity []byte) (ctypes.ReplicaState, error) {
	var blob []byte
	err := s.q.QueryRowContext(
		ctx,
		`SELECT state FROM replica_states WHERE pub_key = ?;`,
		identity,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query replica state: %w", err)
	}

	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress replica state: %w", err)
	}
	return ctypes.ReplicaState(raw), nil
}

// SetReplicaState overwrites the persisted voting state for the given
// node identity wholesale. Last write wins.
func (s queries) SetReplicaState(ctx context.Context, identity []byte, state ctypes.ReplicaState) error {
	blob := snappy.Encode(nil, state)
	if _, err := s.q.ExecContext(
		ctx,
		`INSERT INTO replica_states(pub_key, state) VALUES (?, ?)
ON CONFLICT(pub_key) DO UPDATE SET state = excluded.state;`,
		identity, blob,
	); err != nil {
		return fmt.Errorf("failed to set replica state: %w", err)
	}
	return nil
}
