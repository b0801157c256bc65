package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dutterbutter/zksync-era/csqlite"
	"github.com/dutterbutter/zksync-era/cstore"
	"github.com/dutterbutter/zksync-era/ctypes"
	"github.com/dutterbutter/zksync-era/internal/glog"
	"github.com/dutterbutter/zksync-era/syncer"
)

// DefaultPollInterval is how often the store re-checks the execution log
// while waiting for it to catch up with consensus.
const DefaultPollInterval = 50 * time.Millisecond

// StoreConfig carries the identity and tuning knobs for a [Store].
type StoreConfig struct {
	// OperatorAddr is this node's operator address;
	// stored certificates are keyed by it,
	// and proposed payloads are attributed to it.
	OperatorAddr []byte

	// ReplicaIdentity keys this node's row in the replica-state table.
	ReplicaIdentity []byte

	// PollInterval overrides [DefaultPollInterval] when positive.
	// Tests inject a near-zero interval.
	PollInterval time.Duration
}

// Store considers a block as stored if and only if
// its certificate is present in the database.
//
// Store implements [cstore.PersistentBlockStore] and
// [cstore.PayloadManager] directly; the replica-state contract
// is exposed through [Store.ReplicaStore], because its State method
// shares a name with the block store's.
type Store struct {
	log *slog.Logger

	pool *csqlite.Pool

	operatorAddr    []byte
	replicaIdentity []byte

	pollInterval time.Duration

	// Guards installation of the follower-mode cursor and queue.
	// The cursor has its own finer-grained lock for advancing.
	mu      sync.Mutex
	cursor  *syncer.Cursor
	actions *syncer.ActionQueueSender
}

var (
	_ cstore.PersistentBlockStore = (*Store)(nil)
	_ cstore.PayloadManager       = (*Store)(nil)
)

// NewStore returns a store over pool.
// The pool should allow multiple pending accessors to work efficiently;
// the store itself never holds a connection across a poll sleep.
func NewStore(log *slog.Logger, pool *csqlite.Pool, cfg StoreConfig) *Store {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &Store{
		log: log,

		pool: pool,

		operatorAddr:    cfg.OperatorAddr,
		replicaIdentity: cfg.ReplicaIdentity,

		pollInterval: pollInterval,
	}
}

// SetActionQueue installs the follower-mode bridge:
// from now on, every block passed to StoreNextBlock is also translated
// into construction actions pushed to sender.
// The fetcher cursor is positioned from the current database state.
func (s *Store) SetActionQueue(ctx context.Context, sender *syncer.ActionQueueSender) error {
	conn, err := s.pool.Access(ctx, "consensus")
	if err != nil {
		return err
	}
	defer conn.Release()

	cursor, err := syncer.NewCursor(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to initialize fetcher cursor: %w", err)
	}

	s.mu.Lock()
	s.cursor = cursor
	s.actions = sender
	s.mu.Unlock()

	s.log.Info("Installed action queue", "next_miniblock", cursor.NextMiniblock())
	return nil
}

// State implements [cstore.PersistentBlockStore].
func (s *Store) State(ctx context.Context) (ctypes.BlockStoreState, bool, error) {
	conn, err := s.pool.Access(ctx, "consensus")
	if err != nil {
		return ctypes.BlockStoreState{}, false, err
	}
	defer conn.Release()

	first, ok, err := conn.FirstCertificate(ctx)
	if err != nil {
		return ctypes.BlockStoreState{}, false, fmt.Errorf("failed to read first certificate: %w", err)
	}
	if !ok {
		// Genesis has not been bootstrapped; the range is absent entirely.
		return ctypes.BlockStoreState{}, false, nil
	}

	last, ok, err := conn.LastCertificate(ctx)
	if err != nil {
		return ctypes.BlockStoreState{}, false, fmt.Errorf("failed to read last certificate: %w", err)
	}
	if !ok {
		return ctypes.BlockStoreState{}, false, cstore.CorruptionError{
			Number: first.Message.Number,
			Reason: "first certificate present but genesis certificate disappeared",
		}
	}

	return ctypes.BlockStoreState{First: first, Last: last}, true, nil
}

// Block implements [cstore.PersistentBlockStore].
func (s *Store) Block(ctx context.Context, number ctypes.BlockNumber) (ctypes.FinalBlock, bool, error) {
	conn, err := s.pool.Access(ctx, "consensus")
	if err != nil {
		return ctypes.FinalBlock{}, false, err
	}
	defer conn.Release()

	justification, ok, err := conn.Certificate(ctx, number)
	if err != nil {
		return ctypes.FinalBlock{}, false, fmt.Errorf("failed to read certificate for block %d: %w", number, err)
	}
	if !ok {
		return ctypes.FinalBlock{}, false, nil
	}

	payload, ok, err := conn.Payload(ctx, number, s.operatorAddr)
	if err != nil {
		return ctypes.FinalBlock{}, false, fmt.Errorf("failed to read payload for block %d: %w", number, err)
	}
	if !ok {
		return ctypes.FinalBlock{}, false, cstore.CorruptionError{
			Number: number,
			Reason: "certificate present but miniblock disappeared from storage",
		}
	}

	encoded, err := payload.Encode()
	if err != nil {
		return ctypes.FinalBlock{}, false, err
	}

	return ctypes.FinalBlock{
		Payload:       encoded,
		Justification: justification,
	}, true, nil
}

// StoreNextBlock implements [cstore.PersistentBlockStore].
//
// When a follower-mode action queue is installed,
// the block is first translated into construction actions
// so the execution pipeline can rebuild it locally.
// Either way, the certificate is only persisted once the execution log
// has sealed a block at least as high as the certified number:
// the certificate must never be stored ahead of the data it attests to.
func (s *Store) StoreNextBlock(ctx context.Context, block ctypes.FinalBlock) error {
	number := block.Number()

	s.mu.Lock()
	cursor, actions := s.cursor, s.actions
	s.mu.Unlock()

	if cursor != nil {
		miniblock, err := number.Miniblock()
		if err != nil {
			return err
		}

		payload, err := ctypes.DecodePayload(block.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode payload of block %d: %w", number, err)
		}

		// Blocks behind the cursor yield no actions; replay is idempotent.
		acts, err := cursor.Advance(syncer.FetchedBlockFromPayload(miniblock, payload))
		if err != nil {
			return fmt.Errorf("failed to advance fetcher cursor for block %d: %w", number, err)
		}
		if len(acts) > 0 {
			if err := actions.Push(ctx, acts); err != nil {
				return fmt.Errorf("failed to push sync actions for block %d: %w", number, err)
			}
		}
	}

	// This wait is unbounded by design; execution is expected to
	// eventually catch up, and engine-level timeouts bound it externally.
	for {
		caughtUp, err := s.insertCertificateIfSealed(ctx, block)
		if err != nil {
			return err
		}
		if caughtUp {
			return nil
		}

		glog.BN(s.log, uint64(number)).Debug("Waiting for execution to seal block")
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

// insertCertificateIfSealed persists the block's certificate if the
// execution log has caught up to it, reporting whether it did.
// The connection is released before the caller sleeps,
// so the poll loop never starves other accessors.
func (s *Store) insertCertificateIfSealed(ctx context.Context, block ctypes.FinalBlock) (bool, error) {
	number := block.Number()

	conn, err := s.pool.Access(ctx, "consensus")
	if err != nil {
		return false, err
	}
	defer conn.Release()

	sealed, err := conn.LastSealedBlock(ctx)
	if err != nil {
		if errors.Is(err, csqlite.ErrNoSealedBlocks) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read last sealed block while storing block %d: %w", number, err)
	}

	if ctypes.BlockNumber(sealed) < number {
		return false, nil
	}

	if err := conn.InsertCertificate(ctx, block.Justification, s.operatorAddr); err != nil {
		// Redelivery of an already-stored block after a restart is
		// tolerated; the stored certificate wins.
		if errors.As(err, new(csqlite.CertificateExistsError)) {
			return true, nil
		}
		return false, fmt.Errorf("failed to insert certificate for block %d: %w", number, err)
	}
	return true, nil
}

// Propose implements [cstore.PayloadManager].
func (s *Store) Propose(ctx context.Context, blockNumber ctypes.BlockNumber) ([]byte, error) {
	// The parent certificate must exist before this block number
	// can be proposed. Block zero has no parent;
	// it is only ever certified by the genesis bootstrap.
	if blockNumber > 0 {
		conn, err := s.pool.Access(ctx, "consensus")
		if err != nil {
			return nil, err
		}
		_, ok, err := conn.Certificate(ctx, blockNumber.Prev())
		conn.Release()
		if err != nil {
			return nil, fmt.Errorf("failed to read parent certificate of block %d: %w", blockNumber, err)
		}
		if !ok {
			return nil, cstore.MissingParentError{Number: blockNumber}
		}
	}

	// Execution assigns block numbers asynchronously relative to consensus,
	// so this is a bounded-latency wait, not a synchronous read.
	for {
		payload, ok, err := s.readPayload(ctx, blockNumber)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload.Encode()
		}

		if err := s.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Store) readPayload(ctx context.Context, blockNumber ctypes.BlockNumber) (ctypes.Payload, bool, error) {
	conn, err := s.pool.Access(ctx, "consensus")
	if err != nil {
		return ctypes.Payload{}, false, err
	}
	defer conn.Release()

	payload, ok, err := conn.Payload(ctx, blockNumber, s.operatorAddr)
	if err != nil {
		return ctypes.Payload{}, false, fmt.Errorf("failed to read payload for block %d: %w", blockNumber, err)
	}
	return payload, ok, nil
}

// Verify implements [cstore.PayloadManager].
func (s *Store) Verify(ctx context.Context, blockNumber ctypes.BlockNumber, payload []byte) error {
	encodedWant, err := s.Propose(ctx, blockNumber)
	if err != nil {
		return err
	}

	want, err := ctypes.DecodePayload(encodedWant)
	if err != nil {
		return fmt.Errorf("failed to decode computed payload for block %d: %w", blockNumber, err)
	}
	got, err := ctypes.DecodePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to decode candidate payload for block %d: %w", blockNumber, err)
	}

	if !got.Equal(want) {
		return cstore.PayloadMismatchError{
			Number: blockNumber,
			Want:   want,
			Got:    got,
		}
	}

	return nil
}

func (s *Store) sleep(ctx context.Context) error {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
