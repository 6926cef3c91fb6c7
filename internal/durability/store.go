// Package durability implements the two on-disk artifacts spec.md §4.5
// mandates — an atomic write-then-replace JSON checkpoint and an
// append-only newline-delimited JSON write-ahead log — plus the startup
// replay, self-recovery, and replica-sync loops built on top of them.
package durability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/observability"
	"github.com/wardenmesh/warden/internal/state"
)

const (
	checkpointFile = "trust.json"
	walFile        = "wal.log"
)

// Store implements state.Persister on top of a checkpoint file and a WAL
// file living in one data directory. It also drives checkpoint writes and
// WAL compaction from two small background workers, since Persister's
// contract forbids calling back into Node synchronously.
type Store struct {
	node *state.Node
	log  *zap.Logger

	checkpointPath string
	walPath        string
	wal            *wal

	compactionThreshold int

	checkpointCh chan state.Snapshot
	compactionCh chan int

	metrics *observability.Metrics
}

// Open creates dataDir if needed, opens the WAL file for append, and starts
// the checkpoint/compaction background workers under ctx. The returned
// Store is ready to be wired via node.SetPersister, but startup replay
// (Replay) must run first.
func Open(ctx context.Context, node *state.Node, dataDir string, compactionThreshold int, metrics *observability.Metrics, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("durability: create data dir %q: %w", dataDir, err)
	}

	w, err := openWAL(filepath.Join(dataDir, walFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		node:                node,
		log:                 log,
		checkpointPath:      filepath.Join(dataDir, checkpointFile),
		walPath:             filepath.Join(dataDir, walFile),
		wal:                 w,
		compactionThreshold: compactionThreshold,
		checkpointCh:        make(chan state.Snapshot, 1),
		compactionCh:        make(chan int, 1),
		metrics:             metrics,
	}

	go s.runCheckpointWorker(ctx)
	go s.runCompactionWorker(ctx)

	return s, nil
}

// Close releases the WAL file handle.
func (s *Store) Close() error {
	return s.wal.close()
}

// ─── state.Persister ────────────────────────────────────────────────────

func (s *Store) AppendTrustUpdate(node string, trust float64, ts time.Time) error {
	err := s.wal.append(record{Kind: kindTrustUpdate, Timestamp: ts, Node: node, Trust: trust})
	if s.metrics != nil {
		s.metrics.ObserveWALAppend(kindTrustUpdate)
	}
	return err
}

func (s *Store) AppendStrikeUpdate(node string, strikes int, ts time.Time) error {
	err := s.wal.append(record{Kind: kindStrikeUpdate, Timestamp: ts, Node: node, Strikes: strikes})
	if s.metrics != nil {
		s.metrics.ObserveWALAppend(kindStrikeUpdate)
	}
	return err
}

func (s *Store) AppendEvent(e state.Event) error {
	ev := e
	err := s.wal.append(record{Kind: kindEvent, Timestamp: time.Now(), Event: &ev})
	if s.metrics != nil {
		s.metrics.ObserveWALAppend(kindEvent)
	}
	return err
}

func (s *Store) AppendPendingCase(id string, pc state.PendingCase) error {
	cp := pc
	err := s.wal.append(record{Kind: kindPendingCase, Timestamp: time.Now(), CaseID: id, Pending: &cp})
	if s.metrics != nil {
		s.metrics.ObserveWALAppend(kindPendingCase)
	}
	return err
}

// RequestCheckpoint enqueues snap to be written by the background worker,
// keeping only the newest request if the worker is still busy with a prior
// one ("latest wins" — checkpoints are idempotent full-state snapshots).
func (s *Store) RequestCheckpoint(snap state.Snapshot) {
	select {
	case s.checkpointCh <- snap:
		return
	default:
	}
	select {
	case <-s.checkpointCh:
	default:
	}
	select {
	case s.checkpointCh <- snap:
	default:
	}
}

// RequestCompaction signals the compaction worker when the event log has
// grown past the configured threshold (spec §4.5: "after each completed
// case, if |event log| >= 20").
func (s *Store) RequestCompaction(eventLogLen int) {
	if eventLogLen < s.compactionThreshold {
		return
	}
	select {
	case s.compactionCh <- eventLogLen:
	default:
	}
}

func (s *Store) runCheckpointWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.checkpointCh:
			if err := writeCheckpointAtomic(s.checkpointPath, snap); err != nil {
				s.log.Error("checkpoint write failed", zap.Error(err))
				continue
			}
			if s.metrics != nil {
				s.metrics.IncCheckpointWrite()
				s.metrics.SetStateVersion(snap.StateVersion)
			}
		}
	}
}

func (s *Store) runCompactionWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.compactionCh:
			s.compact()
		}
	}
}

// compact rewrites the checkpoint from current state, then empties the WAL.
// The checkpoint holds trust, strikes, quarantine, activity and reputation
// in full, but only the newest state.SnapshotEventCap events and no pending
// cases; older events and any case still pending at compaction time are
// not carried across a restart.
func (s *Store) compact() {
	version := s.node.BumpVersion()
	snap := s.node.Snapshot()
	snap.StateVersion = version

	if err := writeCheckpointAtomic(s.checkpointPath, snap); err != nil {
		s.log.Error("compaction checkpoint write failed", zap.Error(err))
		return
	}
	if err := s.wal.truncate(); err != nil {
		s.log.Error("wal truncate failed", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.IncCheckpointWrite()
		s.metrics.SetStateVersion(version)
	}
	s.log.Info("wal compacted", zap.Uint64("state_version", version))
}
