package durability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/peerrpc"
	"github.com/wardenmesh/warden/internal/state"
)

// PeerDirectory resolves configured peer names to base URLs. Mirrors
// internal/coordinator.PeerDirectory's shape so both packages can share one
// concrete implementation in cmd/warden without either importing the other.
type PeerDirectory interface {
	BaseURL(nodeName string) (string, bool)
	Names() []string
}

// Replay runs the full startup sequence from spec §4.5: load the checkpoint
// (if any), replay every WAL record in order under RECOVERY_MODE, drop
// pending cases whose deadline has already passed, ensure every surviving
// one has a self-vote, then write a fresh checkpoint and truncate the WAL.
//
// Must be called before node.SetPersister(store) — the node methods it
// calls during replay (SetStrikes, AppendEvent, ...) would otherwise
// re-append their own replayed entries back into the WAL they're being
// read from.
func (s *Store) Replay(voteTimeout time.Duration) error {
	snap, ok, err := loadCheckpoint(s.checkpointPath)
	if err != nil {
		return err
	}
	if ok {
		s.node.Restore(snap)
	} else if _, statErr := os.Stat(s.checkpointPath); statErr == nil {
		s.log.Warn("checkpoint file unreadable, starting from defaults", zap.String("path", s.checkpointPath))
	}

	s.node.SetRecoveryMode(true)

	records, malformed, err := readWAL(s.walPath)
	if err != nil {
		return err
	}
	for _, m := range malformed {
		s.log.Warn("skipping malformed wal record", zap.String("line", m))
	}
	for _, r := range records {
		switch r.Kind {
		case kindTrustUpdate:
			s.node.ReplayTrustValue(r.Node, r.Trust, r.Timestamp)
		case kindStrikeUpdate:
			s.node.SetStrikes(r.Node, r.Strikes, r.Timestamp)
		case kindEvent:
			if r.Event != nil {
				s.node.AppendEvent(*r.Event)
			}
		case kindPendingCase:
			if r.Pending != nil {
				s.node.RestorePendingCase(r.CaseID, *r.Pending)
			}
		default:
			s.log.Warn("unknown wal record kind, skipping", zap.String("kind", r.Kind))
		}
	}
	s.node.TrimEventLog()

	now := time.Now()
	for _, id := range s.node.PendingCaseIDs() {
		pc, ok := s.node.PendingCaseSnapshot(id)
		if !ok {
			continue
		}
		if pc.StartTime.Add(voteTimeout).Before(now) {
			s.node.DeletePendingCase(id)
			continue
		}
		if _, voted := pc.Votes[s.node.Name()]; !voted {
			s.node.RecordVote(id, s.node.Name(), true)
		}
	}

	version := s.node.BumpVersion()
	finalSnap := s.node.Snapshot()
	finalSnap.StateVersion = version
	if err := writeCheckpointAtomic(s.checkpointPath, finalSnap); err != nil {
		return err
	}
	if err := s.wal.truncate(); err != nil {
		return err
	}

	s.node.SetRecoveryMode(false)
	s.log.Info("wal replay complete", zap.Int("records", len(records)), zap.Uint64("state_version", version))
	return nil
}

// RunSelfRecovery implements spec §4.5's self-recovery loop: after a
// bootstrap grace period, if this node's trust/reputation looks like empty
// or all-default (the signature of a wiped data directory), it attempts a
// peer-quorum restore and falls back to POSTing an administrative
// controller if no peer snapshots are available.
func (s *Store) RunSelfRecovery(ctx context.Context, peers PeerDirectory, client *peerrpc.Client, defaultTrust float64, bootstrapGrace, cooldown, period time.Duration, controllerURL string) {
	start := time.Now()
	var lastRecovery time.Time

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(start) < bootstrapGrace {
			continue
		}
		if !needsRecovery(s.node, defaultTrust) {
			continue
		}
		if !lastRecovery.IsZero() && time.Since(lastRecovery) < cooldown {
			continue
		}
		lastRecovery = time.Now()

		s.attemptRecovery(ctx, peers, client, controllerURL)
	}
}

func needsRecovery(node *state.Node, defaultTrust float64) bool {
	trust := node.AllTrusts()
	allDefaultOrEmpty := true
	for _, v := range trust {
		if v != defaultTrust {
			allDefaultOrEmpty = false
			break
		}
	}
	repEmpty := len(node.Reputation().Snapshot()) == 0
	return allDefaultOrEmpty || repEmpty
}

func (s *Store) attemptRecovery(ctx context.Context, peers PeerDirectory, client *peerrpc.Client, controllerURL string) {
	s.node.SetRecoveryMode(true)
	defer s.node.SetRecoveryMode(false)

	snap, ok := quorumRestore(ctx, s.node.Name(), peers, client, s.log)
	if ok {
		s.node.SetRestoreInProgress(true)
		s.node.Restore(snap)
		s.node.SetRestoreInProgress(false)
		s.node.SetQuarantine(s.node.Name(), false, time.Time{})
		s.RequestCheckpoint(s.node.Snapshot())
		s.log.Info("quorum restore applied", zap.Uint64("state_version", snap.StateVersion))
		return
	}

	if controllerURL == "" {
		s.log.Warn("self-recovery found no peer snapshots and no controller configured")
		return
	}
	if err := postControllerRecover(ctx, controllerURL, s.node.Name()); err != nil {
		s.log.Warn("controller-fallback recovery request failed", zap.Error(err))
	}
}

// quorumRestore implements spec §4.5 step 2: fetch every peer's snapshot,
// group by trust-map content hash, and pick the newest snapshot from the
// largest group of size >= max(1, floor(peerCount/2)); if no group reaches
// that size, fall back to the single newest snapshot seen.
func quorumRestore(ctx context.Context, self string, peers PeerDirectory, client *peerrpc.Client, log *zap.Logger) (state.Snapshot, bool) {
	names := peers.Names()
	var snapshots []state.Snapshot
	for _, name := range names {
		if name == self {
			continue
		}
		baseURL, ok := peers.BaseURL(name)
		if !ok {
			continue
		}
		snap, err := client.Snapshot(ctx, baseURL)
		if err != nil {
			log.Warn("quorum restore: peer snapshot fetch failed", zap.String("peer", name), zap.Error(err))
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if len(snapshots) == 0 {
		return state.Snapshot{}, false
	}

	groups := make(map[string][]state.Snapshot)
	for _, snap := range snapshots {
		key := state.TrustHash(snap.Trust)
		groups[key] = append(groups[key], snap)
	}

	threshold := len(names) / 2
	if threshold < 1 {
		threshold = 1
	}

	var best state.Snapshot
	bestSize := 0
	found := false
	for _, group := range groups {
		if len(group) < threshold {
			continue
		}
		candidate := newestOf(group)
		if !found || len(group) > bestSize || (len(group) == bestSize && candidate.Timestamp.After(best.Timestamp)) {
			best = candidate
			bestSize = len(group)
			found = true
		}
	}
	if !found {
		best = newestOf(snapshots)
		found = true
	}
	return best, found
}

func newestOf(snaps []state.Snapshot) state.Snapshot {
	newest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Timestamp.After(newest.Timestamp) {
			newest = s
		}
	}
	return newest
}

type controllerRecoverRequest struct {
	Node string `json:"node"`
}

func postControllerRecover(ctx context.Context, controllerURL, node string) error {
	buf, err := json.Marshal(controllerRecoverRequest{Node: node})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controllerURL+"/cluster/recover", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("durability: controller recover request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("durability: controller recover request: status %d", resp.StatusCode)
	}
	return nil
}

// RunReplicaSync implements spec §4.5's replica sync loop: every period,
// while not in recovery mode, pull each peer's digest and, when its
// version is ahead of ours, merge its full snapshot in via
// state.Node.MergeFromPeer. Always checkpoints once at the end of a pass
// that performed at least the digest comparisons.
func (s *Store) RunReplicaSync(ctx context.Context, peers PeerDirectory, client *peerrpc.Client, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.node.RecoveryMode() {
			continue
		}

		for _, name := range peers.Names() {
			if name == s.node.Name() {
				continue
			}
			baseURL, ok := peers.BaseURL(name)
			if !ok {
				continue
			}
			digest, err := client.Digest(ctx, baseURL)
			if err != nil {
				s.log.Warn("replica sync: digest fetch failed", zap.String("peer", name), zap.Error(err))
				continue
			}
			if digest.Version <= s.node.StateVersion() {
				continue
			}
			snap, err := client.Snapshot(ctx, baseURL)
			if err != nil {
				s.log.Warn("replica sync: snapshot fetch failed", zap.String("peer", name), zap.Error(err))
				continue
			}
			s.node.MergeFromPeer(snap)
			s.log.Info("replica sync merged peer snapshot", zap.String("peer", name), zap.Uint64("peer_version", digest.Version))
		}

		s.RequestCheckpoint(s.node.Snapshot())
	}
}
