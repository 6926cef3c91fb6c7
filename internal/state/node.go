package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/reputation"
)

// MaxEvents bounds the in-memory event log, per the coordinator's "trim to
// 50 after every case" rule. Snapshots (and so checkpoints) carry at most
// SnapshotEventCap of these events.
const MaxEvents = 50

// SnapshotEventCap bounds how many events GET /state/snapshot includes.
const SnapshotEventCap = 20

// Node is the single mutex-protected context object every warden component
// shares. Self and peers are both represented as rows in the same maps —
// there is no separate "self" struct.
type Node struct {
	mu sync.RWMutex

	name string
	log  *zap.Logger

	trust      map[string]float64
	strikes    map[string]int
	quarantine map[string]Quarantine
	activity   map[string]Activity
	lastUpdate map[string]time.Time

	reputation *reputation.Engine

	pendingCases map[string]*PendingCase
	eventLog     []Event

	stateVersion uint64

	recoveryMode      bool
	restoreInProgress bool
	trustFrozen       bool

	persister Persister
}

// NewNode creates an empty Node for the given local node name. Peers (and
// self) still need defaults seeded via EnsureDefaults.
func NewNode(name string, log *zap.Logger) *Node {
	return &Node{
		name:         name,
		log:          log,
		trust:        make(map[string]float64),
		strikes:      make(map[string]int),
		quarantine:   make(map[string]Quarantine),
		activity:     make(map[string]Activity),
		lastUpdate:   make(map[string]time.Time),
		reputation:   reputation.NewEngine(),
		pendingCases: make(map[string]*PendingCase),
	}
}

// Name returns the local node's name.
func (n *Node) Name() string { return n.name }

// SetPersister wires the durability layer in. Must be called once, before
// any mutating call, or mutations before that point are not WAL-logged.
func (n *Node) SetPersister(p Persister) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.persister = p
}

// EnsureDefaults applies setdefault semantics for every node name in names
// (self + all peers): trust=DefaultTrust, strikes=0, quarantine=inactive,
// only for rows that don't already exist. Never overwrites loaded values —
// this is what lets WAL replay and checkpoint load run before the peer list
// is known to be complete.
func (n *Node) EnsureDefaults(names []string, defaultTrust float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, nm := range names {
		if nm == "" {
			continue
		}
		if _, ok := n.trust[nm]; !ok {
			n.trust[nm] = defaultTrust
		}
		if _, ok := n.strikes[nm]; !ok {
			n.strikes[nm] = 0
		}
		if _, ok := n.quarantine[nm]; !ok {
			n.quarantine[nm] = Quarantine{}
		}
	}
}

// Reputation exposes the embedded reputation engine for direct calls
// (record_success/record_false/accuracy) — it has its own lock and does not
// need Node's.
func (n *Node) Reputation() *reputation.Engine { return n.reputation }

// ─── Trust / strikes / quarantine reads ──────────────────────────────────

// Trust returns the current trust scalar for a node. Unknown nodes read as
// 0 (callers should have called EnsureDefaults already).
func (n *Node) Trust(name string) float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.trust[name]
}

// Strikes returns the current strike count for a node.
func (n *Node) Strikes(name string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.strikes[name]
}

// IsQuarantined reports whether a node is currently excluded from voting.
func (n *Node) IsQuarantined(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.quarantine[name].Active
}

// QuarantineOf returns a copy of a node's quarantine record.
func (n *Node) QuarantineOf(name string) Quarantine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.quarantine[name]
}

// Recalibration/global flags.

// SetRecoveryMode flips the node into or out of recovery mode. While true,
// /propose and /vote acknowledge without acting; /alert is still applied.
func (n *Node) SetRecoveryMode(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recoveryMode = v
}

// RecoveryMode reports whether the node is currently in recovery mode.
func (n *Node) RecoveryMode() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.recoveryMode
}

// SetRestoreInProgress records that a bulk restore (quorum or
// controller-pushed) is underway. The checkpoint worker does not read this
// flag and keeps writing while it is set; Restore itself swaps all state
// under the node lock, so no reader observes a half-applied snapshot.
func (n *Node) SetRestoreInProgress(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restoreInProgress = v
}

// SetTrustFrozen gates apply_trust_update entirely (a frozen engine accepts
// no trust deltas). No peer endpoint sets it.
func (n *Node) SetTrustFrozen(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trustFrozen = v
}

// ─── Trust mutation (apply_trust_update pipeline lives in internal/trust;
// Node only exposes the primitive writes it needs under the shared lock) ──

// TrustUpdateResult communicates what ApplyTrustDelta actually did, so the
// caller (internal/trust) can decide whether to log/checkpoint.
type TrustUpdateResult struct {
	Applied bool
	Before  float64
	After   float64
}

// ApplyTrustDelta performs one clamp+EMA trust update under the node lock,
// honoring the global freeze flag and the per-node cooldown. minTrust/
// maxTrust/maxDelta/emaAlpha/cooldown are passed in by internal/trust so
// this package carries no policy constants of its own.
func (n *Node) ApplyTrustDelta(name string, rawDelta, minTrust, maxTrust, maxDelta, emaAlpha float64, cooldown time.Duration, now time.Time) TrustUpdateResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.trustFrozen {
		return TrustUpdateResult{}
	}
	if last, ok := n.lastUpdate[name]; ok && now.Sub(last) < cooldown {
		return TrustUpdateResult{}
	}

	// A genuinely unseen node reads as 0 here (Go's map zero value); that
	// matches the source's bare dict default and is left to EnsureDefaults
	// to have pre-populated for any node that should start elsewhere.
	before := n.trust[name]

	clamped := clampF(rawDelta, -maxDelta, maxDelta)
	target := clampF(before+clamped, minTrust, maxTrust)
	after := emaAlpha*target + (1-emaAlpha)*before

	n.trust[name] = after
	n.lastUpdate[name] = now

	if n.persister != nil {
		_ = n.persister.AppendTrustUpdate(name, after, now)
	}

	return TrustUpdateResult{Applied: true, Before: before, After: after}
}

// ReplayTrustValue assigns a trust value directly, bypassing the clamp/EMA
// pipeline. Used only by WAL replay, where the logged value is already the
// fully-computed result of a historical ApplyTrustDelta call.
func (n *Node) ReplayTrustValue(name string, trust float64, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trust[name] = trust
	n.lastUpdate[name] = now
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SetStrikes overwrites a node's strike counter (used both to increment by
// one and to reset to zero on release/reward).
func (n *Node) SetStrikes(name string, count int, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.strikes[name] = count
	if n.persister != nil {
		_ = n.persister.AppendStrikeUpdate(name, count, now)
	}
}

// IncrementStrikes adds one strike and returns the new count.
func (n *Node) IncrementStrikes(name string, now time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.strikes[name]++
	c := n.strikes[name]
	if n.persister != nil {
		_ = n.persister.AppendStrikeUpdate(name, c, now)
	}
	return c
}

// EvaluateQuarantine applies the quarantine activation rule for one node:
// if not already active and (strikes>=maxStrikes or trust<threshold),
// activate for `duration`. Returns true if it just activated.
func (n *Node) EvaluateQuarantine(name string, maxStrikes int, trustThreshold float64, duration time.Duration, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.quarantine[name]
	if q.Active {
		return false
	}
	if n.strikes[name] >= maxStrikes || n.trust[name] < trustThreshold {
		n.quarantine[name] = Quarantine{Active: true, Until: now.Add(duration)}
		return true
	}
	return false
}

// SelfQuarantine immediately quarantines the local node for duration.
func (n *Node) SelfQuarantine(duration time.Duration, now time.Time) {
	n.SetQuarantine(n.name, true, now.Add(duration))
}

// SetQuarantine is the direct governance write path (used by
// /governance/quarantine and by watchdog release).
func (n *Node) SetQuarantine(name string, active bool, until time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quarantine[name] = Quarantine{Active: active, Until: until}
}

// ReleaseExpiredQuarantines clears Q(n).Active for every node whose Until
// has passed, resetting its strike counter, and returns the names released.
func (n *Node) ReleaseExpiredQuarantines(now time.Time) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var released []string
	for name, q := range n.quarantine {
		if q.Active && now.After(q.Until) {
			n.quarantine[name] = Quarantine{}
			n.strikes[name] = 0
			released = append(released, name)
		}
	}
	return released
}

// ─── Activity ──────────────────────────────────────────────────────────────

// TouchActivity bumps a node's vote count and last-activity timestamp.
func (n *Node) TouchActivity(name string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := n.activity[name]
	a.Votes++
	a.LastActivity = now
	n.activity[name] = a
}

// MarkActivity updates only the last-activity timestamp (used by /alert,
// which is not itself a vote).
func (n *Node) MarkActivity(name string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := n.activity[name]
	a.LastActivity = now
	n.activity[name] = a
}

// ActivityOf returns a copy of a node's activity record.
func (n *Node) ActivityOf(name string) Activity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.activity[name]
}

// ─── Trust/activity read for the decay loop and adaptive threshold ────────

// ActiveNodeTrusts returns trust values for every known node that is not
// currently quarantined — used to compute the cluster average.
func (n *Node) ActiveNodeTrusts() map[string]float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]float64, len(n.trust))
	for name, t := range n.trust {
		if !n.quarantine[name].Active {
			out[name] = t
		}
	}
	return out
}

// AllTrusts returns a copy of every known node's trust value, quarantined
// or not — used by the decay loop's median computation.
func (n *Node) AllTrusts() map[string]float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]float64, len(n.trust))
	for k, v := range n.trust {
		out[k] = v
	}
	return out
}

// KnownNodes returns every node name this node has a trust row for.
func (n *Node) KnownNodes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.trust))
	for k := range n.trust {
		out = append(out, k)
	}
	return out
}

// LastActivityOf returns a node's last-activity timestamp (zero value if
// never recorded).
func (n *Node) LastActivityOf(name string) time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.activity[name].LastActivity
}

// ─── Pending cases ──────────────────────────────────────────────────────────

// PutPendingCase creates a new pending case, with the local node's self-vote
// already set to true per the coordinator's case-creation rule.
func (n *Node) PutPendingCase(id string, payload IncidentPayload, startTime time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pc := &PendingCase{
		Payload:   payload,
		StartTime: startTime,
		Votes:     map[string]bool{n.name: true},
	}
	n.pendingCases[id] = pc
	if n.persister != nil {
		_ = n.persister.AppendPendingCase(id, *pc)
	}
}

// RecordVote sets a voter's vote on a pending case, if that case still
// exists. Duplicate votes overwrite; there is no ordering guarantee.
func (n *Node) RecordVote(caseID, voter string, vote bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pc, ok := n.pendingCases[caseID]
	if !ok {
		return
	}
	pc.Votes[voter] = vote
}

// PendingCaseSnapshot returns a copy of a pending case's votes and payload,
// or ok=false if it no longer exists.
func (n *Node) PendingCaseSnapshot(caseID string) (PendingCase, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pc, ok := n.pendingCases[caseID]
	if !ok {
		return PendingCase{}, false
	}
	return PendingCase{Payload: pc.Payload, StartTime: pc.StartTime, Votes: pc.CloneVotes()}, true
}

// DeletePendingCase removes a case once it has been finalized or timed out.
func (n *Node) DeletePendingCase(caseID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.pendingCases, caseID)
}

// ActiveCaseCount returns the number of pending cases currently tracked.
func (n *Node) ActiveCaseCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.pendingCases)
}

// RestorePendingCase is used only by WAL replay: it inserts a case exactly
// as logged, without forcing a self-vote (the replay step adds that
// separately if missing, per the startup sequence's invariant).
func (n *Node) RestorePendingCase(id string, pc PendingCase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := pc
	cp.Votes = pc.CloneVotes()
	n.pendingCases[id] = &cp
}

// PendingCaseIDs returns every tracked case id (used during replay cleanup).
func (n *Node) PendingCaseIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.pendingCases))
	for id := range n.pendingCases {
		out = append(out, id)
	}
	return out
}

// ─── Events ─────────────────────────────────────────────────────────────────

// AppendEvent adds an event to the bounded log, trims it to MaxEvents, and
// WAL-logs it.
func (n *Node) AppendEvent(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventLog = append(n.eventLog, e)
	if len(n.eventLog) > MaxEvents {
		n.eventLog = n.eventLog[len(n.eventLog)-MaxEvents:]
	}
	if n.persister != nil {
		_ = n.persister.AppendEvent(e)
	}
}

// Events returns a copy of the full bounded event log.
func (n *Node) Events() []Event {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Event, len(n.eventLog))
	copy(out, n.eventLog)
	return out
}

// TrimEventLog caps the log at MaxEvents (used after replay, which may have
// reconstructed a longer list from individual WAL "event" entries).
func (n *Node) TrimEventLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.eventLog) > MaxEvents {
		n.eventLog = n.eventLog[len(n.eventLog)-MaxEvents:]
	}
}

// RequestCompaction asks the durability layer to compact the WAL, passing
// the current event log length so it can decide whether the ≥20 threshold
// is met. A no-op when no persister is wired.
func (n *Node) RequestCompaction() {
	n.mu.RLock()
	length := len(n.eventLog)
	p := n.persister
	n.mu.RUnlock()
	if p != nil {
		p.RequestCompaction(length)
	}
}

// ─── Versioning / snapshot / digest ────────────────────────────────────────

// BumpVersion increments and returns the state version. Called by the
// durability layer when startup replay or WAL compaction writes a
// checkpoint; checkpoints written through RequestCheckpoint keep the
// current version.
func (n *Node) BumpVersion() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateVersion++
	return n.stateVersion
}

// StateVersion returns the current version without mutating it.
func (n *Node) StateVersion() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stateVersion
}

// SetStateVersion is used on load/restore to adopt a version from disk or a
// peer snapshot.
func (n *Node) SetStateVersion(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v > n.stateVersion {
		n.stateVersion = v
	}
}

// Snapshot clones the full node state under the read lock for
// GET /state/snapshot and for checkpoint writes.
func (n *Node) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.snapshotLocked()
}

func (n *Node) snapshotLocked() Snapshot {
	trust := make(map[string]float64, len(n.trust))
	for k, v := range n.trust {
		trust[k] = v
	}
	strikes := make(map[string]int, len(n.strikes))
	for k, v := range n.strikes {
		strikes[k] = v
	}
	quarantine := make(map[string]Quarantine, len(n.quarantine))
	for k, v := range n.quarantine {
		quarantine[k] = v
	}
	stats := make(map[string]Activity, len(n.activity))
	for k, v := range n.activity {
		stats[k] = v
	}
	rep := n.reputation.Snapshot()

	events := n.eventLog
	if len(events) > SnapshotEventCap {
		events = events[len(events)-SnapshotEventCap:]
	}
	evCopy := make([]Event, len(events))
	copy(evCopy, events)

	return Snapshot{
		Trust:        trust,
		Strikes:      strikes,
		Quarantine:   quarantine,
		NodeStats:    stats,
		Reputation:   rep,
		Events:       evCopy,
		Timestamp:    time.Now(),
		StateVersion: n.stateVersion,
	}
}

// FullEventLogSnapshot returns every event (not capped to SnapshotEventCap),
// used by GET /events.
func (n *Node) FullEventLogSnapshot() []Event {
	return n.Events()
}

// TrustHash computes the stable, cross-node-comparable hash mandated by the
// spec's resolved open question: sha256 over the sorted "name=value;"
// encoding of the trust map, never the platform's default map hash.
func TrustHash(trust map[string]float64) string {
	names := make([]string, 0, len(trust))
	for k := range trust {
		names = append(names, k)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s=%v;", name, trust[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Digest builds the GET /state/digest response from current state.
func (n *Node) Digest() Digest {
	n.mu.RLock()
	defer n.mu.RUnlock()
	trust := make(map[string]float64, len(n.trust))
	for k, v := range n.trust {
		trust[k] = v
	}
	return Digest{
		Node:      n.name,
		Version:   n.stateVersion,
		Timestamp: time.Now(),
		TrustHash: TrustHash(trust),
	}
}

// Restore atomically replaces all durable state from a snapshot — used by
// both the controller-pushed /state/restore endpoint and pull-based peer
// quorum recovery. Callers set the restore-in-progress flag around it; the
// swap itself happens under the node lock, so concurrent readers and
// checkpoint snapshots see either the old or the new state.
func (n *Node) Restore(snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.trust = cloneFloatMap(snap.Trust)
	n.strikes = cloneIntMap(snap.Strikes)
	n.quarantine = cloneQuarantineMap(snap.Quarantine)
	n.activity = cloneActivityMap(snap.NodeStats)
	n.reputation.LoadFromSnapshot(cloneRepMap(snap.Reputation))
	n.eventLog = append([]Event(nil), snap.Events...)
	if snap.StateVersion > n.stateVersion {
		n.stateVersion = snap.StateVersion
	}
}

// MergeFromPeer applies the replica-sync merge rule (§4.5): trust and
// strikes take the max, quarantine is replaced wholesale from the remote,
// activity is kept local if present (else adopted from remote), reputation
// merges field-wise by max, and the event log is extended then trimmed.
func (n *Node) MergeFromPeer(remote Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for name, rt := range remote.Trust {
		if rt > n.trust[name] {
			n.trust[name] = rt
		}
	}
	for name, rs := range remote.Strikes {
		if rs > n.strikes[name] {
			n.strikes[name] = rs
		}
	}
	for name, rq := range remote.Quarantine {
		n.quarantine[name] = rq
	}
	for name, ra := range remote.NodeStats {
		if _, present := n.activity[name]; !present {
			n.activity[name] = ra
		}
	}
	n.reputation.MergeMax(remote.Reputation)

	n.eventLog = append(n.eventLog, remote.Events...)
	if len(n.eventLog) > MaxEvents {
		n.eventLog = n.eventLog[len(n.eventLog)-MaxEvents:]
	}

	if remote.StateVersion > n.stateVersion {
		n.stateVersion = remote.StateVersion
	}
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneQuarantineMap(m map[string]Quarantine) map[string]Quarantine {
	out := make(map[string]Quarantine, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneActivityMap(m map[string]Activity) map[string]Activity {
	out := make(map[string]Activity, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRepMap(m map[string]reputation.Record) map[string]reputation.Record {
	out := make(map[string]reputation.Record, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
