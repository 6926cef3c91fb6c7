package state

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnsureDefaults_NeverOverwritesExistingRows(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.ReplayTrustValue("self", 1.7, time.Now())
	n.SetStrikes("self", 2, time.Now())

	n.EnsureDefaults([]string{"self", "peer"}, 1.0)

	if got := n.Trust("self"); got != 1.7 {
		t.Errorf("EnsureDefaults overwrote an existing trust row: got %v, want 1.7", got)
	}
	if got := n.Strikes("self"); got != 2 {
		t.Errorf("EnsureDefaults overwrote an existing strikes row: got %v, want 2", got)
	}
	if got := n.Trust("peer"); got != 1.0 {
		t.Errorf("expected default trust for new peer row, got %v", got)
	}
}

func TestApplyTrustDelta_RespectsCooldown(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"peer"}, 1.0)

	now := time.Now()
	res := n.ApplyTrustDelta("peer", 0.1, 0.1, 2.0, 0.5, 0.4, 10*time.Second, now)
	if !res.Applied {
		t.Fatal("expected first update to apply")
	}

	res2 := n.ApplyTrustDelta("peer", 0.1, 0.1, 2.0, 0.5, 0.4, 10*time.Second, now.Add(time.Second))
	if res2.Applied {
		t.Error("expected second update within cooldown to be suppressed")
	}

	res3 := n.ApplyTrustDelta("peer", 0.1, 0.1, 2.0, 0.5, 0.4, 10*time.Second, now.Add(11*time.Second))
	if !res3.Applied {
		t.Error("expected update after cooldown elapsed to apply")
	}
}

func TestApplyTrustDelta_FrozenEngineRejectsAllUpdates(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"peer"}, 1.0)
	n.SetTrustFrozen(true)

	res := n.ApplyTrustDelta("peer", 0.5, 0.1, 2.0, 0.5, 0.4, 10*time.Second, time.Now())
	if res.Applied {
		t.Error("expected frozen engine to reject the update")
	}
}

func TestEvaluateQuarantine_DoesNotReactivateAlreadyActive(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"peer"}, 1.0)

	now := time.Now()
	first := n.EvaluateQuarantine("peer", 3, 0.35, 180*time.Second, now)
	if first {
		t.Fatal("setup: peer should not qualify for quarantine yet")
	}

	n.SetStrikes("peer", 3, now)
	second := n.EvaluateQuarantine("peer", 3, 0.35, 180*time.Second, now)
	if !second {
		t.Fatal("expected quarantine to activate once strikes reach the max")
	}

	third := n.EvaluateQuarantine("peer", 3, 0.35, 180*time.Second, now)
	if third {
		t.Error("expected EvaluateQuarantine to report false for an already-active quarantine")
	}
}

func TestReleaseExpiredQuarantines_ResetsStrikesAndReturnsNames(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"a", "b"}, 1.0)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)
	n.SetQuarantine("a", true, past)
	n.SetQuarantine("b", true, future)
	n.SetStrikes("a", 3, time.Now())

	released := n.ReleaseExpiredQuarantines(time.Now())

	if len(released) != 1 || released[0] != "a" {
		t.Errorf("expected only 'a' released, got %v", released)
	}
	if n.IsQuarantined("a") {
		t.Error("expected 'a' quarantine cleared")
	}
	if !n.IsQuarantined("b") {
		t.Error("'b' quarantine should still be active")
	}
	if n.Strikes("a") != 0 {
		t.Errorf("expected released node's strikes reset to 0, got %d", n.Strikes("a"))
	}
}

func TestPutPendingCase_SeedsSelfVoteTrue(t *testing.T) {
	n := NewNode("self", zap.NewNop())

	n.PutPendingCase("case-1", IncidentPayload{Process: "evil.exe", PID: 123}, time.Now())

	pc, ok := n.PendingCaseSnapshot("case-1")
	if !ok {
		t.Fatal("expected pending case to exist")
	}
	if vote, voted := pc.Votes["self"]; !voted || !vote {
		t.Errorf("expected self-vote true, got voted=%v vote=%v", voted, vote)
	}
}

func TestRecordVote_IgnoresUnknownCase(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	// Should not panic and should have no observable effect.
	n.RecordVote("does-not-exist", "peer", true)
	if n.ActiveCaseCount() != 0 {
		t.Error("expected no case to be created by RecordVote on an unknown id")
	}
}

func TestDeletePendingCase_RemovesCase(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.PutPendingCase("case-1", IncidentPayload{}, time.Now())
	if n.ActiveCaseCount() != 1 {
		t.Fatal("setup: expected one pending case")
	}
	n.DeletePendingCase("case-1")
	if n.ActiveCaseCount() != 0 {
		t.Error("expected case to be removed")
	}
}

func TestAppendEvent_TrimsToMaxEvents(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	for i := 0; i < MaxEvents+10; i++ {
		n.AppendEvent(Event{CaseID: "x"})
	}
	if got := len(n.Events()); got != MaxEvents {
		t.Errorf("expected event log trimmed to %d, got %d", MaxEvents, got)
	}
}

func TestSnapshot_CapsEventsToSnapshotEventCap(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	for i := 0; i < MaxEvents; i++ {
		n.AppendEvent(Event{CaseID: "x"})
	}
	snap := n.Snapshot()
	if got := len(snap.Events); got != SnapshotEventCap {
		t.Errorf("expected snapshot events capped to %d, got %d", SnapshotEventCap, got)
	}
	if got := len(n.FullEventLogSnapshot()); got != MaxEvents {
		t.Errorf("expected full event log to retain %d entries, got %d", MaxEvents, got)
	}
}

func TestTrustHash_StableAcrossMapIterationOrder(t *testing.T) {
	a := map[string]float64{"b": 1.0, "a": 2.0, "c": 0.5}
	b := map[string]float64{"c": 0.5, "a": 2.0, "b": 1.0}

	if TrustHash(a) != TrustHash(b) {
		t.Error("expected TrustHash to be independent of map construction order")
	}
}

func TestTrustHash_DiffersOnValueChange(t *testing.T) {
	a := map[string]float64{"a": 1.0}
	b := map[string]float64{"a": 1.0000001}

	if TrustHash(a) == TrustHash(b) {
		t.Error("expected TrustHash to differ when a trust value changes")
	}
}

func TestRestore_ReplacesAllDurableState(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"self", "peer"}, 1.0)
	n.SetStrikes("peer", 2, time.Now())

	restored := Snapshot{
		Trust:        map[string]float64{"self": 1.9, "other": 0.4},
		Strikes:      map[string]int{"other": 1},
		Quarantine:   map[string]Quarantine{"other": {Active: true, Until: time.Now().Add(time.Hour)}},
		NodeStats:    map[string]Activity{"other": {Votes: 5}},
		StateVersion: 7,
	}
	n.Restore(restored)

	if n.Trust("peer") != 0 {
		t.Errorf("expected peer's old trust row gone after Restore, got %v", n.Trust("peer"))
	}
	if n.Trust("other") != 0.4 {
		t.Errorf("expected restored trust for 'other', got %v", n.Trust("other"))
	}
	if n.StateVersion() != 7 {
		t.Errorf("expected state version adopted from snapshot, got %v", n.StateVersion())
	}
}

func TestMergeFromPeer_TakesMaxForTrustAndStrikes(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"self", "peer"}, 1.0)
	n.ReplayTrustValue("peer", 0.5, time.Now())
	n.SetStrikes("peer", 1, time.Now())

	remote := Snapshot{
		Trust:   map[string]float64{"peer": 1.8},
		Strikes: map[string]int{"peer": 3},
	}
	n.MergeFromPeer(remote)

	if got := n.Trust("peer"); got != 1.8 {
		t.Errorf("expected max trust adopted from remote, got %v", got)
	}
	if got := n.Strikes("peer"); got != 3 {
		t.Errorf("expected max strikes adopted from remote, got %v", got)
	}
}

func TestMergeFromPeer_DoesNotLowerLocalValues(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"peer"}, 1.0)
	n.ReplayTrustValue("peer", 1.9, time.Now())
	n.SetStrikes("peer", 3, time.Now())

	remote := Snapshot{
		Trust:   map[string]float64{"peer": 0.3},
		Strikes: map[string]int{"peer": 0},
	}
	n.MergeFromPeer(remote)

	if got := n.Trust("peer"); got != 1.9 {
		t.Errorf("expected local (larger) trust to survive merge, got %v", got)
	}
	if got := n.Strikes("peer"); got != 3 {
		t.Errorf("expected local (larger) strikes to survive merge, got %v", got)
	}
}

func TestMergeFromPeer_ReplacesQuarantineWholesaleFromRemote(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.SetQuarantine("peer", true, time.Now().Add(time.Hour))

	remote := Snapshot{
		Quarantine: map[string]Quarantine{"peer": {Active: false}},
	}
	n.MergeFromPeer(remote)

	if n.IsQuarantined("peer") {
		t.Error("expected remote quarantine record to replace local wholesale")
	}
}

func TestMergeFromPeer_KeepsLocalActivityIfPresent(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.TouchActivity("peer", time.Now())
	localActivity := n.ActivityOf("peer")

	remote := Snapshot{
		NodeStats: map[string]Activity{"peer": {Votes: 999}},
	}
	n.MergeFromPeer(remote)

	if got := n.ActivityOf("peer"); got != localActivity {
		t.Errorf("expected local activity to be kept over remote, got %+v want %+v", got, localActivity)
	}
}

func TestActiveNodeTrusts_ExcludesQuarantined(t *testing.T) {
	n := NewNode("self", zap.NewNop())
	n.EnsureDefaults([]string{"a", "b"}, 1.0)
	n.SetQuarantine("b", true, time.Now().Add(time.Hour))

	active := n.ActiveNodeTrusts()
	if _, ok := active["b"]; ok {
		t.Error("expected quarantined node excluded from ActiveNodeTrusts")
	}
	if _, ok := active["a"]; !ok {
		t.Error("expected non-quarantined node included")
	}
}
