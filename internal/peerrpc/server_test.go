package peerrpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/state"
	"github.com/wardenmesh/warden/internal/trust"
)

type recordingHandler struct {
	votes  []voteCall
	alerts []alertCall
}

type voteCall struct {
	caseID, from string
	vote         bool
}

type alertCall struct {
	proposer, result string
}

func (r *recordingHandler) RecordVote(caseID, from string, vote bool) {
	r.votes = append(r.votes, voteCall{caseID, from, vote})
}

func (r *recordingHandler) HandleAlert(proposer, result string) {
	r.alerts = append(r.alerts, alertCall{proposer, result})
}

type noResolver struct{}

func (noResolver) BaseURL(string) (string, bool) { return "", false }

func newTestServer(t *testing.T) (*Server, *state.Node, *recordingHandler) {
	t.Helper()
	log := zap.NewNop()
	node := state.NewNode("self", log)
	node.EnsureDefaults([]string{"self", "peer"}, trust.DefaultTrust)
	engine := trust.NewEngine(node, trust.DefaultParams(), log, nil)
	handler := &recordingHandler{}
	client := NewClient(time.Second, nil)
	s := NewServer(node, engine, handler, noResolver{}, client, false, nil, log)
	return s, node, handler
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleVote_RejectsMissingFields(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodPost, "/vote", VoteRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleVote_DelegatesToHandler(t *testing.T) {
	s, _, handler := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodPost, "/vote", VoteRequest{CaseID: "c1", From: "peer", Vote: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(handler.votes) != 1 || handler.votes[0] != (voteCall{"c1", "peer", true}) {
		t.Errorf("expected vote recorded, got %+v", handler.votes)
	}
}

func TestHandleVote_SelfQuarantinedAcksWithoutApplying(t *testing.T) {
	s, node, handler := newTestServer(t)
	node.SelfQuarantine(time.Minute, time.Now())

	rec := doRequest(t, s.Handler(), http.MethodPost, "/vote", VoteRequest{CaseID: "c1", From: "peer", Vote: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(handler.votes) != 0 {
		t.Error("expected no vote applied while self-quarantined")
	}
}

func TestHandleAlert_DelegatesToHandler(t *testing.T) {
	s, _, handler := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodPost, "/alert", AlertRequest{CaseID: "c1", Node: "peer", Result: "terminated"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(handler.alerts) != 1 || handler.alerts[0] != (alertCall{"peer", "terminated"}) {
		t.Errorf("expected alert recorded unforged, got %+v", handler.alerts)
	}
}

func TestHandleGovernancePenalize_SkipsSelfAndQuarantinedNodes(t *testing.T) {
	s, node, _ := newTestServer(t)

	before := node.Trust("self")
	doRequest(t, s.Handler(), http.MethodPost, "/governance/penalize", PenalizeRequest{Node: "self", Penalty: 0.5})
	if node.Trust("self") != before {
		t.Error("expected self-penalize to be ignored")
	}

	node.SetQuarantine("peer", true, time.Now().Add(time.Minute))
	peerBefore := node.Trust("peer")
	doRequest(t, s.Handler(), http.MethodPost, "/governance/penalize", PenalizeRequest{Node: "peer", Penalty: 0.5})
	if node.Trust("peer") != peerBefore {
		t.Error("expected penalize on a quarantined node to be ignored")
	}
}

func TestHandleGovernancePenalize_AppliesToEligibleNode(t *testing.T) {
	s, node, _ := newTestServer(t)
	before := node.Trust("peer")

	doRequest(t, s.Handler(), http.MethodPost, "/governance/penalize", PenalizeRequest{Node: "peer", Penalty: 0.5})

	if node.Trust("peer") >= before {
		t.Errorf("expected penalize to lower peer's trust: before=%v after=%v", before, node.Trust("peer"))
	}
}

func TestHandleGovernanceQuarantine_SelfUsesSelfQuarantine(t *testing.T) {
	s, node, _ := newTestServer(t)
	doRequest(t, s.Handler(), http.MethodPost, "/governance/quarantine", QuarantineRequest{Node: "self", Duration: 60})
	if !node.IsQuarantined("self") {
		t.Error("expected self to be quarantined")
	}
}

func TestHandleGovernanceQuarantine_OtherNodeUsesSetQuarantine(t *testing.T) {
	s, node, _ := newTestServer(t)
	doRequest(t, s.Handler(), http.MethodPost, "/governance/quarantine", QuarantineRequest{Node: "peer", Duration: 60})
	if !node.IsQuarantined("peer") {
		t.Error("expected peer to be quarantined")
	}
}

func TestHandleStatus_ReturnsCurrentSelfState(t *testing.T) {
	s, node, _ := newTestServer(t)
	node.IncrementStrikes("self", time.Now())

	rec := doRequest(t, s.Handler(), http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got state.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Node != "self" || got.Strikes != 1 {
		t.Errorf("unexpected status body: %+v", got)
	}
}

func TestHandleSnapshotAndDigest_RoundTrip(t *testing.T) {
	s, node, _ := newTestServer(t)
	node.AppendEvent(state.Event{CaseID: "c1"})

	snapRec := doRequest(t, s.Handler(), http.MethodGet, "/state/snapshot", nil)
	var snap state.Snapshot
	if err := json.Unmarshal(snapRec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Events) != 1 {
		t.Errorf("expected one event in snapshot, got %d", len(snap.Events))
	}

	digestRec := doRequest(t, s.Handler(), http.MethodGet, "/state/digest", nil)
	var digest state.Digest
	if err := json.Unmarshal(digestRec.Body.Bytes(), &digest); err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	if digest.Node != "self" {
		t.Errorf("digest.Node = %q, want self", digest.Node)
	}
	if digest.TrustHash != state.TrustHash(snap.Trust) {
		t.Error("digest trust hash should match the snapshot's trust map")
	}
}

func TestHandleRestore_ReplacesState(t *testing.T) {
	s, node, _ := newTestServer(t)

	snap := state.Snapshot{
		Trust:        map[string]float64{"self": 1.5, "other": 0.7},
		StateVersion: 3,
	}
	rec := doRequest(t, s.Handler(), http.MethodPost, "/state/restore", snap)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if got := node.Trust("self"); got != 1.5 {
		t.Errorf("expected trust restored to 1.5, got %v", got)
	}
	if got := node.Trust("peer"); got != 0 {
		t.Errorf("expected peer's old row gone after restore, got %v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/vote", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestDecodeJSON_RejectsWrongContentType(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/vote", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestDecodeJSON_RejectsMalformedBody(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/vote", bytes.NewBufferString(`{not json`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
