package peerrpc

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/state"
	"github.com/wardenmesh/warden/internal/trust"
)

func TestClient_VoteAndAlertAgainstRealServer(t *testing.T) {
	log := zap.NewNop()
	node := state.NewNode("peerB", log)
	node.EnsureDefaults([]string{"peerB", "peerA"}, trust.DefaultTrust)
	engine := trust.NewEngine(node, trust.DefaultParams(), log, nil)
	handler := &recordingHandler{}
	srvClient := NewClient(time.Second, nil)
	srv := NewServer(node, engine, handler, noResolver{}, srvClient, false, nil, log)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(2*time.Second, nil)
	ctx := context.Background()

	if err := client.Vote(ctx, ts.URL, VoteRequest{CaseID: "c1", From: "peerA", Vote: true}); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}
	if len(handler.votes) != 1 {
		t.Fatalf("expected one vote recorded server-side, got %d", len(handler.votes))
	}

	if err := client.Alert(ctx, ts.URL, AlertRequest{CaseID: "c1", Node: "peerA", Result: "terminated"}); err != nil {
		t.Fatalf("Alert failed: %v", err)
	}
	if len(handler.alerts) != 1 {
		t.Fatalf("expected one alert recorded server-side, got %d", len(handler.alerts))
	}

	status, err := client.Status(ctx, ts.URL)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Node != "peerB" {
		t.Errorf("status.Node = %q, want peerB", status.Node)
	}

	snap, err := client.Snapshot(ctx, ts.URL)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, ok := snap.Trust["peerA"]; !ok {
		t.Error("expected peerA present in fetched snapshot")
	}

	digest, err := client.Digest(ctx, ts.URL)
	if err != nil {
		t.Fatalf("Digest failed: %v", err)
	}
	if digest.Node != "peerB" {
		t.Errorf("digest.Node = %q, want peerB", digest.Node)
	}
}

func TestClient_PropagatesHTTPErrorStatus(t *testing.T) {
	log := zap.NewNop()
	node := state.NewNode("peerB", log)
	engine := trust.NewEngine(node, trust.DefaultParams(), log, nil)
	handler := &recordingHandler{}
	srvClient := NewClient(time.Second, nil)
	srv := NewServer(node, engine, handler, noResolver{}, srvClient, false, nil, log)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(2*time.Second, nil)
	// Missing required fields triggers the server's 400 path.
	err := client.Vote(context.Background(), ts.URL, VoteRequest{})
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
}

func TestClient_RestorePushesSnapshotToPeer(t *testing.T) {
	log := zap.NewNop()
	node := state.NewNode("peerB", log)
	engine := trust.NewEngine(node, trust.DefaultParams(), log, nil)
	handler := &recordingHandler{}
	srvClient := NewClient(time.Second, nil)
	srv := NewServer(node, engine, handler, noResolver{}, srvClient, false, nil, log)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := NewClient(2*time.Second, nil)
	snap := state.Snapshot{Trust: map[string]float64{"peerB": 1.3}, StateVersion: 9}
	if err := client.Restore(context.Background(), ts.URL, snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := node.Trust("peerB"); got != 1.3 {
		t.Errorf("expected restored trust 1.3, got %v", got)
	}
}
