package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/attacksim"
	"github.com/wardenmesh/warden/internal/config"
	"github.com/wardenmesh/warden/internal/scanner"
	"github.com/wardenmesh/warden/internal/state"
)

type fakeScanner struct {
	procs []scanner.ProcessInfo
}

func (f fakeScanner) ListProcesses(ctx context.Context, window time.Duration) ([]scanner.ProcessInfo, error) {
	return f.procs, nil
}

func (f fakeScanner) Kill(ctx context.Context, pid int32) (scanner.KillOutcome, error) {
	return scanner.KillSuccess, nil
}

type recordingCoordinator struct {
	mu       sync.Mutex
	payloads []state.IncidentPayload
}

func (r *recordingCoordinator) HandleIncident(ctx context.Context, payload state.IncidentPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *recordingCoordinator) snapshot() []state.IncidentPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]state.IncidentPayload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

func TestPoll_ForwardsProcessesAboveCPUThreshold(t *testing.T) {
	sc := fakeScanner{procs: []scanner.ProcessInfo{
		{PID: 1, Name: "evil.exe", CPU: 90},
		{PID: 2, Name: "idle.exe", CPU: 1},
	}}
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40}
	d := New("node-a", sc, coord, det, false, nil, zap.NewNop())

	d.poll(context.Background())

	got := coord.snapshot()
	if len(got) != 1 || got[0].Process != "evil.exe" {
		t.Errorf("expected only evil.exe forwarded, got %+v", got)
	}
}

func TestPoll_SkipsWhitelistedProcesses(t *testing.T) {
	sc := fakeScanner{procs: []scanner.ProcessInfo{
		{PID: 1, Name: "apt-get", CPU: 99},
	}}
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40, Whitelist: []string{"apt-get"}}
	d := New("node-a", sc, coord, det, false, nil, zap.NewNop())

	d.poll(context.Background())

	if got := coord.snapshot(); len(got) != 0 {
		t.Errorf("expected whitelisted process skipped, got %+v", got)
	}
}

func TestPoll_ScannerErrorIsNonFatal(t *testing.T) {
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40}
	d := New("node-a", erroringScanner{}, coord, det, false, nil, zap.NewNop())

	d.poll(context.Background()) // must not panic

	if got := coord.snapshot(); len(got) != 0 {
		t.Errorf("expected no incidents on scanner error, got %+v", got)
	}
}

type erroringScanner struct{}

func (erroringScanner) ListProcesses(ctx context.Context, window time.Duration) ([]scanner.ProcessInfo, error) {
	return nil, context.DeadlineExceeded
}

func (erroringScanner) Kill(ctx context.Context, pid int32) (scanner.KillOutcome, error) {
	return scanner.KillSuccess, nil
}

func TestPoll_PayloadCarriesNodeNameAndTimestamp(t *testing.T) {
	sc := fakeScanner{procs: []scanner.ProcessInfo{{PID: 7, Name: "spike.exe", CPU: 99}}}
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40}
	d := New("node-b", sc, coord, det, false, nil, zap.NewNop())

	before := time.Now()
	d.poll(context.Background())
	after := time.Now()

	got := coord.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one payload, got %d", len(got))
	}
	if got[0].From != "node-b" {
		t.Errorf("From = %q, want node-b", got[0].From)
	}
	if got[0].Time.Before(before) || got[0].Time.After(after) {
		t.Errorf("Time %v not within [%v, %v]", got[0].Time, before, after)
	}
}

func TestPoll_AttackModeForcesFalseDetectionOnIdleProcess(t *testing.T) {
	sc := fakeScanner{procs: []scanner.ProcessInfo{{PID: 3, Name: "idle.exe", CPU: 1}}}
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40}
	sim := attacksim.NewSimulator(attacksim.Profile{FalseProposeProb: 1})
	d := New("node-a", sc, coord, det, true, sim, zap.NewNop())

	d.poll(context.Background())

	if got := coord.snapshot(); len(got) != 1 {
		t.Errorf("expected forced false detection to raise an incident, got %+v", got)
	}
}

func TestPoll_AttackModeSpamProposeDuplicatesIncident(t *testing.T) {
	sc := fakeScanner{procs: []scanner.ProcessInfo{{PID: 4, Name: "evil.exe", CPU: 90}}}
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40}
	sim := attacksim.NewSimulator(attacksim.Profile{SpamProposeProb: 1})
	d := New("node-a", sc, coord, det, true, sim, zap.NewNop())

	d.poll(context.Background())

	got := coord.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected original + spam incident, got %d", len(got))
	}
	if got[1].Process != "evil.exe-spam" {
		t.Errorf("expected spam payload suffixed, got %q", got[1].Process)
	}
}

func TestPoll_NoAttackModeNeverForcesOrSpams(t *testing.T) {
	sc := fakeScanner{procs: []scanner.ProcessInfo{{PID: 5, Name: "idle.exe", CPU: 1}}}
	coord := &recordingCoordinator{}
	det := config.DetectorTunables{CPUThreshold: 40}
	d := New("node-a", sc, coord, det, false, nil, zap.NewNop())

	d.poll(context.Background())

	if got := coord.snapshot(); len(got) != 0 {
		t.Errorf("expected no incidents with attack mode disabled, got %+v", got)
	}
}
