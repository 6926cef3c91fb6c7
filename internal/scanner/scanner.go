// Package scanner defines the process-scanner collaborator contract and a
// default gopsutil-backed implementation. The scanner itself is an external
// concern (spec §1's Non-goal); this package only needs a working default
// to drive the detector against real processes.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v3/process"
)

// KillOutcome is the three-way result of attempting to terminate a process.
// NotFound counts as success for the coordinator (spec §4.2 step 4, §7).
type KillOutcome int

const (
	KillSuccess KillOutcome = iota
	KillNotFound
	KillAccessDenied
)

// ProcessInfo is one observed candidate process.
type ProcessInfo struct {
	PID  int32
	Name string
	CPU  float64
}

// Scanner is the collaborator the detector polls and the coordinator
// terminates processes through.
type Scanner interface {
	// ListProcesses returns every currently running process with a CPU
	// percentage sampled over sampleWindow.
	ListProcesses(ctx context.Context, sampleWindow time.Duration) ([]ProcessInfo, error)
	// Kill attempts to terminate pid.
	Kill(ctx context.Context, pid int32) (KillOutcome, error)
}

// GopsutilScanner is the default Scanner, backed by
// github.com/shirou/gopsutil/v3/process.
type GopsutilScanner struct{}

// NewGopsutilScanner returns the default scanner implementation.
func NewGopsutilScanner() *GopsutilScanner {
	return &GopsutilScanner{}
}

// ListProcesses enumerates all processes and samples each one's CPU percent
// over sampleWindow. Processes that exit mid-scan are skipped, not errored.
func (s *GopsutilScanner) ListProcesses(ctx context.Context, sampleWindow time.Duration) ([]ProcessInfo, error) {
	procs, err := gopsutilprocess.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: list processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpu, err := p.PercentWithContext(ctx, sampleWindow)
		if err != nil {
			continue
		}
		out = append(out, ProcessInfo{PID: p.Pid, Name: name, CPU: cpu})
	}
	return out, nil
}

// Kill terminates pid. A process that is already gone is reported as
// KillNotFound, which the coordinator treats as a successful termination.
func (s *GopsutilScanner) Kill(ctx context.Context, pid int32) (KillOutcome, error) {
	p, err := gopsutilprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return KillNotFound, nil
	}
	running, err := p.IsRunningWithContext(ctx)
	if err == nil && !running {
		return KillNotFound, nil
	}
	if err := p.KillWithContext(ctx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "permission") {
			return KillAccessDenied, err
		}
		return KillNotFound, nil
	}
	return KillSuccess, nil
}

// IsWhitelisted reports whether name contains any whitelist substring,
// matching the detector's "no substring from a configurable whitelist" rule.
func IsWhitelisted(name string, whitelist []string) bool {
	lower := strings.ToLower(name)
	for _, w := range whitelist {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
