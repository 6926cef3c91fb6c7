// Package detector polls the process scanner on a fixed interval and hands
// candidate-suspicious processes to the coordinator.
package detector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/attacksim"
	"github.com/wardenmesh/warden/internal/config"
	"github.com/wardenmesh/warden/internal/scanner"
	"github.com/wardenmesh/warden/internal/state"
)

// CPUSampleWindow is the short-window CPU percentage sample per spec §4.1.
const CPUSampleWindow = 300 * time.Millisecond

// Coordinator is the narrow collaborator the detector hands payloads to.
type Coordinator interface {
	HandleIncident(ctx context.Context, payload state.IncidentPayload)
}

// Detector polls scanner.Scanner every CheckInterval and forwards
// candidate-suspicious processes to a Coordinator.
type Detector struct {
	nodeName      string
	scanner       scanner.Scanner
	coordinator   Coordinator
	checkInterval time.Duration
	cpuThreshold  float64
	whitelist     []string
	attackMode    bool
	attacksim     *attacksim.Simulator
	log           *zap.Logger
}

// New builds a Detector. sim may be nil when attackMode is false.
func New(nodeName string, sc scanner.Scanner, coord Coordinator, det config.DetectorTunables, attackMode bool, sim *attacksim.Simulator, log *zap.Logger) *Detector {
	return &Detector{
		nodeName:      nodeName,
		scanner:       sc,
		coordinator:   coord,
		checkInterval: det.CheckInterval,
		cpuThreshold:  det.CPUThreshold,
		whitelist:     det.Whitelist,
		attackMode:    attackMode,
		attacksim:     sim,
		log:           log,
	}
}

// Run polls forever until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Detector) poll(ctx context.Context) {
	procs, err := d.scanner.ListProcesses(ctx, CPUSampleWindow)
	if err != nil {
		d.log.Warn("scanner poll failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, p := range procs {
		suspicious := p.CPU > d.cpuThreshold && !scanner.IsWhitelisted(p.Name, d.whitelist)
		if !suspicious && d.attackMode && d.attacksim != nil && d.attacksim.ShouldForceFalseDetection() {
			suspicious = true
		}
		if !suspicious {
			continue
		}

		d.log.Info("candidate suspicious process",
			zap.String("process", p.Name), zap.Int32("pid", p.PID), zap.Float64("cpu", p.CPU))

		payload := state.IncidentPayload{
			From:    d.nodeName,
			Process: p.Name,
			PID:     p.PID,
			CPU:     p.CPU,
			Time:    now,
		}
		d.coordinator.HandleIncident(ctx, payload)

		if d.attackMode && d.attacksim != nil && d.attacksim.ShouldSpamPropose() {
			spam := payload
			spam.Process = payload.Process + "-spam"
			d.coordinator.HandleIncident(ctx, spam)
		}
	}
}
