// Package trust implements the adaptive trust engine: the constants,
// apply_trust_update pipeline, adaptive quorum threshold, decay loop, and
// quarantine watchdog described for the node context. The EMA blend step
// mirrors the escalation pressure accumulator's smoothing formula, adapted
// from a single-PID accumulator to a per-node, rate-limited update applied
// through state.Node.
package trust

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/config"
	"github.com/wardenmesh/warden/internal/observability"
	"github.com/wardenmesh/warden/internal/state"
)

// Tunable constants. Defaults match the specification; internal/config may
// override them at startup.
const (
	MinTrust            = 0.1
	MaxTrust            = 2.0
	DefaultTrust        = 1.0
	MaxStrikes          = 3
	QuarantineThreshold = 0.35
	QuarantineTime      = 180 * time.Second
	TrustReward         = 0.06
	TrustPenalty        = 0.12
	DecayRate           = 0.03
	MaxTrustDelta       = 0.08
	EMAAlpha            = 0.4
	TrustCooldown       = 10 * time.Second
	WeightThreshold     = 2.0

	DecayInterval    = 20 * time.Second
	WatchdogInterval = 5 * time.Second
	InactivityLimit  = 120 * time.Second
)

// Params bundles the tunables so tests and config can swap them without
// touching every call site.
type Params struct {
	MinTrust            float64
	MaxTrust            float64
	MaxTrustDelta       float64
	EMAAlpha            float64
	Cooldown            time.Duration
	MaxStrikes          int
	QuarantineThreshold float64
	QuarantineTime      time.Duration
	WeightThreshold     float64
	TrustReward         float64
	TrustPenalty        float64
	DecayRate           float64
	DecayInterval       time.Duration
	WatchdogInterval    time.Duration
	InactivityLimit     time.Duration
}

// DefaultParams returns the specification's constants.
func DefaultParams() Params {
	return Params{
		MinTrust:            MinTrust,
		MaxTrust:            MaxTrust,
		MaxTrustDelta:       MaxTrustDelta,
		EMAAlpha:            EMAAlpha,
		Cooldown:            TrustCooldown,
		MaxStrikes:          MaxStrikes,
		QuarantineThreshold: QuarantineThreshold,
		QuarantineTime:      QuarantineTime,
		WeightThreshold:     WeightThreshold,
		TrustReward:         TrustReward,
		TrustPenalty:        TrustPenalty,
		DecayRate:           DecayRate,
		DecayInterval:       DecayInterval,
		WatchdogInterval:    WatchdogInterval,
		InactivityLimit:     InactivityLimit,
	}
}

// ParamsFromConfig builds Params from the loaded configuration's trust
// tunables, so an operator's WARDEN_CONFIG overrides reach the engine.
func ParamsFromConfig(t config.TrustTunables) Params {
	return Params{
		MinTrust:            t.MinTrust,
		MaxTrust:            t.MaxTrust,
		MaxTrustDelta:       t.MaxTrustDelta,
		EMAAlpha:            t.EMAAlpha,
		Cooldown:            t.TrustCooldown,
		MaxStrikes:          t.MaxStrikes,
		QuarantineThreshold: t.QuarantineThreshold,
		QuarantineTime:      t.QuarantineTime,
		WeightThreshold:     t.WeightThreshold,
		TrustReward:         t.TrustReward,
		TrustPenalty:        t.TrustPenalty,
		DecayRate:           t.DecayRate,
		DecayInterval:       t.DecayInterval,
		WatchdogInterval:    t.WatchdogInterval,
		InactivityLimit:     t.InactivityLimit,
	}
}

// Engine drives trust updates and the background decay/watchdog loops for
// one node. It holds no durable state itself — everything lives on the
// shared state.Node — only policy parameters, a logger, and metrics.
type Engine struct {
	node    *state.Node
	params  Params
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewEngine builds a trust engine bound to node.
func NewEngine(node *state.Node, params Params, log *zap.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{node: node, params: params, log: log, metrics: metrics}
}

// ApplyUpdate runs the apply_trust_update pipeline for one node and, when it
// actually changed T(n), logs and records metrics. It always evaluates
// quarantine afterward, even when the cooldown suppressed the trust change
// itself, per the specification's step 2.
func (e *Engine) ApplyUpdate(name string, rawDelta float64) {
	now := time.Now()
	res := e.node.ApplyTrustDelta(name, rawDelta, e.params.MinTrust, e.params.MaxTrust, e.params.MaxTrustDelta, e.params.EMAAlpha, e.params.Cooldown, now)
	if res.Applied {
		e.log.Debug("trust updated", zap.String("node", name), zap.Float64("before", res.Before), zap.Float64("after", res.After))
		if e.metrics != nil {
			e.metrics.SetTrustScore(name, res.After)
		}
	}
	e.EvaluateQuarantine(name, now)
}

// Reward applies the configured trust reward on a confirmed termination
// outcome.
func (e *Engine) Reward(name string) {
	e.ApplyUpdate(name, e.params.TrustReward)
}

// Penalize applies the configured trust penalty on a false/rejected outcome.
func (e *Engine) Penalize(name string) {
	e.ApplyUpdate(name, -e.params.TrustPenalty)
}

// EvaluateQuarantine applies the quarantine activation rule for one node and
// emits metrics/log on activation.
func (e *Engine) EvaluateQuarantine(name string, now time.Time) {
	if e.node.EvaluateQuarantine(name, e.params.MaxStrikes, e.params.QuarantineThreshold, e.params.QuarantineTime, now) {
		e.log.Warn("node quarantined", zap.String("node", name), zap.Time("until", now.Add(e.params.QuarantineTime)))
		if e.metrics != nil {
			e.metrics.IncQuarantine()
		}
	}
}

// AdaptiveThreshold computes the dynamic quorum bar from current,
// non-quarantined trust values.
func (e *Engine) AdaptiveThreshold() float64 {
	active := e.node.ActiveNodeTrusts()
	if len(active) == 0 {
		return e.params.WeightThreshold
	}
	var sum float64
	for _, t := range active {
		sum += t
	}
	avg := sum / float64(len(active))
	raw := e.params.WeightThreshold * (1 + (1 - avg))
	return clamp(raw, 1.5, float64(len(active)))
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RunDecayLoop ticks every DecayInterval, decaying idle low performers.
// Blocks until ctx is cancelled.
func (e *Engine) RunDecayLoop(ctx context.Context) {
	ticker := time.NewTicker(e.params.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.decayTick()
		}
	}
}

func (e *Engine) decayTick() {
	trusts := e.node.AllTrusts()
	if len(trusts) == 0 {
		return
	}
	median := medianOf(trusts)
	now := time.Now()
	for name, t := range trusts {
		if e.node.IsQuarantined(name) {
			continue
		}
		if t > median {
			continue
		}
		last := e.node.LastActivityOf(name)
		if last.IsZero() || now.Sub(last) < e.params.InactivityLimit {
			continue
		}
		e.ApplyUpdate(name, -e.params.DecayRate)
	}
}

func medianOf(m map[string]float64) float64 {
	vals := make([]float64, 0, len(m))
	for _, v := range m {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// RunWatchdog ticks every WatchdogInterval, releasing expired quarantines.
// Blocks until ctx is cancelled.
func (e *Engine) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.params.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range e.node.ReleaseExpiredQuarantines(time.Now()) {
				e.log.Info("quarantine released", zap.String("node", name))
			}
		}
	}
}

// WeightedSum computes Σ T(voter)·Accuracy(voter) for yes-voters that are
// not quarantined, as used by the coordinator's quorum check. Monotone
// non-decreasing as additional positive votes arrive, since every term
// added is non-negative.
func (e *Engine) WeightedSum(votes map[string]bool) float64 {
	var sum float64
	for voter, vote := range votes {
		if !vote {
			continue
		}
		if e.node.IsQuarantined(voter) {
			continue
		}
		sum += e.node.Trust(voter) * e.node.Reputation().Accuracy(voter)
	}
	return sum
}
