// Package coordinator drives one incident at a time through
// propose -> collect votes -> weighted-threshold check -> remediate-or-abandon
// -> finalize, per the node-wide lock and event log owned by internal/state.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/config"
	"github.com/wardenmesh/warden/internal/observability"
	"github.com/wardenmesh/warden/internal/peerrpc"
	"github.com/wardenmesh/warden/internal/scanner"
	"github.com/wardenmesh/warden/internal/state"
	"github.com/wardenmesh/warden/internal/trust"
)

// PeerDirectory resolves a peer node name to its base URL (e.g.
// "http://peer2:5000"). Static configuration, per spec §1's Non-goal
// excluding dynamic membership discovery.
type PeerDirectory interface {
	BaseURL(nodeName string) (string, bool)
	Names() []string
}

// Coordinator owns the propose/vote/remediate pipeline for the local node.
type Coordinator struct {
	node    *state.Node
	trust   *trust.Engine
	client  *peerrpc.Client
	peers   PeerDirectory
	scanner scanner.Scanner
	log     *zap.Logger
	metrics *observability.Metrics

	voteTimeout    time.Duration
	votePollPeriod time.Duration
	maxEvents      int
}

// New builds a Coordinator.
func New(node *state.Node, trustEngine *trust.Engine, client *peerrpc.Client, peers PeerDirectory, sc scanner.Scanner, det config.DetectorTunables, log *zap.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		node:           node,
		trust:          trustEngine,
		client:         client,
		peers:          peers,
		scanner:        sc,
		log:            log,
		metrics:        metrics,
		voteTimeout:    det.VoteTimeout,
		votePollPeriod: det.VotePollPeriod,
		maxEvents:      det.MaxEvents,
	}
}

// HandleIncident runs exactly one case to completion: propose, collect
// votes for up to voteTimeout, then remediate or abandon. It blocks the
// caller (the detector's poll loop) for the duration of the voting window,
// matching "one active voting window at a time per detector tick."
func (c *Coordinator) HandleIncident(ctx context.Context, payload state.IncidentPayload) {
	if c.node.IsQuarantined(c.node.Name()) {
		c.log.Debug("self quarantined, refusing to propose", zap.String("process", payload.Process))
		return
	}

	caseID := uuid.NewString()
	startTime := time.Now()
	c.node.PutPendingCase(caseID, payload, startTime)
	if c.metrics != nil {
		c.metrics.CasesTotal.WithLabelValues("proposed").Inc()
		c.metrics.SetActiveCases(c.node.ActiveCaseCount())
	}

	c.fanOutPropose(ctx, caseID, payload, startTime)

	c.runVotingWindow(ctx, caseID, payload, startTime)
}

func (c *Coordinator) fanOutPropose(ctx context.Context, caseID string, payload state.IncidentPayload, startTime time.Time) {
	req := peerrpc.ProposeRequest{
		CaseID:    caseID,
		From:      payload.From,
		Process:   payload.Process,
		PID:       payload.PID,
		CPU:       payload.CPU,
		Time:      payload.Time,
		StartTime: startTime,
	}
	for _, name := range c.peers.Names() {
		baseURL, ok := c.peers.BaseURL(name)
		if !ok {
			continue
		}
		go func(name, baseURL string) {
			if err := c.client.Propose(ctx, baseURL, req); err != nil {
				c.log.Warn("propose failed", zap.String("peer", name), zap.Error(err))
			}
		}(name, baseURL)
	}
}

func (c *Coordinator) runVotingWindow(ctx context.Context, caseID string, payload state.IncidentPayload, startTime time.Time) {
	deadline := startTime.Add(c.voteTimeout)
	ticker := time.NewTicker(c.votePollPeriod)
	defer ticker.Stop()

	for {
		pc, ok := c.node.PendingCaseSnapshot(caseID)
		if !ok {
			return
		}

		weightedSum := c.trust.WeightedSum(pc.Votes)
		threshold := c.trust.AdaptiveThreshold()
		if c.metrics != nil {
			c.metrics.SetAdaptiveThreshold(threshold)
		}

		if weightedSum >= threshold {
			c.remediate(ctx, caseID, payload, startTime, weightedSum)
			return
		}

		if time.Now().After(deadline) {
			c.reject(caseID, payload, startTime, weightedSum)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) remediate(ctx context.Context, caseID string, payload state.IncidentPayload, startTime time.Time, weightedSum float64) {
	outcome, err := c.scanner.Kill(ctx, payload.PID)
	if err != nil {
		// Not-found and access-denied both count as termination success: the
		// process is gone or already out of this node's reach either way.
		c.log.Warn("kill reported an error, treating as terminated", zap.Int32("pid", payload.PID), zap.Int("outcome", int(outcome)), zap.Error(err))
	}

	c.node.AppendEvent(state.Event{
		CaseID:    caseID,
		Process:   payload.Process,
		Node:      c.node.Name(),
		Result:    "terminated",
		Weighted:  weightedSum,
		Time:      time.Now(),
		StartTime: startTime,
	})
	if c.metrics != nil {
		c.metrics.ObserveCase("terminated", weightedSum)
	}
	c.log.Info("case terminated", zap.String("case_id", caseID), zap.String("process", payload.Process), zap.Float64("weighted_sum", weightedSum))

	c.broadcastAlert(ctx, caseID, payload, "terminated")
	c.finish(caseID)
}

func (c *Coordinator) reject(caseID string, payload state.IncidentPayload, startTime time.Time, weightedSum float64) {
	self := c.node.Name()
	c.node.IncrementStrikes(self, time.Now())
	c.trust.Penalize(self)
	c.node.Reputation().RecordFalse(self, time.Now())

	c.node.AppendEvent(state.Event{
		CaseID:    caseID,
		Process:   payload.Process,
		Node:      self,
		Result:    "rejected",
		Weighted:  weightedSum,
		Time:      time.Now(),
		StartTime: startTime,
	})
	if c.metrics != nil {
		c.metrics.ObserveCase("rejected", weightedSum)
	}
	c.log.Info("case rejected", zap.String("case_id", caseID), zap.String("process", payload.Process), zap.Float64("weighted_sum", weightedSum))

	c.finish(caseID)
}

func (c *Coordinator) broadcastAlert(ctx context.Context, caseID string, payload state.IncidentPayload, result string) {
	req := peerrpc.AlertRequest{
		CaseID:  caseID,
		Node:    c.node.Name(),
		Result:  result,
		Process: payload.Process,
	}
	for _, name := range c.peers.Names() {
		baseURL, ok := c.peers.BaseURL(name)
		if !ok {
			continue
		}
		go func(name, baseURL string) {
			if err := c.client.Alert(ctx, baseURL, req); err != nil {
				c.log.Warn("alert broadcast failed", zap.String("peer", name), zap.Error(err))
			}
		}(name, baseURL)
	}
}

func (c *Coordinator) finish(caseID string) {
	c.node.DeletePendingCase(caseID)
	c.node.TrimEventLog()
	c.node.RequestCompaction()
	if c.metrics != nil {
		c.metrics.SetActiveCases(c.node.ActiveCaseCount())
	}
}

// RecordVote applies an inbound /vote to a pending case, bumping the
// voter's activity record. Used by internal/peerrpc.Server.
func (c *Coordinator) RecordVote(caseID, from string, vote bool) {
	c.node.TouchActivity(from, time.Now())
	c.node.RecordVote(caseID, from, vote)
}

// HandleAlert applies an inbound /alert: rewards or penalizes the proposer
// and updates its reputation/strike counters.
func (c *Coordinator) HandleAlert(proposer, result string) {
	c.node.MarkActivity(proposer, time.Now())
	now := time.Now()
	if result == "terminated" {
		c.node.Reputation().RecordSuccess(proposer, now)
		c.trust.Reward(proposer)
		c.node.SetStrikes(proposer, 0, now)
		return
	}
	c.node.Reputation().RecordFalse(proposer, now)
	c.trust.Penalize(proposer)
	c.node.IncrementStrikes(proposer, now)
}
