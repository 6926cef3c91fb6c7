package peerrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/attacksim"
	"github.com/wardenmesh/warden/internal/reputation"
	"github.com/wardenmesh/warden/internal/state"
	"github.com/wardenmesh/warden/internal/trust"
)

// maxBodyBytes bounds every request body per spec §4.3.
const maxBodyBytes = 1 << 20 // 1 MiB

// VoteHandler is the narrow collaborator the server hands inbound votes and
// alerts to. internal/coordinator.Coordinator satisfies this.
type VoteHandler interface {
	RecordVote(caseID, from string, vote bool)
	HandleAlert(proposer, result string)
}

// PeerResolver resolves a node name to its base URL, used to post a vote
// back to a case's proposer.
type PeerResolver interface {
	BaseURL(nodeName string) (string, bool)
}

// Server exposes every endpoint named in spec §6 over plain HTTP/JSON.
type Server struct {
	node     *state.Node
	trust    *trust.Engine
	handler  VoteHandler
	peers    PeerResolver
	client   *Client
	attack   bool
	attacker *attacksim.Simulator
	log      *zap.Logger
}

// NewServer builds a Server. attacker may be nil when attack is false.
func NewServer(node *state.Node, trustEngine *trust.Engine, handler VoteHandler, peers PeerResolver, client *Client, attack bool, attacker *attacksim.Simulator, log *zap.Logger) *Server {
	return &Server{
		node:     node,
		trust:    trustEngine,
		handler:  handler,
		peers:    peers,
		client:   client,
		attack:   attack,
		attacker: attacker,
		log:      log,
	}
}

// Handler builds the http.ServeMux wiring every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/propose", s.handlePropose)
	mux.HandleFunc("/vote", s.handleVote)
	mux.HandleFunc("/alert", s.handleAlert)
	mux.HandleFunc("/governance/penalize", s.handleGovernancePenalize)
	mux.HandleFunc("/governance/quarantine", s.handleGovernanceQuarantine)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/reputation", s.handleReputation)
	mux.HandleFunc("/state/snapshot", s.handleSnapshot)
	mux.HandleFunc("/state/digest", s.handleDigest)
	mux.HandleFunc("/state/restore", s.handleRestore)
	return mux
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Header.Get("Content-Type") != "" && r.Header.Get("Content-Type") != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req ProposeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.CaseID == "" || req.From == "" {
		writeError(w, http.StatusBadRequest, "case_id and from are required")
		return
	}

	if s.node.RecoveryMode() || s.node.IsQuarantined(s.node.Name()) {
		writeJSON(w, http.StatusOK, ProposeResponse{Status: "ack"})
		return
	}
	writeJSON(w, http.StatusOK, ProposeResponse{Status: "ack"})

	vote := true
	var delay time.Duration
	if s.attack && s.attacker != nil {
		decision := s.attacker.DecideVote(true)
		if decision.Skip {
			return
		}
		vote = decision.Vote
		delay = decision.Delay
	}

	go s.replyVote(req.From, req.CaseID, vote, delay)
}

func (s *Server) replyVote(proposer, caseID string, vote bool, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	baseURL, ok := s.peers.BaseURL(proposer)
	if !ok {
		return
	}
	ctx := context.Background()
	req := VoteRequest{CaseID: caseID, From: s.node.Name(), Vote: vote}
	if err := s.client.Vote(ctx, baseURL, req); err != nil {
		s.log.Warn("vote reply failed", zap.String("proposer", proposer), zap.Error(err))
	}
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req VoteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.CaseID == "" || req.From == "" {
		writeError(w, http.StatusBadRequest, "case_id and from are required")
		return
	}
	if s.node.RecoveryMode() || s.node.IsQuarantined(s.node.Name()) {
		writeJSON(w, http.StatusOK, VoteResponse{Status: "ack"})
		return
	}
	s.handler.RecordVote(req.CaseID, req.From, req.Vote)
	writeJSON(w, http.StatusOK, VoteResponse{Status: "ack"})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req AlertRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.CaseID == "" || req.Node == "" || req.Result == "" {
		writeError(w, http.StatusBadRequest, "case_id, node and result are required")
		return
	}

	result := req.Result
	if s.attack && s.attacker != nil {
		result = s.attacker.ForgeAlertResult(result)
	}
	s.handler.HandleAlert(req.Node, result)
	writeJSON(w, http.StatusOK, AlertResponse{Status: "ack"})
}

func (s *Server) handleGovernancePenalize(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req PenalizeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}
	if req.Node != s.node.Name() && !s.node.IsQuarantined(req.Node) {
		s.trust.ApplyUpdate(req.Node, -req.Penalty)
	}
	writeJSON(w, http.StatusOK, GovernanceResponse{Status: "ack"})
}

func (s *Server) handleGovernanceQuarantine(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req QuarantineRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Node == "" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}
	duration := time.Duration(req.Duration * float64(time.Second))
	now := time.Now()
	if req.Node == s.node.Name() {
		s.node.SelfQuarantine(duration, now)
	} else {
		s.node.SetQuarantine(req.Node, true, now.Add(duration))
	}
	writeJSON(w, http.StatusOK, GovernanceResponse{Status: "ack"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	self := s.node.Name()
	writeJSON(w, http.StatusOK, state.Status{
		Node:           self,
		Trust:          s.node.Trust(self),
		Strikes:        s.node.Strikes(self),
		ActiveCases:    s.node.ActiveCaseCount(),
		Quarantined:    s.node.IsQuarantined(self),
		AdaptiveQuorum: s.trust.AdaptiveThreshold(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.node.FullEventLogSnapshot())
}

// ReputationResponse is the body of GET /reputation.
type ReputationResponse struct {
	NodeStats map[string]state.Activity    `json:"node_stats"`
	Engine    map[string]reputation.Record `json:"engine"`
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	snap := s.node.Snapshot()
	writeJSON(w, http.StatusOK, ReputationResponse{
		NodeStats: snap.NodeStats,
		Engine:    s.node.Reputation().Snapshot(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.node.Snapshot())
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.node.Digest())
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var snap state.Snapshot
	if !s.decodeJSON(w, r, &snap) {
		return
	}
	s.node.SetRestoreInProgress(true)
	s.node.Restore(snap)
	s.node.SetRestoreInProgress(false)
	writeJSON(w, http.StatusOK, RestoreResponse{Status: "restored"})
}
