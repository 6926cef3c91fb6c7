package peerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wardenmesh/warden/internal/observability"
	"github.com/wardenmesh/warden/internal/state"
)

// Client calls another node's peer endpoint over plain HTTP/JSON. Every
// call is bounded by Timeout (default 2s per spec §5).
type Client struct {
	httpClient *http.Client
	metrics    *observability.Metrics
}

// NewClient builds a Client with the given per-call timeout.
func NewClient(timeout time.Duration, metrics *observability.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
	}
}

func (c *Client) observe(endpoint string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ObservePeerRPC(endpoint, outcome)
}

func (c *Client) postJSON(ctx context.Context, baseURL, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("peerrpc: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	c.observe(path, err)
	if err != nil {
		return fmt.Errorf("peerrpc: POST %s: %w", baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("peerrpc: POST %s: status %d", baseURL+path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, baseURL, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	c.observe(path, err)
	if err != nil {
		return fmt.Errorf("peerrpc: GET %s: %w", baseURL+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("peerrpc: GET %s: status %d", baseURL+path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Propose posts a case to a peer's /propose. Network errors are returned
// for the caller to log and ignore (best-effort fan-out, §4.2 step 3).
func (c *Client) Propose(ctx context.Context, baseURL string, req ProposeRequest) error {
	return c.postJSON(ctx, baseURL, "/propose", req, &ProposeResponse{})
}

// Vote posts a vote back to the case's proposer.
func (c *Client) Vote(ctx context.Context, baseURL string, req VoteRequest) error {
	return c.postJSON(ctx, baseURL, "/vote", req, &VoteResponse{})
}

// Alert broadcasts a final case outcome to a peer.
func (c *Client) Alert(ctx context.Context, baseURL string, req AlertRequest) error {
	return c.postJSON(ctx, baseURL, "/alert", req, &AlertResponse{})
}

// Penalize issues a governance penalty against a peer's view of node.
func (c *Client) Penalize(ctx context.Context, baseURL string, req PenalizeRequest) error {
	return c.postJSON(ctx, baseURL, "/governance/penalize", req, &GovernanceResponse{})
}

// Quarantine issues a governance quarantine command to a peer.
func (c *Client) Quarantine(ctx context.Context, baseURL string, req QuarantineRequest) error {
	return c.postJSON(ctx, baseURL, "/governance/quarantine", req, &GovernanceResponse{})
}

// Status fetches a peer's current /status.
func (c *Client) Status(ctx context.Context, baseURL string) (state.Status, error) {
	var out state.Status
	err := c.getJSON(ctx, baseURL, "/status", &out)
	return out, err
}

// Snapshot fetches a peer's full /state/snapshot.
func (c *Client) Snapshot(ctx context.Context, baseURL string) (state.Snapshot, error) {
	var out state.Snapshot
	err := c.getJSON(ctx, baseURL, "/state/snapshot", &out)
	return out, err
}

// Digest fetches a peer's /state/digest.
func (c *Client) Digest(ctx context.Context, baseURL string) (state.Digest, error) {
	var out state.Digest
	err := c.getJSON(ctx, baseURL, "/state/digest", &out)
	return out, err
}

// Restore pushes an authoritative snapshot to a peer's /state/restore.
func (c *Client) Restore(ctx context.Context, baseURL string, snap state.Snapshot) error {
	return c.postJSON(ctx, baseURL, "/state/restore", snap, &RestoreResponse{})
}
