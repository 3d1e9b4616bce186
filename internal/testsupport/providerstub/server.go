package providerstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake control plane should behave.
type Options struct {
	// StreamKeys are returned from the key issue endpoint in order. When the
	// list runs out, keys are generated as "sk-stub-N".
	StreamKeys []string

	// IngestEndpoint and PlaybackEndpoint are returned from the channel
	// provision endpoint.
	IngestEndpoint   string
	PlaybackEndpoint string

	// FailIssues causes the first N key issue requests to return HTTP 503.
	// Subsequent attempts succeed.
	FailIssues int

	// FailProvisions causes the first N channel provision requests to return
	// HTTP 503. Subsequent attempts succeed.
	FailProvisions int

	// Unhealthy makes the health endpoint report HTTP 503.
	Unhealthy bool

	// Token is the bearer token the stub enforces. If empty, the check is
	// skipped.
	Token string
}

// Operation represents a recorded control-plane interaction.
type Operation struct {
	Kind              string
	ProviderChannelID string
	SessionID         string
	StreamKey         string
	Attempt           int
	Status            int
	Timestamp         time.Time
}

// ControlPlane hosts a single httptest.Server that serves all provider
// endpoints.
type ControlPlane struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	issueCount int
	provCount  int
	channelSeq int
	keySeq     int
}

// Start spins up a new control-plane stub using the provided options.
func Start(opts Options) *ControlPlane {
	cp := &ControlPlane{opts: opts}
	cp.server = httptest.NewServer(http.HandlerFunc(cp.handle))
	return cp
}

// Close shuts down the underlying HTTP server.
func (c *ControlPlane) Close() {
	if c.server != nil {
		c.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all control-plane endpoints.
func (c *ControlPlane) BaseURL() string {
	return c.server.URL
}

// Operations returns a copy of all recorded operations in the order they
// occurred.
func (c *ControlPlane) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.operations))
	copy(out, c.operations)
	return out
}

func (c *ControlPlane) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/channels":
		c.handleProvisionChannel(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/channels/") && strings.HasSuffix(r.URL.Path, "/keys"):
		c.handleIssueKey(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/channels/") && strings.HasSuffix(r.URL.Path, "/keys"):
		c.handleRevokeKey(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		c.handleHealth(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func channelIDFromKeyPath(path string) string {
	id := strings.TrimPrefix(path, "/v1/channels/")
	return strings.TrimSuffix(id, "/keys")
}

func (c *ControlPlane) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}

	type issueRequest struct {
		SessionID string `json:"sessionId"`
	}
	type issueResponse struct {
		StreamKey string `json:"streamKey"`
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.issueCount++
	attempt := c.issueCount
	var key string
	if attempt > c.opts.FailIssues {
		idx := attempt - c.opts.FailIssues - 1
		if idx < len(c.opts.StreamKeys) {
			key = c.opts.StreamKeys[idx]
		} else {
			c.keySeq++
			key = fmt.Sprintf("sk-stub-%d", c.keySeq)
		}
	}
	c.mu.Unlock()

	op := Operation{
		Kind:              "key-issue",
		ProviderChannelID: channelIDFromKeyPath(r.URL.Path),
		SessionID:         req.SessionID,
		StreamKey:         key,
		Attempt:           attempt,
		Status:            http.StatusOK,
		Timestamp:         time.Now(),
	}

	if attempt <= c.opts.FailIssues {
		op.Status = http.StatusServiceUnavailable
		c.record(op)
		http.Error(w, "provider unavailable", http.StatusServiceUnavailable)
		return
	}

	c.record(op)
	_ = json.NewEncoder(w).Encode(issueResponse{StreamKey: key})
}

func (c *ControlPlane) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}
	c.record(Operation{
		Kind:              "key-revoke",
		ProviderChannelID: channelIDFromKeyPath(r.URL.Path),
		Status:            http.StatusNoContent,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (c *ControlPlane) handleProvisionChannel(w http.ResponseWriter, r *http.Request) {
	if !c.expectBearer(w, r) {
		return
	}

	type provisionRequest struct {
		Name string `json:"name"`
	}
	type provisionResponse struct {
		ProviderChannelID string `json:"providerChannelId"`
		IngestEndpoint    string `json:"ingestEndpoint"`
		PlaybackEndpoint  string `json:"playbackEndpoint"`
	}

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.provCount++
	attempt := c.provCount
	c.channelSeq++
	seq := c.channelSeq
	c.mu.Unlock()

	op := Operation{
		Kind:              "channel-provision",
		ProviderChannelID: fmt.Sprintf("stub-chan-%d", seq),
		Attempt:           attempt,
		Status:            http.StatusOK,
		Timestamp:         time.Now(),
	}

	if attempt <= c.opts.FailProvisions {
		op.Status = http.StatusServiceUnavailable
		c.record(op)
		http.Error(w, "provider unavailable", http.StatusServiceUnavailable)
		return
	}

	c.record(op)

	resp := provisionResponse{
		ProviderChannelID: op.ProviderChannelID,
		IngestEndpoint:    c.opts.IngestEndpoint,
		PlaybackEndpoint:  c.opts.PlaybackEndpoint,
	}
	if resp.IngestEndpoint == "" {
		resp.IngestEndpoint = fmt.Sprintf("rtmp://stub/live/%s", op.ProviderChannelID)
	}
	if resp.PlaybackEndpoint == "" {
		resp.PlaybackEndpoint = fmt.Sprintf("https://stub/hls/%s.m3u8", op.ProviderChannelID)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *ControlPlane) handleHealth(w http.ResponseWriter, r *http.Request) {
	if c.opts.Unhealthy {
		c.record(Operation{Kind: "health", Status: http.StatusServiceUnavailable})
		http.Error(w, "degraded", http.StatusServiceUnavailable)
		return
	}
	c.record(Operation{Kind: "health", Status: http.StatusOK})
	w.WriteHeader(http.StatusOK)
}

func (c *ControlPlane) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, op)
}

func (c *ControlPlane) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	expected := strings.TrimSpace(c.opts.Token)
	if expected == "" {
		return true
	}
	if got := r.Header.Get("Authorization"); got != fmt.Sprintf("Bearer %s", expected) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
