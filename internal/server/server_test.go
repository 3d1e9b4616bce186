package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"classcast/internal/api"
	"classcast/internal/auth"
	"classcast/internal/broadcast"
	"classcast/internal/models"
	"classcast/internal/orchestrator"
	"classcast/internal/storage"
)

type testServer struct {
	server  *Server
	store   *storage.Storage
	tokens  *auth.Manager
	handler *api.Handler
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "classcast.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	provider := broadcast.NewStaticProvider("test-secret")
	issuer := broadcast.NewIssuer(provider, 1, time.Millisecond, nil)
	orch := orchestrator.New(orchestrator.Config{Store: store, Issuer: issuer})
	tokens := auth.NewManager(time.Hour)
	handler := api.NewHandler(store, orch, tokens)
	handler.Provider = provider

	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testServer{server: srv, store: store, tokens: tokens, handler: handler}
}

func (ts *testServer) token(t *testing.T, identity auth.Identity) string {
	t.Helper()
	token, _, err := ts.tokens.Create(context.Background(), identity)
	if err != nil {
		t.Fatalf("Create token: %v", err)
	}
	return token
}

func (ts *testServer) request(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(res, req)
	return res
}

func seedServerChannel(t *testing.T, store *storage.Storage, name string) models.Channel {
	t.Helper()
	channel, err := store.CreateChannel(context.Background(), storage.CreateChannelParams{
		ProviderChannelID: "prov-" + name,
		Name:              name,
		IngestEndpoint:    "rtmp://ingest.example.com/" + name,
		PlaybackEndpoint:  "https://play.example.com/" + name + ".m3u8",
		Enabled:           true,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel
}

func seedServerSession(t *testing.T, store *storage.Storage, mentorID string) models.Session {
	t.Helper()
	session, err := store.CreateSession(context.Background(), storage.CreateSessionParams{
		MentorID:        mentorID,
		Title:           "Intro to Go",
		ScheduledAt:     time.Now().Add(time.Hour),
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func TestAPIRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, Config{})

	if res := ts.request(http.MethodGet, "/api/sessions/active", ""); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}

	if res := ts.request(http.MethodGet, "/healthz", ""); res.Code != http.StatusOK {
		t.Fatalf("healthz should be public, got %d", res.Code)
	}
	if res := ts.request(http.MethodGet, "/metrics", ""); res.Code != http.StatusOK {
		t.Fatalf("metrics should be public, got %d", res.Code)
	}
}

func TestMentorFlowThroughFullChain(t *testing.T) {
	ts := newTestServer(t, Config{})
	seedServerChannel(t, ts.store, "alpha")
	session := seedServerSession(t, ts.store, "mentor-1")
	token := ts.token(t, auth.Identity{UserID: "u1", Role: auth.RoleMentor, MentorID: "mentor-1"})

	res := ts.request(http.MethodGet, "/api/mentor/sessions/"+session.ID+"/credentials", token)
	if res.Code != http.StatusOK {
		t.Fatalf("credentials failed: %d %s", res.Code, res.Body.String())
	}
	var creds map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode credentials: %v", err)
	}
	if creds["streamKey"] == "" {
		t.Fatalf("missing stream key: %v", creds)
	}

	start := ts.request(http.MethodPost, "/api/mentor/sessions/"+session.ID+"/start", token)
	if start.Code != http.StatusOK {
		t.Fatalf("start failed: %d %s", start.Code, start.Body.String())
	}

	stop := ts.request(http.MethodPost, "/api/mentor/sessions/"+session.ID+"/stop", token)
	if stop.Code != http.StatusOK {
		t.Fatalf("stop failed: %d %s", stop.Code, stop.Body.String())
	}
}

func TestCredentialRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{
		CredentialLimit:  2,
		CredentialWindow: time.Hour,
	}})
	seedServerChannel(t, ts.store, "alpha")
	session := seedServerSession(t, ts.store, "mentor-1")
	token := ts.token(t, auth.Identity{UserID: "u1", Role: auth.RoleMentor, MentorID: "mentor-1"})

	target := "/api/mentor/sessions/" + session.ID + "/credentials/rotate"
	if res := ts.request(http.MethodPost, target, token); res.Code == http.StatusTooManyRequests {
		t.Fatalf("first mutation should pass, got %d", res.Code)
	}
	if res := ts.request(http.MethodPost, target, token); res.Code == http.StatusTooManyRequests {
		t.Fatalf("second mutation should pass, got %d", res.Code)
	}
	third := ts.request(http.MethodPost, target, token)
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the credential limit, got %d", third.Code)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: RateLimitConfig{
		GlobalRPS:   0.0001,
		GlobalBurst: 1,
	}})
	token := ts.token(t, auth.Identity{UserID: "u1", Role: auth.RoleStudent})

	if res := ts.request(http.MethodGet, "/api/sessions/active", token); res.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", res.Code)
	}
	if res := ts.request(http.MethodGet, "/api/sessions/active", token); res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the bucket drained, got %d", res.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, Config{})

	res := ts.request(http.MethodGet, "/healthz", "")
	if res.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	ts := newTestServer(t, Config{})

	res := ts.request(http.MethodGet, "/healthz", "")
	headers := map[string]string{
		"Content-Security-Policy": defaultContentSecurityPolicy,
		"X-Frame-Options":         defaultFrameOptions,
		"X-Content-Type-Options":  defaultContentTypeOptions,
		"Referrer-Policy":         defaultReferrerPolicy,
		"Permissions-Policy":      defaultPermissionsPolicy,
	}
	for name, want := range headers {
		if got := res.Header().Get(name); got != want {
			t.Fatalf("header %s: got %q want %q", name, got, want)
		}
	}
}

func TestCORSPolicy(t *testing.T) {
	ts := newTestServer(t, Config{CORS: CORSConfig{
		PlatformOrigins: []string{"https://learn.example.com"},
	}})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions/active", nil)
	req.Header.Set("Origin", "https://learn.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight failed: %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://learn.example.com" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}

	blocked := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	blocked.Header.Set("Origin", "https://evil.example.com")
	blockedRec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(blockedRec, blocked)
	if blockedRec.Code != http.StatusForbidden {
		t.Fatalf("expected blocked origin to get 403, got %d", blockedRec.Code)
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	ts := newTestServer(t, Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ts.server.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestNewRejectsHalfConfiguredTLS(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "classcast.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	handler := api.NewHandler(store, orchestrator.New(orchestrator.Config{Store: store}), auth.NewManager(time.Hour))

	_, err = New(handler, Config{TLS: TLSConfig{CertFile: "cert.pem"}})
	if err == nil || !strings.Contains(err.Error(), "TLS") {
		t.Fatalf("expected TLS configuration error, got %v", err)
	}
}
