package broadcast

import (
	"context"
	"testing"
	"time"

	"classcast/internal/models"
	"classcast/internal/testsupport/providerstub"
)

func newStubProvider(t *testing.T, opts providerstub.Options) (*HTTPProvider, *providerstub.ControlPlane) {
	t.Helper()
	if opts.Token == "" {
		opts.Token = "stub-token"
	}
	cp := providerstub.Start(opts)
	t.Cleanup(cp.Close)

	provider, err := Config{
		BaseURL: cp.BaseURL(),
		Token:   opts.Token,
		Timeout: 2 * time.Second,
	}.NewHTTPProvider()
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}
	return provider, cp
}

func TestIssuerRecoversFromControlPlaneOutage(t *testing.T) {
	provider, cp := newStubProvider(t, providerstub.Options{
		StreamKeys: []string{"sk-first"},
		FailIssues: 1,
	})
	issuer := NewIssuer(provider, 3, time.Millisecond, nil)

	channel := models.Channel{ID: "ch-1", ProviderChannelID: "chan-1", IngestEndpoint: "rtmp://in", PlaybackEndpoint: "https://out"}
	session := models.Session{ID: "sess-1"}

	creds, err := issuer.Issue(context.Background(), channel, session)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if creds.StreamKey != "sk-first" {
		t.Fatalf("unexpected key: %q", creds.StreamKey)
	}

	ops := cp.Operations()
	if len(ops) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d: %+v", len(ops), ops)
	}
	if ops[0].Status != 503 || ops[1].Status != 200 {
		t.Fatalf("unexpected attempt statuses: %+v", ops)
	}
	if ops[1].ProviderChannelID != "chan-1" || ops[1].SessionID != "sess-1" {
		t.Fatalf("issue request did not carry identifiers: %+v", ops[1])
	}
}

func TestHTTPProviderRevokeAgainstControlPlane(t *testing.T) {
	provider, cp := newStubProvider(t, providerstub.Options{})

	if err := provider.RevokeKey(context.Background(), "chan-9"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}

	ops := cp.Operations()
	if len(ops) != 1 || ops[0].Kind != "key-revoke" || ops[0].ProviderChannelID != "chan-9" {
		t.Fatalf("unexpected operations: %+v", ops)
	}
}

func TestHTTPProviderProvisionAgainstControlPlane(t *testing.T) {
	provider, _ := newStubProvider(t, providerstub.Options{
		IngestEndpoint:   "rtmp://edge/live/new",
		PlaybackEndpoint: "https://edge/hls/new.m3u8",
	})

	result, err := provider.ProvisionChannel(context.Background(), ProvisionParams{Name: "algebra-2"})
	if err != nil {
		t.Fatalf("ProvisionChannel: %v", err)
	}
	if result.ProviderChannelID == "" {
		t.Fatal("expected a provider channel id")
	}
	if result.IngestEndpoint != "rtmp://edge/live/new" || result.PlaybackEndpoint != "https://edge/hls/new.m3u8" {
		t.Fatalf("unexpected endpoints: %+v", result)
	}
}

func TestHTTPProviderHealthAgainstControlPlane(t *testing.T) {
	healthy, _ := newStubProvider(t, providerstub.Options{})
	statuses := healthy.HealthChecks(context.Background())
	if len(statuses) != 1 || statuses[0].Status != "ok" {
		t.Fatalf("expected healthy provider, got %+v", statuses)
	}

	degraded, _ := newStubProvider(t, providerstub.Options{Unhealthy: true})
	statuses = degraded.HealthChecks(context.Background())
	if len(statuses) != 1 || statuses[0].Status != "error" {
		t.Fatalf("expected degraded provider, got %+v", statuses)
	}
}
