package auth

import (
	"context"
	"testing"
	"time"
)

func TestManagerIssueValidateRevoke(t *testing.T) {
	manager := NewManager(time.Hour)
	ctx := context.Background()
	identity := Identity{UserID: "user-1", Role: RoleMentor, MentorID: "mentor-1"}

	token, expiresAt, err := manager.Create(ctx, identity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" || !expiresAt.After(time.Now()) {
		t.Fatalf("unexpected token %q expiring %v", token, expiresAt)
	}

	resolved, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("Validate: ok=%v err=%v", ok, err)
	}
	if resolved != identity {
		t.Fatalf("unexpected identity: %+v", resolved)
	}

	if err := manager.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("revoked token still validates")
	}
}

func TestManagerRejectsIncompleteIdentity(t *testing.T) {
	manager := NewManager(time.Hour)
	if _, _, err := manager.Create(context.Background(), Identity{Role: RoleAdmin}); err == nil {
		t.Fatal("expected missing userID to fail")
	}
	if _, _, err := manager.Create(context.Background(), Identity{UserID: "u", Role: "viewer"}); err == nil {
		t.Fatal("expected unknown role to fail")
	}
}

func TestMemoryStoreExpiresTokens(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()
	identity := Identity{UserID: "user-1", Role: RoleStudent}

	if err := store.Save(ctx, "tok", identity, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "tok"); ok {
		t.Fatal("expired token still resolves")
	}

	if err := store.Save(ctx, "tok2", identity, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.PurgeExpired(ctx, time.Now()); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "tok2"); ok {
		t.Fatal("purged token still resolves")
	}
}

func TestParseStaticTokens(t *testing.T) {
	tokens, err := ParseStaticTokens("admintok=admin:user-a, mentortok=mentor:user-m:mentor-7")
	if err != nil {
		t.Fatalf("ParseStaticTokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	admin := tokens["admintok"]
	if admin.Role != RoleAdmin || admin.UserID != "user-a" || admin.MentorID != "" {
		t.Fatalf("unexpected admin identity: %+v", admin)
	}
	mentor := tokens["mentortok"]
	if mentor.Role != RoleMentor || mentor.MentorID != "mentor-7" {
		t.Fatalf("unexpected mentor identity: %+v", mentor)
	}

	if _, err := ParseStaticTokens("bareword"); err == nil {
		t.Fatal("expected malformed entry to fail")
	}
	if _, err := ParseStaticTokens("tok=viewer:u"); err == nil {
		t.Fatal("expected unknown role to fail")
	}
}

func TestManagerStaticTokens(t *testing.T) {
	static := map[string]Identity{"svc": {UserID: "svc-user", Role: RoleAdmin}}
	manager := NewManager(time.Hour, WithStaticTokens(static))

	identity, ok, err := manager.Validate(context.Background(), "svc")
	if err != nil || !ok {
		t.Fatalf("Validate static: ok=%v err=%v", ok, err)
	}
	if identity.UserID != "svc-user" || identity.Role != RoleAdmin {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}
