package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrgrad/internal/store"
)

func TestSeedDefaultAdmin(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(store.NewMemory())

	if err := accounts.SeedDefaultAdmin(ctx); err != nil {
		t.Fatalf("SeedDefaultAdmin: %v", err)
	}
	admin, err := accounts.SignIn(ctx, "admin@local.com", "admin123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if admin.Role != RoleAdmin {
		t.Fatalf("role = %s, want admin", admin.Role)
	}

	// Seeding twice must not add a second admin, and once any account
	// exists the seed is a no-op.
	if err := accounts.SeedDefaultAdmin(ctx); err != nil {
		t.Fatalf("second SeedDefaultAdmin: %v", err)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(store.NewMemory())

	if _, err := accounts.SignUp(ctx, "usher@example.com", "secret"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := accounts.SignUp(ctx, "Usher@Example.com", "other"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

func TestSignUpAssignsUserRole(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(store.NewMemory())

	if err := accounts.SeedDefaultAdmin(ctx); err != nil {
		t.Fatalf("SeedDefaultAdmin: %v", err)
	}
	user, err := accounts.SignUp(ctx, "usher@example.com", "secret")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Role != RoleUser {
		t.Fatalf("role = %s, want user", user.Role)
	}
	if user.PasswordHash == "secret" {
		t.Fatal("password stored unhashed")
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccounts(store.NewMemory())

	if _, err := accounts.SignUp(ctx, "usher@example.com", "secret"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if _, err := accounts.SignIn(ctx, "usher@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if _, err := accounts.SignIn(ctx, "nobody@example.com", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: err = %v", err)
	}
}

func TestIssueAndParseTokens(t *testing.T) {
	pair, err := Issue("u1", "usher@example.com", RoleAdmin, "qrgrad-ceremony", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := Parse(pair.AccessToken, "test-key", "qrgrad-ceremony")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := Parse(pair.AccessToken, "other-key", "qrgrad-ceremony"); err == nil {
		t.Fatal("wrong key must be rejected")
	}
	if _, err := Parse(pair.AccessToken, "test-key", "other-issuer"); err == nil {
		t.Fatal("issuer mismatch must be rejected")
	}
}
