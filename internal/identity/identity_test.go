package identity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ssobroker/internal/db"
	"ssobroker/internal/store"
)

func newTestIdentity(t *testing.T) (*Identity, *store.Store, *sql.DB) {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrationFile(sqdb, filepath.Join("..", "..", "migrations", "001_init.sql")); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	st := store.New(sqdb)
	return New(st, nil, 8), st, sqdb
}

func TestRegisterAndVerifyCredentials(t *testing.T) {
	ids, _, _ := newTestIdentity(t)
	u, tok, err := ids.Register(context.Background(), RegisterRequest{
		Roll:        "2021CS042",
		Name:        "Asha Verma",
		Branch:      "CSE",
		Course:      "B.Tech",
		PassingYear: 2025,
		Password:    "correct horse battery",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Roll != "2021cs042" {
		t.Fatalf("roll should be normalized to lowercase, got %q", u.Roll)
	}
	if tok == "" {
		t.Fatalf("expected a verification token")
	}

	if _, err := ids.VerifyCredentials(context.Background(), "2021CS042", "correct horse battery"); err != nil {
		t.Fatalf("verify credentials: %v", err)
	}
	if _, err := ids.VerifyCredentials(context.Background(), "2021CS042", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := ids.VerifyCredentials(context.Background(), "nobody", "correct horse battery"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown roll should be the same typed failure, got %v", err)
	}
}

func TestRegisterDuplicateRoll(t *testing.T) {
	ids, _, _ := newTestIdentity(t)
	req := RegisterRequest{Roll: "2021cs001", Name: "A", Password: "longenough"}
	if _, _, err := ids.Register(context.Background(), req); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, _, err := ids.Register(context.Background(), req); !errors.Is(err, ErrRollTaken) {
		t.Fatalf("expected ErrRollTaken, got %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	ids, _, _ := newTestIdentity(t)
	if _, _, err := ids.Register(context.Background(), RegisterRequest{Roll: "r1", Name: "A", Password: "short"}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
}

func TestVerificationTokenIsSingleUse(t *testing.T) {
	ids, _, sqdb := newTestIdentity(t)
	u, tok, err := ids.Register(context.Background(), RegisterRequest{Roll: "2021cs002", Name: "B", Password: "longenough"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	userID, err := ids.MarkEmailVerified(context.Background(), tok)
	if err != nil {
		t.Fatalf("consume verification token: %v", err)
	}
	if userID != u.ID {
		t.Fatalf("token resolved to wrong user")
	}
	var verified int
	if err := sqdb.QueryRow(`SELECT email_verified FROM profiles WHERE user_id=?`, u.ID).Scan(&verified); err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if verified != 1 {
		t.Fatalf("profile not marked verified")
	}

	if _, err := ids.MarkEmailVerified(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replayed verification link must fail, got %v", err)
	}
	if _, err := ids.MarkEmailVerified(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token must fail, got %v", err)
	}
}

func TestResetTokenIsSingleUse(t *testing.T) {
	ids, _, _ := newTestIdentity(t)
	u, _, err := ids.Register(context.Background(), RegisterRequest{Roll: "2021cs003", Name: "C", Password: "originalpass"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	tok, err := ids.SetResetToken(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("set reset token: %v", err)
	}
	if err := ids.CheckResetToken(context.Background(), tok); err != nil {
		t.Fatalf("check reset token: %v", err)
	}

	if err := ids.ConsumeResetToken(context.Background(), tok, "replacedpass"); err != nil {
		t.Fatalf("consume reset token: %v", err)
	}
	if _, err := ids.VerifyCredentials(context.Background(), u.Roll, "replacedpass"); err != nil {
		t.Fatalf("new password should work: %v", err)
	}
	if _, err := ids.VerifyCredentials(context.Background(), u.Roll, "originalpass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be dead, got %v", err)
	}

	if err := ids.ConsumeResetToken(context.Background(), tok, "thirdpassword"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replayed reset token must fail, got %v", err)
	}
	if err := ids.CheckResetToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("consumed token should no longer check out, got %v", err)
	}
}

func TestResetTokenRotation(t *testing.T) {
	ids, _, _ := newTestIdentity(t)
	u, _, err := ids.Register(context.Background(), RegisterRequest{Roll: "2021cs004", Name: "D", Password: "originalpass"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	tok1, err := ids.SetResetToken(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("set first reset token: %v", err)
	}
	tok2, err := ids.SetResetToken(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("set second reset token: %v", err)
	}
	// Issuing a new token invalidates the previous one.
	if err := ids.CheckResetToken(context.Background(), tok1); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("stale reset token should be invalid, got %v", err)
	}
	if err := ids.CheckResetToken(context.Background(), tok2); err != nil {
		t.Fatalf("fresh reset token should be valid: %v", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret-enough")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !VerifyPassword(hash, "s3cret-enough") {
		t.Fatalf("correct password rejected")
	}
	if VerifyPassword(hash, "s3cret-enough ") {
		t.Fatalf("wrong password accepted")
	}
	if VerifyPassword("not-a-hash", "s3cret-enough") {
		t.Fatalf("malformed hash accepted")
	}
}
