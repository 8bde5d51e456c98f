// Package identity is the broker's credential store: it owns users and
// profiles, verifies passwords, and manages the one-shot verification and
// reset tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ssobroker/internal/models"
	"ssobroker/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRollTaken          = errors.New("a user with that roll number already exists")
)

// CredentialVerifier checks a roll/password pair. The default is the local
// backend; an external SQL credential database can be plugged in instead.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, roll, password string) error
}

type Identity struct {
	st      *store.Store
	creds   CredentialVerifier
	minPass int
}

type RegisterRequest struct {
	Roll        string
	Name        string
	Branch      string
	Course      string
	PassingYear int
	Password    string
}

func New(st *store.Store, creds CredentialVerifier, minPasswordLength int) *Identity {
	id := &Identity{st: st, creds: creds, minPass: minPasswordLength}
	if id.creds == nil {
		id.creds = localVerifier{st: st}
	}
	if id.minPass < 8 {
		id.minPass = 8
	}
	return id
}

// Register creates the user and profile and returns the fresh verification
// token so the caller can mail it out.
func (i *Identity) Register(ctx context.Context, req RegisterRequest) (models.User, string, error) {
	roll := strings.ToLower(strings.TrimSpace(req.Roll))
	if roll == "" {
		return models.User{}, "", errors.New("roll number is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return models.User{}, "", errors.New("name is required")
	}
	if req.PassingYear > time.Now().UTC().Year()+6 || (req.PassingYear != 0 && req.PassingYear < 1900) {
		return models.User{}, "", errors.New("passing year is not plausible")
	}
	if err := i.ValidatePassword(req.Password); err != nil {
		return models.User{}, "", err
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return models.User{}, "", err
	}
	verificationToken := uuid.NewString()
	u, err := i.st.CreateUserWithProfile(ctx, roll, hash, models.Profile{
		Name:              strings.TrimSpace(req.Name),
		Branch:            strings.TrimSpace(req.Branch),
		Course:            strings.TrimSpace(req.Course),
		PassingYear:       req.PassingYear,
		VerificationToken: verificationToken,
	})
	if err == store.ErrConflict {
		return models.User{}, "", ErrRollTaken
	}
	if err != nil {
		return models.User{}, "", err
	}
	return u, verificationToken, nil
}

// VerifyCredentials returns the local user on success. The failure is a
// single typed value regardless of whether the roll or the password was
// wrong.
func (i *Identity) VerifyCredentials(ctx context.Context, roll, password string) (models.User, error) {
	u, err := i.st.GetUserByRoll(ctx, roll)
	if err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	if err := i.creds.VerifyCredentials(ctx, u.Roll, password); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (i *Identity) GetUser(ctx context.Context, userID string) (models.User, error) {
	return i.st.GetUserByID(ctx, userID)
}

func (i *Identity) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	return i.st.GetProfile(ctx, userID)
}

func (i *Identity) UpdateProfile(ctx context.Context, userID, name, branch, course string, passingYear int) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name is required")
	}
	return i.st.UpdateProfile(ctx, userID, strings.TrimSpace(name), strings.TrimSpace(branch), strings.TrimSpace(course), passingYear)
}

// MarkEmailVerified consumes a verification token. Consumption clears the
// token, so replaying the same link fails with ErrInvalidToken.
func (i *Identity) MarkEmailVerified(ctx context.Context, token string) (string, error) {
	userID, err := i.st.ConsumeVerificationToken(ctx, token)
	if err == store.ErrNotFound {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// SetResetToken issues a fresh one-shot reset token for the user.
func (i *Identity) SetResetToken(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	if err := i.st.SetResetToken(ctx, userID, token); err != nil {
		return "", err
	}
	return token, nil
}

// CheckResetToken reports whether a reset token is currently live, without
// consuming it. Used by the GET half of the reset flow.
func (i *Identity) CheckResetToken(ctx context.Context, token string) error {
	_, err := i.st.GetUserIDByResetToken(ctx, token)
	if err == store.ErrNotFound {
		return ErrInvalidToken
	}
	return err
}

// ConsumeResetToken sets the new password and clears the token in the same
// flow; a second consumption fails with ErrInvalidToken.
func (i *Identity) ConsumeResetToken(ctx context.Context, token, newPassword string) error {
	if err := i.ValidatePassword(newPassword); err != nil {
		return err
	}
	userID, err := i.st.ConsumeResetToken(ctx, token)
	if err == store.ErrNotFound {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return i.st.UpdateUserPasswordHash(ctx, userID, hash)
}

func (i *Identity) ValidatePassword(pw string) error {
	if strings.TrimSpace(pw) == "" {
		return errors.New("password is required")
	}
	if len(pw) < i.minPass {
		return fmt.Errorf("password must be at least %d characters", i.minPass)
	}
	return nil
}

type localVerifier struct {
	st *store.Store
}

func (v localVerifier) VerifyCredentials(ctx context.Context, roll, password string) error {
	u, err := v.st.GetUserByRoll(ctx, roll)
	if err != nil {
		return ErrInvalidCredentials
	}
	if !VerifyPassword(u.PasswordHash, password) {
		return ErrInvalidCredentials
	}
	return nil
}
