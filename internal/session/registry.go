// Package session is the broker's session state machine: per-project login
// sessions with validity windows and quota accounting, plus the device
// sessions for the broker itself.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ssobroker/internal/models"
	"ssobroker/internal/store"
	"ssobroker/internal/token"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrExpired       = errors.New("session expired")
	ErrQuotaExceeded = errors.New("project login quota exceeded")
	ErrStorage       = errors.New("storage failure")
)

const maxDeviceLen = 64

// createAttempts bounds the insert retry after a duplicate-key race; the
// token generator has its own collision budget underneath.
const createAttempts = 3

type Registry struct {
	st     *store.Store
	tokens *token.Generator
	window time.Duration

	now func() time.Time
}

func NewRegistry(st *store.Store, tokens *token.Generator, window time.Duration) *Registry {
	return &Registry{st: st, tokens: tokens, window: window, now: time.Now}
}

func (r *Registry) Window() time.Duration { return r.window }

// StartOrResumeHandoff returns the current session key for (user, project),
// creating a session only when no valid one exists. An expired session is
// deactivated (single counter decrement) and removed before the new claim.
func (r *Registry) StartOrResumeHandoff(ctx context.Context, userID, projectID string) (string, bool, error) {
	sess, err := r.st.GetActiveLoginSession(ctx, userID, projectID)
	switch {
	case err == nil:
		if r.validAt(sess, r.now().UTC()) {
			return sess.SessionKey, false, nil
		}
		if err := r.deactivate(ctx, sess.ID); err != nil {
			return "", false, err
		}
		if err := r.writeRetry(func() error { return r.st.DeleteLoginSession(ctx, sess.ID) }); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	case err == store.ErrNotFound:
		// fall through to creation
	default:
		return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := r.st.ClaimLoginSlot(ctx, projectID); err != nil {
		switch err {
		case store.ErrConflict:
			return "", false, ErrQuotaExceeded
		case store.ErrNotFound:
			return "", false, ErrNotFound
		default:
			return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		key, err := r.tokens.Generate(ctx, userID, projectID)
		if err != nil {
			r.releaseSlot(ctx, projectID)
			return "", false, err
		}
		create := models.LoginSession{
			ID:         uuid.NewString(),
			SessionKey: key,
			UserID:     userID,
			ProjectID:  projectID,
			Active:     true,
			CreatedAt:  r.now().UTC(),
		}
		err = r.st.CreateLoginSession(ctx, create)
		if err == nil {
			return key, true, nil
		}
		if err == store.ErrConflict {
			// Lost a same-second race for this key; derive a fresh one.
			continue
		}
		if err2 := r.st.CreateLoginSession(ctx, create); err2 == nil {
			return key, true, nil
		}
		r.releaseSlot(ctx, projectID)
		return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	r.releaseSlot(ctx, projectID)
	return "", false, token.ErrGenerationExhausted
}

// Validate looks up a session key and enforces the validity window lazily.
// An out-of-window session is deactivated here, decrementing the owning
// project exactly once; a session already inactive reports expired without
// touching the counter again.
func (r *Registry) Validate(ctx context.Context, key string) (models.LoginSession, error) {
	sess, err := r.st.GetLoginSessionByKey(ctx, key)
	if err == store.ErrNotFound {
		return models.LoginSession{}, ErrNotFound
	}
	if err != nil {
		return models.LoginSession{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !sess.Active {
		return models.LoginSession{}, ErrExpired
	}
	if !r.validAt(sess, r.now().UTC()) {
		if err := r.deactivate(ctx, sess.ID); err != nil {
			return models.LoginSession{}, err
		}
		return models.LoginSession{}, ErrExpired
	}
	return sess, nil
}

// DeactivateAllForUser is the logout path: every device session and every
// login session of the user is flipped inactive, with each previously
// active login session decrementing its project once.
func (r *Registry) DeactivateAllForUser(ctx context.Context, userID string) error {
	if err := r.writeRetry(func() error { return r.st.DeactivateUserSSOSessions(ctx, userID) }); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := r.writeRetry(func() error {
		_, err := r.st.DeactivateUserLoginSessions(ctx, userID)
		return err
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// RecordDeviceLogin upserts the broker-side device session for
// (user, transport key). There is no quota on device sessions.
func (r *Registry) RecordDeviceLogin(ctx context.Context, userID, device, tokenHash string) error {
	if len(device) > maxDeviceLen {
		device = device[:maxDeviceLen]
	}
	existing, err := r.st.GetSSOSessionByTokenHash(ctx, tokenHash)
	if err == nil {
		if existing.UserID != userID {
			return fmt.Errorf("%w: transport key bound to another user", ErrStorage)
		}
		if err := r.writeRetry(func() error { return r.st.RefreshSSOSession(ctx, existing.ID, device) }); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	now := r.now().UTC()
	create := models.SSOSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		TokenHash:  tokenHash,
		Device:     device,
		Active:     true,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := r.writeRetry(func() error { return r.st.CreateSSOSession(ctx, create) }); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// ValidateDeviceSession resolves an active broker session from the hash of
// the transport token.
func (r *Registry) ValidateDeviceSession(ctx context.Context, tokenHash string) (models.SSOSession, error) {
	sess, err := r.st.GetSSOSessionByTokenHash(ctx, tokenHash)
	if err == store.ErrNotFound {
		return models.SSOSession{}, ErrNotFound
	}
	if err != nil {
		return models.SSOSession{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !sess.Active {
		return models.SSOSession{}, ErrNotFound
	}
	_ = r.st.TouchSSOSession(ctx, sess.ID)
	return sess, nil
}

// Reconcile recomputes a project's active_logins from the session table
// and returns the corrected count.
func (r *Registry) Reconcile(ctx context.Context, projectID string) (int, error) {
	count, err := r.st.ReconcileProjectLogins(ctx, projectID)
	if err == store.ErrNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return count, nil
}

// validAt treats the exact boundary instant as valid, so repeated checks
// at the same clock reading agree.
func (r *Registry) validAt(sess models.LoginSession, now time.Time) bool {
	return !now.After(sess.CreatedAt.Add(r.window))
}

func (r *Registry) deactivate(ctx context.Context, sessionID string) error {
	err := r.writeRetry(func() error {
		_, err := r.st.DeactivateLoginSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (r *Registry) releaseSlot(ctx context.Context, projectID string) {
	_ = r.writeRetry(func() error { return r.st.ReleaseLoginSlot(ctx, projectID) })
}

// writeRetry retries a persistence write once before giving up; transient
// write conflicts recover, anything else surfaces to the caller.
func (r *Registry) writeRetry(fn func() error) error {
	if err := fn(); err != nil {
		return fn()
	}
	return nil
}
