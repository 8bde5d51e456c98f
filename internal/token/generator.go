// Package token derives the opaque session keys handed to member projects.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrGenerationExhausted is returned when every attempt collided with an
// existing key. Timestamps have one-second granularity, so a burst of
// requests for the same (user, project) can collide until the clock ticks;
// running out of attempts anyway is an operational alert, not a user error.
var ErrGenerationExhausted = errors.New("session key generation exhausted")

// KeyChecker reports whether a candidate key is already in use.
type KeyChecker interface {
	LoginSessionKeyExists(ctx context.Context, key string) (bool, error)
}

type Generator struct {
	keys        KeyChecker
	maxAttempts int
	backoff     time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

func NewGenerator(keys KeyChecker, maxAttempts int, backoff time.Duration) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Generator{
		keys:        keys,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Generate derives a URL-safe key from (userID, projectID, current second)
// and retries with a fresh timestamp after a fixed backoff when the key is
// already taken. The loop is bounded; it never recurses.
func (g *Generator) Generate(ctx context.Context, userID, projectID string) (string, error) {
	if userID == "" || projectID == "" {
		return "", errors.New("user and project are required")
	}
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			g.sleep(g.backoff)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		key := Derive(userID, projectID, g.now().UTC())
		exists, err := g.keys.LoginSessionKeyExists(ctx, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
	}
	return "", ErrGenerationExhausted
}

// Derive is the raw derivation: sha256 over "user-project-unixSeconds",
// base64 url-safe without padding. Output length is always 43 characters.
func Derive(userID, projectID string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", userID, projectID, at.Unix())))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
