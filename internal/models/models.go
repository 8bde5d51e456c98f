package models

import "time"

type User struct {
	ID           string
	Roll         string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Profile is 1:1 with User. The token fields are write-once-use-once:
// consumption clears them, and a cleared token never matches again.
type Profile struct {
	UserID            string
	Name              string
	Branch            string
	Course            string
	PassingYear       int
	EmailVerified     bool
	VerificationToken string
	ResetToken        string
}

type Project struct {
	ID              string
	OwnerID         string
	Name            string
	RedirectURL     string
	Description     string
	LogoURL         string
	Verified        bool
	ActiveLogins    int
	MaxActiveLogins int
	CreatedAt       time.Time
}

// LoginSession is one handoff of a user into one project. Expiry is
// absolute: CreatedAt plus the configured window, checked lazily on access.
type LoginSession struct {
	ID         string
	SessionKey string
	UserID     string
	ProjectID  string
	Active     bool
	CreatedAt  time.Time
}

// SSOSession is a browser/device login to the broker itself, keyed by the
// hash of the transport token. Device is a truncated user-agent fingerprint.
type SSOSession struct {
	ID         string
	UserID     string
	TokenHash  string
	Device     string
	Active     bool
	CreatedAt  time.Time
	LastSeenAt time.Time
}
