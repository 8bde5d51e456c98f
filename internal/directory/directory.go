// Package directory manages the registered member projects.
package directory

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"ssobroker/internal/models"
	"ssobroker/internal/store"
)

var (
	ErrNotFound  = errors.New("project not found")
	ErrForbidden = errors.New("forbidden")
)

type Directory struct {
	st              *store.Store
	maxActiveLogins int
}

func New(st *store.Store, maxActiveLogins int) *Directory {
	if maxActiveLogins <= 0 {
		maxActiveLogins = 10
	}
	return &Directory{st: st, maxActiveLogins: maxActiveLogins}
}

type CreateRequest struct {
	Name        string
	RedirectURL string
	Description string
	LogoURL     string
}

// Create registers a project, unverified and subject to the fixed
// concurrent-login cap until an administrator verifies it. Project ids are
// generated here and never reused.
func (d *Directory) Create(ctx context.Context, ownerID string, req CreateRequest) (models.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return models.Project{}, errors.New("project name is required")
	}
	redirect := strings.TrimSpace(req.RedirectURL)
	u, err := url.Parse(redirect)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.Project{}, errors.New("redirect URL must be an absolute http(s) URL")
	}
	p := models.Project{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Name:            name,
		RedirectURL:     redirect,
		Description:     strings.TrimSpace(req.Description),
		LogoURL:         strings.TrimSpace(req.LogoURL),
		Verified:        false,
		ActiveLogins:    0,
		MaxActiveLogins: d.maxActiveLogins,
		CreatedAt:       time.Now().UTC(),
	}
	if err := d.st.CreateProject(ctx, p); err != nil {
		return models.Project{}, err
	}
	return p, nil
}

func (d *Directory) Get(ctx context.Context, id string) (models.Project, error) {
	p, err := d.st.GetProject(ctx, id)
	if err == store.ErrNotFound {
		return models.Project{}, ErrNotFound
	}
	return p, err
}

func (d *Directory) ListVerified(ctx context.Context) ([]models.Project, error) {
	return d.st.ListVerifiedProjects(ctx)
}

// Verify lifts the quota enforcement; administrator-only, enforced by the
// caller's routing.
func (d *Directory) Verify(ctx context.Context, id string) error {
	err := d.st.VerifyProject(ctx, id)
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	return err
}

// Delete removes a project and its handoff sessions. Only the creator may
// delete it.
func (d *Directory) Delete(ctx context.Context, id, requesterID string) error {
	p, err := d.st.GetProject(ctx, id)
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if p.OwnerID != requesterID {
		return ErrForbidden
	}
	err = d.st.DeleteProject(ctx, id)
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	return err
}
