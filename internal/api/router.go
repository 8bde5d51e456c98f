package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ssobroker/internal/config"
	"ssobroker/internal/directory"
	"ssobroker/internal/identity"
	"ssobroker/internal/middleware"
	"ssobroker/internal/models"
	"ssobroker/internal/notify"
	"ssobroker/internal/rate"
	"ssobroker/internal/session"
	"ssobroker/internal/store"
	"ssobroker/internal/token"
	"ssobroker/internal/util"
)

type Handlers struct {
	cfg      config.Config
	st       *store.Store
	ids      *identity.Identity
	sessions *session.Registry
	projects *directory.Directory
	notifier *notify.Notifier
	limiter  *rate.Limiter
}

func NewRouter(cfg config.Config, st *store.Store, ids *identity.Identity, sessions *session.Registry, projects *directory.Directory, notifier *notify.Notifier) http.Handler {
	h := &Handlers{
		cfg:      cfg,
		st:       st,
		ids:      ids,
		sessions: sessions,
		projects: projects,
		notifier: notifier,
		limiter:  rate.NewLimiter(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := map[string]any{
			"checked_at": time.Now().UTC().Format(time.RFC3339),
			"components": map[string]any{},
		}
		comps := ready["components"].(map[string]any)
		if err := h.st.Ping(r.Context()); err != nil {
			comps["sqlite"] = map[string]any{"ok": false, "error": err.Error()}
			ready["status"] = "degraded"
			util.WriteJSON(w, 503, ready)
			return
		}
		comps["sqlite"] = map[string]any{"ok": true}
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
	})

	// Mail-link entry points live at the root so the URLs in outbound mail
	// stay short and stable.
	r.Get("/confirm-email/{token}", h.ConfirmEmail)
	r.Get("/resetpassword/{token}", h.ResetPasswordCheck)
	r.Post("/resetpassword/{token}", h.ResetPasswordSubmit)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(h.limiter, "register", 10, time.Minute, h.cfg.TrustProxy)).Post("/register", h.Register)
		r.With(middleware.RateLimit(h.limiter, "login", 20, time.Minute, h.cfg.TrustProxy)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.With(middleware.RateLimit(h.limiter, "reset_request", 10, time.Minute, h.cfg.TrustProxy)).Post("/password/reset/request", h.PasswordResetRequest)

		r.Get("/projects", h.ListProjects)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.sessions, h.ids, h.cfg.SessionCookieName))
			r.Get("/me", h.Me)
			r.Put("/me", h.UpdateMe)
			r.Post("/projects", h.CreateProject)
			r.Delete("/projects/{id}", h.DeleteProject)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminOnly)
				r.Post("/projects/{id}/verify", h.AdminVerifyProject)
				r.Post("/projects/{id}/reconcile", h.AdminReconcileProject)
			})
		})
	})

	// Hand-off endpoints for member projects.
	r.With(middleware.Authn(h.sessions, h.ids, h.cfg.SessionCookieName)).
		Get("/project/{projectID}/ssocall", h.SSOCall)
	r.Post("/project/getuserdata", h.GetUserData)

	return r
}

type registerRequest struct {
	Roll        string `json:"roll"`
	Name        string `json:"name"`
	Branch      string `json:"branch"`
	Course      string `json:"course"`
	PassingYear int    `json:"passing_year"`
	Password    string `json:"password"`
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	u, verificationToken, err := h.ids.Register(r.Context(), identity.RegisterRequest{
		Roll:        req.Roll,
		Name:        req.Name,
		Branch:      req.Branch,
		Course:      req.Course,
		PassingYear: req.PassingYear,
		Password:    req.Password,
	})
	if err != nil {
		if errors.Is(err, identity.ErrRollTaken) {
			util.WriteError(w, 409, "roll_taken", err.Error(), middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "register_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	emailSent := true
	if err := h.notifier.SendVerification(r.Context(), u.Roll, verificationToken); err != nil {
		emailSent = false
		log.Printf("verification_mail_failed roll=%s request_id=%s err=%q", u.Roll, middleware.RequestID(r.Context()), err.Error())
	}
	util.WriteJSON(w, 201, map[string]any{"status": "pending_verification", "user_id": u.ID, "email_sent": emailSent})
}

type loginRequest struct {
	Roll     string `json:"roll"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	u, err := h.ids.VerifyCredentials(r.Context(), req.Roll, req.Password)
	if err != nil {
		util.WriteError(w, 401, "invalid_credentials", "invalid roll number or password", middleware.RequestID(r.Context()))
		return
	}
	p, err := h.ids.GetProfile(r.Context(), u.ID)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	if !p.EmailVerified {
		util.WriteError(w, 403, "email_unverified", "verify your email address before logging in", middleware.RequestID(r.Context()))
		return
	}
	raw, hash, err := util.NewOpaqueToken()
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	device := util.DeviceFingerprint(r.UserAgent())
	if err := h.sessions.RecordDeviceLogin(r.Context(), u.ID, device, hash); err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	h.setSessionCookie(w, raw)
	util.WriteJSON(w, 200, map[string]string{"user_id": u.ID, "roll": u.Roll, "role": u.Role})
}

// Logout deactivates the broker session and every project hand-off session
// of the user, so downstream validation fails from this point on.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	c, _ := r.Cookie(h.cfg.SessionCookieName)
	if c != nil && c.Value != "" {
		if sess, err := h.sessions.ValidateDeviceSession(r.Context(), util.HashToken(c.Value)); err == nil {
			_ = h.sessions.DeactivateAllForUser(r.Context(), sess.UserID)
		}
	}
	h.clearSessionCookie(w)
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) PasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Roll string `json:"roll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	// The response never reveals whether the roll exists.
	emailSent := false
	if u, err := h.st.GetUserByRoll(r.Context(), req.Roll); err == nil {
		token, err := h.ids.SetResetToken(r.Context(), u.ID)
		if err == nil {
			if err := h.notifier.SendPasswordReset(r.Context(), u.Roll, token); err != nil {
				log.Printf("reset_mail_failed roll=%s request_id=%s err=%q", u.Roll, middleware.RequestID(r.Context()), err.Error())
			} else {
				emailSent = true
			}
		}
	}
	util.WriteJSON(w, 200, map[string]any{"status": "accepted", "email_sent": emailSent})
}

// ConfirmEmail consumes a verification link. A replayed or unknown token is
// a client error, never a server failure.
func (h *Handlers) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	userID, err := h.ids.MarkEmailVerified(r.Context(), tok)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			util.WriteError(w, 400, "invalid_token", "verification link is invalid or already used", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "verified", "user_id": userID})
}

// ResetPasswordCheck validates the link before the client renders the form.
// An unknown token redirects back to the request page instead of erroring.
func (h *Handlers) ResetPasswordCheck(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	if err := h.ids.CheckResetToken(r.Context(), tok); err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			http.Redirect(w, r, h.cfg.BaseURL+"/password/reset/request", http.StatusSeeOther)
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) ResetPasswordSubmit(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	var req struct {
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		util.WriteError(w, 400, "password_mismatch", "passwords do not match", middleware.RequestID(r.Context()))
		return
	}
	if err := h.ids.ConsumeResetToken(r.Context(), tok, req.NewPassword); err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			util.WriteError(w, 400, "invalid_token", "reset link is invalid or already used", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 400, "reset_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	p, err := h.ids.GetProfile(r.Context(), u.ID)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{
		"id":             u.ID,
		"roll":           u.Roll,
		"role":           u.Role,
		"name":           p.Name,
		"branch":         p.Branch,
		"course":         p.Course,
		"passing_year":   p.PassingYear,
		"email_verified": p.EmailVerified,
	})
}

func (h *Handlers) UpdateMe(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	var req struct {
		Name        string `json:"name"`
		Branch      string `json:"branch"`
		Course      string `json:"course"`
		PassingYear int    `json:"passing_year"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if err := h.ids.UpdateProfile(r.Context(), u.ID, req.Name, req.Branch, req.Course, req.PassingYear); err != nil {
		util.WriteError(w, 400, "update_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "updated"})
}

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	items, err := h.projects.ListVerified(r.Context())
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	type dto struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		LogoURL     string `json:"logo_url,omitempty"`
		RedirectURL string `json:"redirect_url"`
	}
	out := make([]dto, 0, len(items))
	for _, p := range items {
		out = append(out, dto{ID: p.ID, Name: p.Name, Description: p.Description, LogoURL: p.LogoURL, RedirectURL: p.RedirectURL})
	}
	util.WriteJSON(w, 200, map[string]any{"items": out})
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	var req struct {
		Name        string `json:"name"`
		RedirectURL string `json:"redirect_url"`
		Description string `json:"description"`
		LogoURL     string `json:"logo_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	p, err := h.projects.Create(r.Context(), u.ID, directory.CreateRequest{
		Name:        req.Name,
		RedirectURL: req.RedirectURL,
		Description: req.Description,
		LogoURL:     req.LogoURL,
	})
	if err != nil {
		util.WriteError(w, 400, "create_failed", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 201, map[string]any{"id": p.ID, "name": p.Name, "verified": p.Verified, "max_active_logins": p.MaxActiveLogins})
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	id := chi.URLParam(r, "id")
	err := h.projects.Delete(r.Context(), id, u.ID)
	switch {
	case err == nil:
		util.WriteJSON(w, 200, map[string]string{"status": "deleted"})
	case errors.Is(err, directory.ErrNotFound):
		util.WriteError(w, 404, "not_found", "project not found", middleware.RequestID(r.Context()))
	case errors.Is(err, directory.ErrForbidden):
		util.WriteError(w, 403, "forbidden", "only the project creator can delete it", middleware.RequestID(r.Context()))
	default:
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
	}
}

func (h *Handlers) AdminVerifyProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.projects.Verify(r.Context(), id); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "project not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]string{"status": "verified"})
}

func (h *Handlers) AdminReconcileProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	count, err := h.sessions.Reconcile(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "project not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"status": "reconciled", "active_logins": count})
}

// SSOCall is the hand-off: the logged-in user lands here from a member
// project and bounces back to the project's redirect URL carrying the
// session key. A second call inside the validity window returns the same
// key.
func (h *Handlers) SSOCall(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.User(r.Context())
	projectID := chi.URLParam(r, "projectID")

	p, err := h.projects.Get(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			util.WriteError(w, 404, "not_found", "project not found", middleware.RequestID(r.Context()))
			return
		}
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}

	key, isNew, err := h.sessions.StartOrResumeHandoff(r.Context(), u.ID, p.ID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrQuotaExceeded):
			util.WriteError(w, 429, "quota_exceeded", "project has reached its concurrent login limit", middleware.RequestID(r.Context()))
		case errors.Is(err, session.ErrNotFound):
			util.WriteError(w, 404, "not_found", "project not found", middleware.RequestID(r.Context()))
		case errors.Is(err, token.ErrGenerationExhausted):
			util.WriteError(w, 503, "key_generation_failed", "could not derive a unique session key, try again", middleware.RequestID(r.Context()))
		default:
			util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		}
		return
	}
	log.Printf("sso_handoff user=%s project=%s new=%t request_id=%s", u.ID, p.ID, isNew, middleware.RequestID(r.Context()))

	dest, err := url.Parse(p.RedirectURL)
	if err != nil {
		util.WriteError(w, 500, "internal_error", "project redirect URL is invalid", middleware.RequestID(r.Context()))
		return
	}
	q := dest.Query()
	q.Set("accessid", key)
	dest.RawQuery = q.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

// GetUserData is the server-to-server half of the hand-off: a member
// project posts the accessid it received and gets the user's profile back.
// Expiry is enforced here, so a stale key observably deactivates its
// session.
func (h *Handlers) GetUserData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	key := strings.TrimSpace(req.ID)
	if key == "" {
		util.WriteError(w, 400, "missing_id", "id is required", middleware.RequestID(r.Context()))
		return
	}
	sess, err := h.sessions.Validate(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			util.WriteError(w, 404, "not_found", "no session for that id", middleware.RequestID(r.Context()))
		case errors.Is(err, session.ErrExpired):
			util.WriteError(w, 403, "expired", "session has expired", middleware.RequestID(r.Context()))
		default:
			util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		}
		return
	}
	u, err := h.ids.GetUser(r.Context(), sess.UserID)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	p, err := h.ids.GetProfile(r.Context(), sess.UserID)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, userDataResponse(u, p))
}

// userDataResponse is the contract member projects integrate against;
// field names do not change.
func userDataResponse(u models.User, p models.Profile) map[string]any {
	return map[string]any{
		"name":         p.Name,
		"roll":         u.Roll,
		"department":   p.Branch,
		"degree":       p.Course,
		"passing_year": p.PassingYear,
	}
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(1, 0).UTC(),
	})
}
