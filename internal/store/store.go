package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"ssobroker/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateUserWithProfile(ctx context.Context, roll, passwordHash string, p models.Profile) (models.User, error) {
	roll = strings.ToLower(strings.TrimSpace(roll))
	now := time.Now().UTC()
	u := models.User{ID: uuid.NewString(), Roll: roll, PasswordHash: passwordHash, Role: "user", CreatedAt: now}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.User{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users(id,roll,password_hash,role,created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Roll, u.PasswordHash, u.Role, u.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrConflict
		}
		return models.User{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles(user_id,name,branch,course,passing_year,email_verified,verification_token,reset_token) VALUES(?,?,?,?,?,?,?,?)`,
		u.ID, p.Name, p.Branch, p.Course, p.PassingYear, 0, p.VerificationToken, "",
	); err != nil {
		return models.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *Store) EnsureAdmin(ctx context.Context, roll, passwordHash string) error {
	roll = strings.ToLower(strings.TrimSpace(roll))
	if roll == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByRoll(ctx, roll)
	if err == ErrNotFound {
		now := time.Now().UTC()
		id := uuid.NewString()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users(id,roll,password_hash,role,created_at) VALUES(?,?,?,?,?)`,
			id, roll, passwordHash, "admin", now,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO profiles(user_id,name,email_verified,verification_token,reset_token) VALUES(?,?,?,?,?)`,
			id, "Administrator", 1, "", "",
		); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET role='admin', password_hash=? WHERE id=?`,
		passwordHash, u.ID,
	)
	return err
}

func (s *Store) GetUserByRoll(ctx context.Context, roll string) (models.User, error) {
	return s.getUser(ctx, `SELECT id,roll,password_hash,role,created_at FROM users WHERE roll=?`, strings.ToLower(strings.TrimSpace(roll)))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return s.getUser(ctx, `SELECT id,roll,password_hash,role,created_at FROM users WHERE id=?`, id)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Roll, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, passwordHash, userID)
	return err
}

func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	var verified int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id,name,branch,course,passing_year,email_verified,verification_token,reset_token FROM profiles WHERE user_id=?`,
		userID,
	).Scan(&p.UserID, &p.Name, &p.Branch, &p.Course, &p.PassingYear, &verified, &p.VerificationToken, &p.ResetToken)
	if err == sql.ErrNoRows {
		return models.Profile{}, ErrNotFound
	}
	if err != nil {
		return models.Profile{}, err
	}
	p.EmailVerified = verified == 1
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID, name, branch, course string, passingYear int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET name=?, branch=?, course=?, passing_year=? WHERE user_id=?`,
		name, branch, course, passingYear, userID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeVerificationToken marks the owning profile verified and clears the
// token in one guarded update, so a second consumption finds nothing.
func (s *Store) ConsumeVerificationToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNotFound
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM profiles WHERE verification_token=? AND verification_token<>''`, token,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET email_verified=1, verification_token='' WHERE user_id=? AND verification_token=?`,
		userID, token,
	)
	if err != nil {
		return "", err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if rows == 0 {
		return "", ErrNotFound
	}
	return userID, nil
}

func (s *Store) SetResetToken(ctx context.Context, userID, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET reset_token=? WHERE user_id=?`, token, userID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetUserIDByResetToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNotFound
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM profiles WHERE reset_token=? AND reset_token<>''`, token,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *Store) ConsumeResetToken(ctx context.Context, token string) (string, error) {
	userID, err := s.GetUserIDByResetToken(ctx, token)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET reset_token='' WHERE user_id=? AND reset_token=?`,
		userID, token,
	)
	if err != nil {
		return "", err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if rows == 0 {
		return "", ErrNotFound
	}
	return userID, nil
}

func (s *Store) CreateProject(ctx context.Context, p models.Project) error {
	verified := 0
	if p.Verified {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id,owner_id,name,redirect_url,description,logo_url,is_verified,active_logins,max_active_logins,created_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, p.RedirectURL, p.Description, p.LogoURL, verified, p.ActiveLogins, p.MaxActiveLogins, p.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	var p models.Project
	var verified int
	err := s.db.QueryRowContext(ctx,
		`SELECT id,owner_id,name,redirect_url,description,logo_url,is_verified,active_logins,max_active_logins,created_at FROM projects WHERE id=?`,
		id,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.RedirectURL, &p.Description, &p.LogoURL, &verified, &p.ActiveLogins, &p.MaxActiveLogins, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, err
	}
	p.Verified = verified == 1
	return p, nil
}

func (s *Store) ListVerifiedProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,owner_id,name,redirect_url,description,logo_url,is_verified,active_logins,max_active_logins,created_at FROM projects WHERE is_verified=1 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		var verified int
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.RedirectURL, &p.Description, &p.LogoURL, &verified, &p.ActiveLogins, &p.MaxActiveLogins, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Verified = verified == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) VerifyProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET is_verified=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM login_sessions WHERE project_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ClaimLoginSlot bumps active_logins in one atomic statement. The guard
// enforces the quota only for unverified projects. ErrConflict means the
// quota is exhausted; ErrNotFound means no such project.
func (s *Store) ClaimLoginSlot(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET active_logins=active_logins+1 WHERE id=? AND (is_verified=1 OR active_logins < max_active_logins)`,
		projectID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Store) ReleaseLoginSlot(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET active_logins=CASE WHEN active_logins>0 THEN active_logins-1 ELSE 0 END WHERE id=?`,
		projectID,
	)
	return err
}

// ReconcileProjectLogins recomputes active_logins from the authoritative
// session set and returns the corrected value.
func (s *Store) ReconcileProjectLogins(ctx context.Context, projectID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET active_logins=(SELECT COUNT(1) FROM login_sessions WHERE project_id=? AND active=1) WHERE id=?`,
		projectID, projectID,
	)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrNotFound
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT active_logins FROM projects WHERE id=?`, projectID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateLoginSession(ctx context.Context, sess models.LoginSession) error {
	active := 0
	if sess.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_sessions(id,session_key,user_id,project_id,active,created_at) VALUES(?,?,?,?,?,?)`,
		sess.ID, sess.SessionKey, sess.UserID, sess.ProjectID, active, sess.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetLoginSessionByKey(ctx context.Context, key string) (models.LoginSession, error) {
	var sess models.LoginSession
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id,session_key,user_id,project_id,active,created_at FROM login_sessions WHERE session_key=?`,
		key,
	).Scan(&sess.ID, &sess.SessionKey, &sess.UserID, &sess.ProjectID, &active, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return models.LoginSession{}, ErrNotFound
	}
	if err != nil {
		return models.LoginSession{}, err
	}
	sess.Active = active == 1
	return sess, nil
}

func (s *Store) GetActiveLoginSession(ctx context.Context, userID, projectID string) (models.LoginSession, error) {
	var sess models.LoginSession
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id,session_key,user_id,project_id,active,created_at FROM login_sessions WHERE user_id=? AND project_id=? AND active=1 ORDER BY created_at DESC LIMIT 1`,
		userID, projectID,
	).Scan(&sess.ID, &sess.SessionKey, &sess.UserID, &sess.ProjectID, &active, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return models.LoginSession{}, ErrNotFound
	}
	if err != nil {
		return models.LoginSession{}, err
	}
	sess.Active = active == 1
	return sess, nil
}

func (s *Store) LoginSessionKeyExists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM login_sessions WHERE session_key=?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeactivateLoginSession flips active=0 and decrements the owning project's
// counter, both inside one transaction. The guarded flip makes repeated
// deactivation a no-op: the counter moves only when the flip happened.
func (s *Store) DeactivateLoginSession(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE login_sessions SET active=0 WHERE id=? AND active=1`, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET active_logins=CASE WHEN active_logins>0 THEN active_logins-1 ELSE 0 END WHERE id=(SELECT project_id FROM login_sessions WHERE id=?)`,
		id,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) DeleteLoginSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM login_sessions WHERE id=?`, id)
	return err
}

// DeactivateUserLoginSessions flips every active login session of the user
// and decrements each owning project exactly once.
func (s *Store) DeactivateUserLoginSessions(ctx context.Context, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT id, project_id FROM login_sessions WHERE user_id=? AND active=1`, userID)
	if err != nil {
		return 0, err
	}
	type pair struct{ id, projectID string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.projectID); err != nil {
			rows.Close()
			return 0, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	n := 0
	for _, p := range pairs {
		res, err := tx.ExecContext(ctx, `UPDATE login_sessions SET active=0 WHERE id=? AND active=1`, p.id)
		if err != nil {
			return 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET active_logins=CASE WHEN active_logins>0 THEN active_logins-1 ELSE 0 END WHERE id=?`,
			p.projectID,
		); err != nil {
			return 0, err
		}
		n++
	}
	return n, tx.Commit()
}

func (s *Store) CreateSSOSession(ctx context.Context, sess models.SSOSession) error {
	active := 0
	if sess.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sso_sessions(id,user_id,token_hash,device,active,created_at,last_seen_at) VALUES(?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.Device, active, sess.CreatedAt, sess.LastSeenAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetSSOSessionByTokenHash(ctx context.Context, tokenHash string) (models.SSOSession, error) {
	var sess models.SSOSession
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id,user_id,token_hash,device,active,created_at,last_seen_at FROM sso_sessions WHERE token_hash=?`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.Device, &active, &sess.CreatedAt, &sess.LastSeenAt)
	if err == sql.ErrNoRows {
		return models.SSOSession{}, ErrNotFound
	}
	if err != nil {
		return models.SSOSession{}, err
	}
	sess.Active = active == 1
	return sess, nil
}

// RefreshSSOSession reactivates and touches an existing device session.
func (s *Store) RefreshSSOSession(ctx context.Context, id, device string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sso_sessions SET active=1, device=?, last_seen_at=? WHERE id=?`,
		device, now, id,
	)
	return err
}

func (s *Store) TouchSSOSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sso_sessions SET last_seen_at=? WHERE id=?`, time.Now().UTC(), id)
	return err
}

func (s *Store) DeactivateUserSSOSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sso_sessions SET active=0 WHERE user_id=? AND active=1`, userID)
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
