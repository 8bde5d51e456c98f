package identity

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ssobroker/internal/config"
)

var identRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLCredentialVerifier checks passwords against an existing user database
// (e.g. a campus directory) instead of the broker's own users table. Table
// and column names come from config and are validated as bare identifiers.
type SQLCredentialVerifier struct {
	db      *sql.DB
	driver  string
	table   string
	rollCol string
	passCol string
}

func NewCredentialVerifier(cfg config.Config) (CredentialVerifier, error) {
	if cfg.AuthBackend != "sql" {
		return nil, nil
	}
	for _, ident := range []string{cfg.AuthTable, cfg.AuthRollColumn, cfg.AuthPassColumn} {
		if !identRx.MatchString(ident) {
			return nil, fmt.Errorf("invalid SQL identifier %q", ident)
		}
	}
	db, err := sql.Open(cfg.AuthDBDriver, cfg.AuthDBDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLCredentialVerifier{
		db:      db,
		driver:  cfg.AuthDBDriver,
		table:   cfg.AuthTable,
		rollCol: cfg.AuthRollColumn,
		passCol: cfg.AuthPassColumn,
	}, nil
}

func (v *SQLCredentialVerifier) VerifyCredentials(ctx context.Context, roll, password string) error {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s=%s", v.passCol, v.table, v.rollCol, v.ph(1))
	var hash string
	err := v.db.QueryRowContext(ctx, q, strings.ToLower(strings.TrimSpace(roll))).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if !VerifyPassword(hash, password) {
		return ErrInvalidCredentials
	}
	return nil
}

func (v *SQLCredentialVerifier) ph(i int) string {
	if strings.Contains(strings.ToLower(v.driver), "pgx") || strings.Contains(strings.ToLower(v.driver), "postgres") {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
