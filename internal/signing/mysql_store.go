package signing

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// MySQLStore persists grants in MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore creates a new MySQLStore.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS session_key_grants (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        public_address VARCHAR(66) NOT NULL,
        encrypted_key BLOB NOT NULL,
        encryption_context TEXT,
        permissions TEXT NOT NULL,
        expires_at BIGINT NOT NULL,
        revoked TINYINT(1) NOT NULL DEFAULT 0,
        description TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_grant_user (user_id, revoked, expires_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init session_key_grants table")
	}
	return nil
}

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, grant *Grant) error {
	if grant == nil || strings.TrimSpace(grant.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "grant and grant ID are required")
	}
	if grant.CreatedAt == 0 {
		grant.CreatedAt = time.Now().Unix()
	}

	encContext, err := json.Marshal(grant.EncryptionContext)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode encryption context")
	}
	permissions, err := json.Marshal(grant.Permissions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode permissions")
	}

	const stmt = `INSERT INTO session_key_grants
        (id, user_id, public_address, encrypted_key, encryption_context, permissions,
         expires_at, revoked, description, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		grant.ID,
		grant.UserID,
		grant.PublicAddress,
		grant.EncryptedKey,
		string(encContext),
		string(permissions),
		grant.ExpiresAt.Unix(),
		grant.Revoked,
		grant.Description,
		grant.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "grant already exists")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert grant")
	}
	return nil
}

const grantColumns = `id, user_id, public_address, encrypted_key, encryption_context,
        permissions, expires_at, revoked, description, created_at`

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Grant, error) {
	stmt := `SELECT ` + grantColumns + ` FROM session_key_grants WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	grant, err := scanGrant(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query grant")
	}
	return grant, nil
}

// ListActiveByUser returns the user's unrevoked, unexpired grants.
func (s *MySQLStore) ListActiveByUser(ctx context.Context, userID string) ([]*Grant, error) {
	stmt := `SELECT ` + grantColumns + ` FROM session_key_grants
        WHERE user_id = ? AND revoked = 0 AND expires_at > ?
        ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, userID, time.Now().Unix())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query grants")
	}
	defer rows.Close()

	grants := make([]*Grant, 0, 4)
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan grant")
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate grants")
	}
	return grants, nil
}

// Revoke implements Store.
func (s *MySQLStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE session_key_grants SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "revoke grant")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrGrantNotFound
	}
	return nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		grant       Grant
		encContext  sql.NullString
		permissions string
		expiresAt   int64
		description sql.NullString
	)
	if err := row.Scan(
		&grant.ID,
		&grant.UserID,
		&grant.PublicAddress,
		&grant.EncryptedKey,
		&encContext,
		&permissions,
		&expiresAt,
		&grant.Revoked,
		&description,
		&grant.CreatedAt,
	); err != nil {
		return nil, err
	}
	grant.ExpiresAt = time.Unix(expiresAt, 0)
	grant.Description = description.String

	if encContext.Valid && encContext.String != "" {
		if err := json.Unmarshal([]byte(encContext.String), &grant.EncryptionContext); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(permissions), &grant.Permissions); err != nil {
		return nil, err
	}
	return &grant, nil
}

var _ Store = (*MySQLStore)(nil)
