package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbras/feed-analyzer/internal/domain"
)

func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, external_user_key, created_at_utc
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.ExternalUserKey, &u.CreatedAtUTC)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *Repository) GetUserByExternalKey(ctx context.Context, key string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, external_user_key, created_at_utc
		FROM users
		WHERE external_user_key = $1
	`, key).Scan(&u.ID, &u.ExternalUserKey, &u.CreatedAtUTC)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by key: %w", err)
	}
	return u, nil
}

// GetUsersByIDs returns the subset of ids that exist, keyed by id.
func (r *Repository) GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	if len(ids) == 0 {
		return map[string]domain.User{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, external_user_key, created_at_utc
		FROM users
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()
	return scanUserMap(rows, func(u domain.User) string { return u.ID })
}

// GetUsersByExternalKeys returns the subset of keys that exist, keyed
// by external key.
func (r *Repository) GetUsersByExternalKeys(ctx context.Context, keys []string) (map[string]domain.User, error) {
	if len(keys) == 0 {
		return map[string]domain.User{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, external_user_key, created_at_utc
		FROM users
		WHERE external_user_key = ANY($1)
	`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("get users by keys: %w", err)
	}
	defer rows.Close()
	return scanUserMap(rows, func(u domain.User) string {
		if u.ExternalUserKey != nil {
			return *u.ExternalUserKey
		}
		return u.ID
	})
}

func scanUserMap(rows *sql.Rows, key func(domain.User) string) (map[string]domain.User, error) {
	out := map[string]domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.ExternalUserKey, &u.CreatedAtUTC); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[key(u)] = u
	}
	return out, rows.Err()
}

func (r *Repository) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, external_user_key, created_at_utc)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.ExternalUserKey, u.CreatedAtUTC)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// BulkInsertUsers streams users in with COPY. Callers pre-filter
// existing rows and must run inside a transaction (COPY is
// transaction-scoped under lib/pq).
func (r *Repository) BulkInsertUsers(ctx context.Context, users []domain.User) error {
	if len(users) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx, pq.CopyIn(
		"users", "id", "external_user_key", "created_at_utc",
	))
	if err != nil {
		return fmt.Errorf("prepare users copy: %w", err)
	}
	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, u.ID, u.ExternalUserKey, u.CreatedAtUTC); err != nil {
			stmt.Close()
			return fmt.Errorf("copy user %s: %w", u.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush users copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close users copy: %w", err)
	}
	return nil
}
