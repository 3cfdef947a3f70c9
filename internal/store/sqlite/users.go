package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/landchain/registry/internal/store"
)

// PutUser implements store.UserStore. Existing entries are updated in place.
func (s *Store) PutUser(ctx context.Context, u store.User) error {
	if strings.TrimSpace(u.ID) == "" || strings.TrimSpace(u.Email) == "" {
		return errors.New("user id and email are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, wallet, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, wallet = excluded.wallet`,
		u.ID, normalizeEmail(u.Email), u.Name, u.Wallet, toMillis(time.Now()),
	)
	if err != nil {
		if uniqueViolation(err, "users.email") {
			return store.ErrAlreadyExists
		}
		return errors.Wrap(err, "put user")
	}
	return nil
}

// GetUser implements store.UserStore.
func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	return s.queryUser(ctx, `SELECT id, email, name, wallet FROM users WHERE id = ?`, id)
}

// GetUserByEmail implements store.UserStore.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	return s.queryUser(ctx, `SELECT id, email, name, wallet FROM users WHERE email = ?`, normalizeEmail(email))
}

func (s *Store) queryUser(ctx context.Context, query string, arg string) (store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.Wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, errors.Wrap(err, "get user")
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
