package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"todoapi.org/internal/task"
)

var _ task.UserStore = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, u task.User) (task.User, error) {
	if s.db == nil {
		return task.User{}, errNoDB
	}
	var out task.User
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, name, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
		returning id, email, name, created_at, updated_at
	`, u.ID, u.Email, u.Name, u.CreatedAt, u.UpdatedAt).Scan(&out.ID, &out.Email, &out.Name, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return task.User{}, task.ErrUserExists
		}
		return task.User{}, err
	}
	return out, nil
}

func (s *Store) FindUser(ctx context.Context, email string) (task.User, error) {
	if s.db == nil {
		return task.User{}, errNoDB
	}
	var u task.User
	err := s.db.QueryRowContext(ctx, `
		select id, email, name, created_at, updated_at
		from users
		where email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.User{}, task.ErrUserNotFound
	}
	if err != nil {
		return task.User{}, err
	}
	return u, nil
}
