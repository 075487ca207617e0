package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"todoapi.org/internal/task"
)

var _ task.Store = (*Store)(nil)

const taskColumns = `id, user_id, title, is_completed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.IsCompleted, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (task.Task, error) {
	if s.db == nil {
		return task.Task{}, errNoDB
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `select `+taskColumns+` from tasks where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]task.Task, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+taskColumns+`
		from tasks
		where user_id = $1
		order by created_at asc, id asc
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Insert(ctx context.Context, t task.Task) (task.Task, error) {
	if s.db == nil {
		return task.Task{}, errNoDB
	}
	if err := task.ValidateOwner(t.UserID); err != nil {
		return task.Task{}, err
	}
	if err := task.ValidateTitle(t.Title); err != nil {
		return task.Task{}, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return scanTask(s.db.QueryRowContext(ctx, `
		insert into tasks (id, user_id, title, is_completed, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
		returning `+taskColumns,
		t.ID, t.UserID, t.Title, t.IsCompleted, t.CreatedAt, t.UpdatedAt))
}

func (s *Store) Update(ctx context.Context, t task.Task) (task.Task, error) {
	if s.db == nil {
		return task.Task{}, errNoDB
	}
	if err := task.ValidateTitle(t.Title); err != nil {
		return task.Task{}, err
	}
	out, err := scanTask(s.db.QueryRowContext(ctx, `
		update tasks
		set title = $2, is_completed = $3, updated_at = $4
		where id = $1
		returning `+taskColumns,
		t.ID, t.Title, t.IsCompleted, t.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from tasks where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}
