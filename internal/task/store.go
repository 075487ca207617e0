package task

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists tasks. Implementations look records up by id only; ownership
// is checked by the caller.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Task, error)
	ListByOwner(ctx context.Context, owner string) ([]Task, error)
	Insert(ctx context.Context, t Task) (Task, error)
	// Update writes title, completion and updated_at. The owner is never written.
	Update(ctx context.Context, t Task) (Task, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// UserStore persists local user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	FindUser(ctx context.Context, email string) (User, error)
}

// InMemory implements Store and UserStore with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]Task
	users map[string]User // email -> user
}

var (
	_ Store     = (*InMemory)(nil)
	_ UserStore = (*InMemory)(nil)
)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		tasks: make(map[uuid.UUID]Task),
		users: make(map[string]User),
	}
}

func (s *InMemory) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

// ListByOwner returns the owner's tasks oldest first.
func (s *InMemory) ListByOwner(ctx context.Context, owner string) ([]Task, error) {
	s.mu.RLock()
	res := make([]Task, 0)
	for _, t := range s.tasks {
		if t.UserID == owner {
			res = append(res, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID.String() < res[j].ID.String()
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) Insert(ctx context.Context, t Task) (Task, error) {
	if err := ValidateOwner(t.UserID); err != nil {
		return Task{}, err
	}
	if err := ValidateTitle(t.Title); err != nil {
		return Task{}, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *InMemory) Update(ctx context.Context, t Task) (Task, error) {
	if err := ValidateTitle(t.Title); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return Task{}, ErrNotFound
	}
	cur.Title = t.Title
	cur.IsCompleted = t.IsCompleted
	cur.UpdatedAt = t.UpdatedAt
	s.tasks[t.ID] = cur
	return cur, nil
}

func (s *InMemory) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *InMemory) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Email]; ok {
		return User{}, ErrUserExists
	}
	s.users[u.Email] = u
	return u, nil
}

func (s *InMemory) FindUser(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
