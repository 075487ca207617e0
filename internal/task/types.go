package task

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxTitleLength = 500
	// MaxOwnerLength bounds the identity provider's user id as stored on tasks.
	MaxOwnerLength = 32
	MaxEmailLength = 255
	MaxNameLength  = 255
)

// Task is a todo item. UserID is the caller identity that created it and is
// never changed afterwards.
type Task struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	IsCompleted bool      `json:"is_completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is a locally registered account. Tasks do not reference it.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title       *string `json:"title"`
	IsCompleted *bool   `json:"is_completed"`
}

var (
	ErrNotFound     = errors.New("task not found")
	ErrInvalidTitle = errors.New("title must be 1-500 characters")
	ErrInvalidOwner = errors.New("owner must be 1-32 characters")
	ErrInvalidUser  = errors.New("email and name must be 1-255 characters")
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// New builds an open task owned by owner.
func New(owner, title string, now time.Time) (Task, error) {
	if err := ValidateOwner(owner); err != nil {
		return Task{}, err
	}
	if err := ValidateTitle(title); err != nil {
		return Task{}, err
	}
	now = now.UTC()
	return Task{
		ID:        uuid.New(),
		UserID:    owner,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Apply returns t with the patch applied and UpdatedAt bumped.
func (t Task) Apply(p Patch, now time.Time) (Task, error) {
	if p.Title != nil {
		if err := ValidateTitle(*p.Title); err != nil {
			return Task{}, err
		}
		t.Title = *p.Title
	}
	if p.IsCompleted != nil {
		t.IsCompleted = *p.IsCompleted
	}
	t.UpdatedAt = now.UTC()
	return t, nil
}

// Toggle flips the completion flag.
func (t Task) Toggle(now time.Time) Task {
	t.IsCompleted = !t.IsCompleted
	t.UpdatedAt = now.UTC()
	return t
}

// ValidateTitle counts characters, not bytes.
func ValidateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n < 1 || n > MaxTitleLength {
		return ErrInvalidTitle
	}
	return nil
}

func ValidateOwner(owner string) error {
	n := utf8.RuneCountInString(owner)
	if n < 1 || n > MaxOwnerLength {
		return ErrInvalidOwner
	}
	return nil
}

// NewUser validates and builds a user record. Email is lower-cased so the
// uniqueness constraint is case-insensitive.
func NewUser(email, name string, now time.Time) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !inRange(email, MaxEmailLength) || !strings.Contains(email, "@") || !inRange(name, MaxNameLength) {
		return User{}, ErrInvalidUser
	}
	now = now.UTC()
	return User{ID: uuid.New(), Email: email, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

func inRange(s string, limit int) bool {
	n := utf8.RuneCountInString(s)
	return n >= 1 && n <= limit
}
