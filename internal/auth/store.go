// Package auth provides the credential service: PostgreSQL-backed user
// accounts with bcrypt password hashing and JWT bearer tokens. The rest of
// the system only ever sees the verified user identity it produces.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUsernameTaken is returned by Register for a duplicate username.
	ErrUsernameTaken = errors.New("auth: username already exists")

	// ErrInvalidCredentials is returned by Authenticate when the username
	// is unknown or the password does not match. Deliberately one error for
	// both cases.
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
)

// bcryptCost matches the original deployment's work factor.
const bcryptCost = 10

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// User is a registered account. ID is the opaque user identity the session
// layer keys everything by; it never changes once assigned.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Store manages user accounts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Store) Register(ctx context.Context, username, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user := &User{
		ID:        uuid.New().String(),
		Username:  username,
		CreatedAt: time.Now(),
	}

	const query = `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err = s.db.ExecContext(ctx, query, user.ID, user.Username, hash, user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("auth: insert user: %w", err)
	}
	return user, nil
}

// Authenticate verifies a username/password pair and returns the account.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	const query = `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = $1`

	var (
		user User
		hash []byte
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(&user.ID, &user.Username, &hash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

// GetByID returns the account for a user identity, or nil if unknown.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, username, created_at
		FROM users
		WHERE id = $1`

	var user User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: query user by id: %w", err)
	}
	return &user, nil
}
