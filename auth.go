package rentsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TableCredentials holds email and bcrypt hash rows for StoreAuthenticator.
const TableCredentials = "auth_users"

// StoreAuthenticator implements password auth on top of any Store, for
// backends that have no auth service of their own. The session lives in
// memory; Resume restores one saved by the caller.
type StoreAuthenticator struct {
	store Store
	cost  int

	mu      sync.Mutex
	session *Identity
}

var _ Authenticator = (*StoreAuthenticator)(nil)

func NewStoreAuthenticator(store Store) *StoreAuthenticator {
	return &StoreAuthenticator{store: store, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost, mainly for tests.
func (a *StoreAuthenticator) WithCost(cost int) *StoreAuthenticator {
	a.cost = cost
	return a
}

func (a *StoreAuthenticator) CurrentIdentity(ctx context.Context) (*Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, nil
	}
	id := *a.session
	return &id, nil
}

func (a *StoreAuthenticator) setSession(id *Identity) {
	a.mu.Lock()
	a.session = id
	a.mu.Unlock()
}

func (a *StoreAuthenticator) lookup(ctx context.Context, email string) (Record, error) {
	rows, err := a.store.Select(ctx, TableCredentials, Query{Filters: []Filter{Eq("email", email)}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (a *StoreAuthenticator) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	existing, err := a.lookup(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("email %s already registered: %w", email, ErrDuplicate)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	row, err := a.store.Insert(ctx, TableCredentials, Record{"email": email, "password_hash": string(hash)})
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	id := &Identity{ID: row.ID(), Email: email}
	a.setSession(id)
	return id, nil
}

func (a *StoreAuthenticator) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row, err := a.lookup(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if row == nil || bcrypt.CompareHashAndPassword([]byte(row.String("password_hash")), []byte(password)) != nil {
		return nil, fmt.Errorf("invalid login credentials: %w", ErrUnauthenticated)
	}
	id := &Identity{ID: row.ID(), Email: email}
	a.setSession(id)
	return id, nil
}

func (a *StoreAuthenticator) SignOut(ctx context.Context) error {
	a.setSession(nil)
	return nil
}

func (a *StoreAuthenticator) UpdatePassword(ctx context.Context, password string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return ErrUnauthenticated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := a.store.Update(ctx, TableCredentials, session.ID, Record{"password_hash": string(hash)}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// Resume restores a session for a user that still has a credentials row.
func (a *StoreAuthenticator) Resume(ctx context.Context, userID string) (*Identity, error) {
	rows, err := a.store.Select(ctx, TableCredentials, Query{Filters: []Filter{Eq("id", userID)}, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, ErrUnauthenticated)
	}
	id := &Identity{ID: userID, Email: rows[0].String("email")}
	a.setSession(id)
	return id, nil
}
