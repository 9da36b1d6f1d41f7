package remoteuser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lds.li/weblategate/metrics"
)

// User is an account known to the gateway.
type User struct {
	ID        int64
	Username  string
	Email     string
	FirstName string
	LastName  string
	IsActive  bool
	CreatedAt time.Time
	LastLogin time.Time
}

// ErrUserNotFound is returned by UserStore lookups for unknown users.
var ErrUserNotFound = errors.New("user not found")

// UserStore persists users.
type UserStore interface {
	// GetByID returns ErrUserNotFound for unknown IDs.
	GetByID(ctx context.Context, id int64) (*User, error)
	// GetByUsername returns ErrUserNotFound for unknown usernames.
	GetByUsername(ctx context.Context, username string) (*User, error)
	// GetOrCreate returns the user with the username, creating an active
	// user if none exists. created reports which happened.
	GetOrCreate(ctx context.Context, username string) (_ *User, created bool, _ error)
	// Update saves the mutable fields of u.
	Update(ctx context.Context, u *User) error
	// RecordLogin sets the user's last login time.
	RecordLogin(ctx context.Context, id int64, at time.Time) error
}

// Backend authenticates users asserted by the proxy, and resolves users
// stored in sessions.
type Backend interface {
	// Name identifies the backend in sessions. A session logged in by
	// another backend is never logged out by this middleware.
	Name() string
	// CleanUsername normalizes the header value before comparison and
	// lookup.
	CleanUsername(username string) string
	// Authenticate returns the user for the asserted username, or nil if
	// there is no usable user.
	Authenticate(ctx context.Context, remoteUser string) (*User, error)
	// GetUser returns the user with id, or nil if it no longer exists or can
	// no longer log in.
	GetUser(ctx context.Context, id int64) (*User, error)
	// RecordLogin is called after a user is logged in to a session.
	RecordLogin(ctx context.Context, u *User) error
}

const DefaultBackendName = "remoteuser.StoreBackend"

var _ Backend = (*StoreBackend)(nil)

// StoreBackend is a Backend that trusts the asserted username, looking users
// up in a UserStore.
type StoreBackend struct {
	Store UserStore
	// BackendName overrides DefaultBackendName.
	BackendName string
	// CreateUnknownUser creates users on first sight. NewStoreBackend sets
	// it.
	CreateUnknownUser bool
	// Clean normalizes usernames. The default leaves them unchanged.
	Clean func(username string) string
	// ConfigureUser is called after a user is fetched or created, and may
	// modify it. Changes are saved to the store.
	ConfigureUser func(ctx context.Context, u *User, created bool) error
	Metrics       *metrics.Metrics
}

func NewStoreBackend(store UserStore) *StoreBackend {
	return &StoreBackend{Store: store, CreateUnknownUser: true}
}

func (b *StoreBackend) Name() string {
	if b.BackendName != "" {
		return b.BackendName
	}
	return DefaultBackendName
}

func (b *StoreBackend) CleanUsername(username string) string {
	if b.Clean != nil {
		return b.Clean(username)
	}
	return username
}

func (b *StoreBackend) Authenticate(ctx context.Context, remoteUser string) (*User, error) {
	if remoteUser == "" {
		return nil, nil
	}
	username := b.CleanUsername(remoteUser)
	if username == "" {
		return nil, nil
	}

	var (
		u       *User
		created bool
		err     error
	)
	if b.CreateUnknownUser {
		u, created, err = b.Store.GetOrCreate(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("getting or creating user %q: %w", username, err)
		}
		if created {
			slog.InfoContext(ctx, "created remote user", "username", username)
			b.Metrics.RemoteUser(metrics.EventCreated)
		}
	} else {
		u, err = b.Store.GetByUsername(ctx, username)
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("getting user %q: %w", username, err)
		}
	}

	if b.ConfigureUser != nil {
		if err := b.ConfigureUser(ctx, u, created); err != nil {
			return nil, fmt.Errorf("configuring user %q: %w", username, err)
		}
		if err := b.Store.Update(ctx, u); err != nil {
			return nil, fmt.Errorf("saving configured user %q: %w", username, err)
		}
	}

	if !u.IsActive {
		return nil, nil
	}
	return u, nil
}

func (b *StoreBackend) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := b.Store.GetByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %d: %w", id, err)
	}
	if !u.IsActive {
		return nil, nil
	}
	return u, nil
}

func (b *StoreBackend) RecordLogin(ctx context.Context, u *User) error {
	now := time.Now()
	if err := b.Store.RecordLogin(ctx, u.ID, now); err != nil {
		return fmt.Errorf("recording login for %q: %w", u.Username, err)
	}
	u.LastLogin = now
	return nil
}
