package storage

import (
	"context"
	"errors"
	"time"

	"chatdigest/internal/digest"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures the owner state driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Surreal     SurrealConfig
}

type SurrealConfig struct {
	Endpoint  string // ws://host:port
	User      string
	Password  string
	Namespace string
	Database  string
}

// Store is owner-scoped persistence. UpdateOwner is an atomic
// read-modify-write: when fn returns an error nothing is written.
type Store interface {
	Owners(ctx context.Context) ([]int64, error)
	LoadOwner(ctx context.Context, owner int64) (digest.OwnerState, error)
	UpdateOwner(ctx context.Context, owner int64, fn func(st *digest.OwnerState) error) error
	Close() error
}
