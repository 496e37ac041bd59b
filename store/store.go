// Package store persists chopsticks games. Every backend stores the same
// Record, serialized as JSON, so games move freely between them.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgolbus/chopsticks/sticks"
)

var ErrNotFound = errors.New("game not found")

// Entry is one accepted command in a game's history.
type Entry struct {
	Seq  int         `json:"seq"`
	Move sticks.Move `json:"move"`
	At   time.Time   `json:"at"`
}

// Record is the durable form of a game session.
type Record struct {
	ID        string           `json:"id"`
	State     sticks.GameState `json:"state"`
	Seq       int              `json:"seq"`
	Seats     [2]string        `json:"seats"`
	History   []Entry          `json:"history"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store is implemented by every backend.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	// List returns the ids of all stored games, most recently updated first.
	List(ctx context.Context) ([]string, error)
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Open returns the backend named by driver. dsn is a file path for sqlite,
// a redis:// URL for redis and a postgres:// URL for postgres; it is
// ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverRedis:
		return OpenRedis(ctx, dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
