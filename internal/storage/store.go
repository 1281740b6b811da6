package storage

import (
	"context"
	"errors"

	"github.com/tanq16/dlcore/internal/types"
)

var ErrNotFound = errors.New("task not found")

// Store persists task and connection records. Every method is atomic with
// respect to the record it touches.
type Store interface {
	Find(ctx context.Context, id string) (types.Task, error)
	List(ctx context.Context) ([]types.Task, error)
	// Insert creates the record or replaces an existing one.
	Insert(ctx context.Context, t types.Task) error
	Update(ctx context.Context, t types.Task) error
	UpdateProgress(ctx context.Context, id string, soFar int64) error
	Remove(ctx context.Context, id string) error

	// FindConnections returns the records of id ordered by index.
	FindConnections(ctx context.Context, id string) ([]types.Connection, error)
	InsertConnection(ctx context.Context, c types.Connection) error
	UpdateConnection(ctx context.Context, id string, index int, currentOffset int64) error
	RemoveConnections(ctx context.Context, id string) error
}
