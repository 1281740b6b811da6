package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tanq16/dlcore/internal/storage"
	"golang.org/x/sync/semaphore"
)

// taskNamespace seeds task ids so the same url and path always map to the same id.
var taskNamespace = uuid.MustParse("6f1f4a5e-3b0c-5d8e-9a52-1c7b2d94e0aa")

// TaskID is the stable identity of a (url, path) download.
func TaskID(url, path string, pathAsDirectory bool) string {
	key := url + "\x00" + path
	if pathAsDirectory {
		key += "\x00dir"
	}
	return uuid.NewSHA1(taskNamespace, []byte(key)).String()
}

// Components are the collaborators the engine is built from. The host fills
// them in once before any task starts.
type Components struct {
	Connections ConnectionFactory
	Sinks       SinkFactory
	Policy      ConnectionCountPolicy
	Store       storage.Store
	Disk        DiskSpace
	// Network is optional.
	Network NetworkPolicy
}

// Registry holds the validated components plus the process-wide resources
// shared by every task.
type Registry struct {
	Components
	pool *semaphore.Weighted

	mu    sync.Mutex
	paths map[string]string // target path -> owning task id
}

// NewRegistry validates c and sizes the connection pool to maxConnections.
func NewRegistry(c Components, maxConnections int) (*Registry, error) {
	var missing []error
	if c.Connections == nil {
		missing = append(missing, errors.New("connection factory"))
	}
	if c.Sinks == nil {
		missing = append(missing, errors.New("sink factory"))
	}
	if c.Store == nil {
		missing = append(missing, errors.New("store"))
	}
	if c.Disk == nil {
		missing = append(missing, errors.New("disk space"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing components: %w", errors.Join(missing...))
	}
	if maxConnections <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidConnectionCount, maxConnections)
	}
	if c.Policy == nil {
		c.Policy = TieredPolicy{}
	}
	return &Registry{
		Components: c,
		pool:       semaphore.NewWeighted(int64(maxConnections)),
		paths:      make(map[string]string),
	}, nil
}

// ClaimPath records id as the owner of path. It fails when another task owns it.
func (r *Registry) ClaimPath(id, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.paths[path]; ok && owner != id {
		return false
	}
	r.paths[path] = id
	return true
}

// ReleaseTask drops every path claimed by id.
func (r *Registry) ReleaseTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, owner := range r.paths {
		if owner == id {
			delete(r.paths, path)
		}
	}
}
