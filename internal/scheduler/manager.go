package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/storage"
	"github.com/tanq16/dlcore/internal/types"
	"github.com/tanq16/dlcore/internal/utils"
)

// Manager starts, tracks and pauses launches. It owns the context every
// launch runs under, so callers may start tasks from short-lived requests.
type Manager struct {
	ctx      context.Context
	reg      *engine.Registry
	opts     engine.Options
	listener types.Listener

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	launch *engine.Launch
	done   chan struct{}
}

func NewManager(ctx context.Context, reg *engine.Registry, opts engine.Options, listener types.Listener) *Manager {
	return &Manager{
		ctx:      ctx,
		reg:      reg,
		opts:     opts,
		listener: listener,
		running:  make(map[string]*run),
	}
}

// load returns the stored record of id, or a fresh one. A record left in a
// running status by a previous process is treated as paused.
func (m *Manager) load(ctx context.Context, id string, req engine.Request) (types.Task, error) {
	task, err := m.reg.Store.Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Task{ID: id, URL: req.URL, Path: req.Path, PathAsDirectory: req.PathAsDirectory}, nil
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	if !task.Status.IsTerminal() {
		log.Debug().Str("op", "scheduler/manager").Str("task", id).Msgf("stored status %s is stale, treating as paused", task.Status)
		task.Status = types.StatusPaused
	}
	task.URL = req.URL
	return task, nil
}

// Start launches req in the background and returns its task id. Starting a
// running task, a finished target or a path owned by another task emits a
// snapshot instead of a launch.
func (m *Manager) Start(ctx context.Context, req engine.Request) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("%w: empty url", utils.ErrInvalidURL)
	}
	if req.Path == "" {
		return "", errors.New("empty output path")
	}
	id := engine.TaskID(req.URL, req.Path, req.PathAsDirectory)

	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.load(ctx, id, req)
	if err != nil {
		return id, err
	}
	cb := engine.NewStatusCallback(task, m.reg.Store, m.listener, m.reg.Disk, m.opts)
	if _, ok := m.running[id]; ok {
		log.Warn().Str("op", "scheduler/manager").Str("task", id).Msg("task is already running")
		cb.Warn(utils.ErrTaskRunning.Error())
		return id, utils.ErrTaskRunning
	}

	target := task.TargetPath()
	if target != "" && !req.ForceRedownload {
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			log.Info().Str("op", "scheduler/manager").Str("task", id).Str("path", target).Msg("target already exists, reusing")
			cb.OnReused(target, info.Size())
			return id, nil
		}
	}
	if target != "" && !m.reg.ClaimPath(id, target) {
		log.Warn().Str("op", "scheduler/manager").Str("task", id).Str("path", target).Msg("path is owned by another task")
		cb.Warn(fmt.Sprintf("%v: %s", engine.ErrPathConflict, target))
		cb.Discard()
		return id, engine.ErrPathConflict
	}
	if req.ForceRedownload && task.Status != 0 {
		cb = engine.NewStatusCallback(m.forget(ctx, task), m.reg.Store, m.listener, m.reg.Disk, m.opts)
	}

	cb.OnPending(ctx)
	launch := engine.NewLaunch(m.reg, m.opts, req, cb)
	r := &run{launch: launch, done: make(chan struct{})}
	m.running[id] = r
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		launch.Run(m.ctx)
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
		close(r.done)
	}()
	return id, nil
}

// forget drops the resume state of task so the download starts over.
func (m *Manager) forget(ctx context.Context, task types.Task) types.Task {
	if target := task.TargetPath(); target != "" {
		if err := utils.CleanFunction(target); err != nil {
			log.Warn().Str("op", "scheduler/manager").Str("task", task.ID).Err(err).Msg("failed to remove partial file")
		}
	}
	if err := m.reg.Store.RemoveConnections(ctx, task.ID); err != nil {
		log.Warn().Str("op", "scheduler/manager").Str("task", task.ID).Err(err).Msg("failed to remove connections")
	}
	task.SoFar = 0
	task.Total = 0
	task.ETag = ""
	task.ConnectionCount = 0
	task.ErrMsg = ""
	if task.PathAsDirectory {
		task.Filename = ""
	}
	return task
}

// Pause stops a running task at its next loop boundary.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pause %s: %w", id, utils.ErrTaskNotFound)
	}
	r.launch.Pause()
	return nil
}

func (m *Manager) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.running {
		r.launch.Pause()
	}
}

// Running lists the ids of the tasks with a live launch.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Wait blocks until every launch has reached a terminal status.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// WaitFor blocks until the launch of id, if any, has finished.
func (m *Manager) WaitFor(id string) {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		<-r.done
	}
}

func (m *Manager) Task(ctx context.Context, id string) (types.Task, error) {
	task, err := m.reg.Store.Find(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Task{}, fmt.Errorf("%s: %w", id, utils.ErrTaskNotFound)
	}
	return task, err
}

func (m *Manager) List(ctx context.Context) ([]types.Task, error) {
	return m.reg.Store.List(ctx)
}

// Clean removes the partial file and the stored records of every idle task
// writing to path.
func (m *Manager) Clean(ctx context.Context, path string) (int, error) {
	tasks, err := m.reg.Store.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range tasks {
		if t.Path != path && t.TargetPath() != path {
			continue
		}
		if m.IsRunning(t.ID) {
			return removed, fmt.Errorf("clean %s: %w", t.ID, utils.ErrTaskRunning)
		}
		if target := t.TargetPath(); target != "" {
			if err := utils.CleanFunction(target); err != nil {
				return removed, fmt.Errorf("clean %s: %w", target, err)
			}
		}
		if err := m.reg.Store.RemoveConnections(ctx, t.ID); err != nil {
			return removed, err
		}
		if err := m.reg.Store.Remove(ctx, t.ID); err != nil {
			return removed, err
		}
		log.Debug().Str("op", "scheduler/manager").Str("task", t.ID).Msg("removed stored task")
		removed++
	}
	return removed, nil
}
