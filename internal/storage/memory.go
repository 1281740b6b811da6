package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tanq16/dlcore/internal/types"
)

// Memory keeps records in process memory. State is lost on exit.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]types.Task
	conns map[string]map[int]types.Connection
}

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]types.Task),
		conns: make(map[string]map[int]types.Connection),
	}
}

func (m *Memory) Find(_ context.Context, id string) (types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) List(_ context.Context) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Insert(_ context.Context, t types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) Update(_ context.Context, t types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("update %s: %w", t.ID, ErrNotFound)
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, soFar int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("update progress %s: %w", id, ErrNotFound)
	}
	t.SoFar = soFar
	m.tasks[id] = t
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) FindConnections(_ context.Context, id string) ([]types.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Connection, 0, len(m.conns[id]))
	for _, c := range m.conns[id] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) InsertConnection(_ context.Context, c types.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.TaskID] == nil {
		m.conns[c.TaskID] = make(map[int]types.Connection)
	}
	m.conns[c.TaskID][c.Index] = c
	return nil
}

func (m *Memory) UpdateConnection(_ context.Context, id string, index int, currentOffset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id][index]
	if !ok {
		return fmt.Errorf("update connection %s/%d: %w", id, index, ErrNotFound)
	}
	c.CurrentOffset = currentOffset
	m.conns[id][index] = c
	return nil
}

func (m *Memory) RemoveConnections(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
	return nil
}
