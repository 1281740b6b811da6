package notify

import (
	"sort"
	"sync"

	"github.com/tanq16/dlcore/internal/types"
)

// Fanout hands every snapshot to each listener in turn.
type Fanout []types.Listener

func (f Fanout) Notify(s types.Snapshot) {
	for _, l := range f {
		if l != nil {
			l.Notify(s)
		}
	}
}

// Recorder remembers the latest snapshot of every task, and the full
// history when Keep is set.
type Recorder struct {
	Keep bool

	mu      sync.RWMutex
	latest  map[string]types.Snapshot
	history map[string][]types.Snapshot
}

func NewRecorder(keep bool) *Recorder {
	return &Recorder{
		Keep:    keep,
		latest:  make(map[string]types.Snapshot),
		history: make(map[string][]types.Snapshot),
	}
}

func (r *Recorder) Notify(s types.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// warn snapshots do not describe the task state
	if s.Kind != types.KindWarn {
		r.latest[s.TaskID] = s
	}
	if r.Keep {
		r.history[s.TaskID] = append(r.history[s.TaskID], s)
	}
}

func (r *Recorder) Latest(id string) (types.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[id]
	return s, ok
}

// All returns the latest snapshot of every task ordered by task id.
func (r *Recorder) All() []types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Snapshot, 0, len(r.latest))
	for _, s := range r.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (r *Recorder) History(id string) []types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Snapshot(nil), r.history[id]...)
}

// Kinds lists the kinds recorded for id in delivery order.
func (r *Recorder) Kinds(id string) []types.SnapshotKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.SnapshotKind, 0, len(r.history[id]))
	for _, s := range r.history[id] {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}
