package types

import "time"

// SnapshotKind tags what a snapshot reports. It mirrors Status plus warn.
type SnapshotKind string

const (
	KindPending   SnapshotKind = "pending"
	KindStarted   SnapshotKind = "started"
	KindConnected SnapshotKind = "connected"
	KindProgress  SnapshotKind = "progress"
	KindRetry     SnapshotKind = "retry"
	KindError     SnapshotKind = "error"
	KindPaused    SnapshotKind = "paused"
	KindCompleted SnapshotKind = "completed"
	KindWarn      SnapshotKind = "warn"
)

// Snapshot is an immutable copy of a task taken at a status transition.
// It is only ever handed to observers.
type Snapshot struct {
	Kind       SnapshotKind `json:"kind"`
	TaskID     string       `json:"task_id"`
	URL        string       `json:"url"`
	Path       string       `json:"path"`
	Filename   string       `json:"filename,omitempty"`
	SoFar      int64        `json:"so_far"`
	Total      int64        `json:"total"`
	ETag       string       `json:"etag,omitempty"`
	Resumed    bool         `json:"resumed,omitempty"`
	Reused     bool         `json:"reused,omitempty"`
	Retries    int          `json:"retries,omitempty"`
	Invalid    int64        `json:"invalidated,omitempty"`
	Error      string       `json:"error,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewSnapshot copies the fields of t relevant to observers.
func NewSnapshot(kind SnapshotKind, t Task) Snapshot {
	return Snapshot{
		Kind:       kind,
		TaskID:     t.ID,
		URL:        t.URL,
		Path:       t.TargetPath(),
		Filename:   t.Filename,
		SoFar:      t.SoFar,
		Total:      t.Total,
		ETag:       t.ETag,
		Error:      t.ErrMsg,
		OccurredAt: time.Now(),
	}
}

// Listener receives snapshots. Implementations must not block for long;
// the pipeline delivers per task in generation order.
type Listener interface {
	Notify(s Snapshot)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(s Snapshot)

func (f ListenerFunc) Notify(s Snapshot) { f(s) }
