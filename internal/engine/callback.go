package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/storage"
	"github.com/tanq16/dlcore/internal/types"
)

// ConnectedInfo is what the first connection taught us about the resource.
type ConnectedInfo struct {
	Resumed  bool
	Offset   int64
	Total    int64
	ETag     string
	Filename string
}

// StatusCallback is the only writer of a task record. Every transition updates
// the in-memory record, persists it and emits a snapshot.
//
// Single-connection tasks deliver snapshots on the calling goroutine. Once
// EnterMultiConnection is called, snapshots go through a per-task queue with a
// single consumer so listeners see them in generation order.
type StatusCallback struct {
	store    storage.Store
	listener types.Listener
	disk     DiskSpace
	opts     Options

	mu       sync.Mutex
	task     types.Task
	pending  int64
	lastEmit time.Time
	retries  int
	queue    chan types.Snapshot
	drained  chan struct{}
}

func NewStatusCallback(t types.Task, store storage.Store, listener types.Listener, disk DiskSpace, opts Options) *StatusCallback {
	if listener == nil {
		listener = types.ListenerFunc(func(types.Snapshot) {})
	}
	return &StatusCallback{
		store:    store,
		listener: listener,
		disk:     disk,
		opts:     opts,
		task:     t,
	}
}

// Task returns a copy of the current record.
func (c *StatusCallback) Task() types.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// transition must be called with c.mu held.
func (c *StatusCallback) transition(to types.Status) bool {
	if !types.CanTransition(c.task.Status, to) {
		log.Debug().Str("op", "engine/callback").Str("task", c.task.ID).
			Msgf("dropping illegal transition %s -> %s", c.task.Status, to)
		return false
	}
	c.task.Status = to
	return true
}

// persist must be called with c.mu held.
func (c *StatusCallback) persist(ctx context.Context) {
	if err := c.store.Update(ctx, c.task); err != nil {
		log.Warn().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("failed to persist task")
	}
}

// publish hands s to the listener: through the queue when one is active,
// otherwise after c.mu is released. Must be called with c.mu held; it unlocks.
func (c *StatusCallback) publish(s types.Snapshot) {
	if c.queue != nil {
		c.queue <- s
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.listener.Notify(s)
}

// finish publishes the terminal snapshot and shuts the queue down.
// Must be called with c.mu held; it unlocks.
func (c *StatusCallback) finish(s types.Snapshot) {
	q, drained := c.queue, c.drained
	c.queue = nil
	c.mu.Unlock()
	if q == nil {
		c.listener.Notify(s)
		return
	}
	q <- s
	close(q)
	<-drained
}

func (c *StatusCallback) OnPending(ctx context.Context) {
	c.mu.Lock()
	if !c.transition(types.StatusPending) {
		c.mu.Unlock()
		return
	}
	c.task.ErrMsg = ""
	if err := c.store.Insert(ctx, c.task); err != nil {
		log.Warn().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("failed to insert task")
	}
	c.publish(types.NewSnapshot(types.KindPending, c.task))
}

func (c *StatusCallback) OnStarted(ctx context.Context) {
	c.mu.Lock()
	if !c.transition(types.StatusStarted) {
		c.mu.Unlock()
		return
	}
	c.persist(ctx)
	c.publish(types.NewSnapshot(types.KindStarted, c.task))
}

func (c *StatusCallback) OnConnected(ctx context.Context, info ConnectedInfo) {
	c.mu.Lock()
	if !c.transition(types.StatusConnected) {
		c.mu.Unlock()
		return
	}
	c.task.SoFar = info.Offset
	c.task.Total = info.Total
	c.task.ETag = info.ETag
	if info.Filename != "" {
		c.task.Filename = info.Filename
	}
	c.pending = 0
	c.lastEmit = time.Time{}
	c.persist(ctx)
	s := types.NewSnapshot(types.KindConnected, c.task)
	s.Resumed = info.Resumed
	c.publish(s)
}

// SetConnectionCount records how many connections the task runs with.
func (c *StatusCallback) SetConnectionCount(ctx context.Context, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task.ConnectionCount = n
	c.persist(ctx)
}

// ResetResume throws away every trace of earlier progress: offset, connection
// records and the partial file. The etag is replaced by etag.
func (c *StatusCallback) ResetResume(ctx context.Context, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task.SoFar = 0
	c.task.Total = 0
	c.task.ConnectionCount = 0
	c.task.ETag = etag
	if err := c.store.RemoveConnections(ctx, c.task.ID); err != nil {
		log.Warn().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("failed to remove connections")
	}
	if temp := c.task.TempPath(); temp != "" {
		if err := os.Remove(temp); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("failed to delete partial file")
		}
	}
	c.persist(ctx)
}

// EnterMultiConnection switches delivery to the per-task queue.
func (c *StatusCallback) EnterMultiConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != nil || c.task.Status.IsTerminal() {
		return
	}
	c.queue = make(chan types.Snapshot, c.opts.QueueSize)
	c.drained = make(chan struct{})
	go func(q <-chan types.Snapshot, drained chan<- struct{}) {
		defer close(drained)
		for s := range q {
			c.listener.Notify(s)
		}
	}(c.queue, c.drained)
}

// OnProgress adds delta to the task. The first call always emits; later ones
// emit once both the byte and the time threshold have been crossed.
func (c *StatusCallback) OnProgress(ctx context.Context, delta int64) {
	c.mu.Lock()
	if !c.transition(types.StatusProgress) {
		c.mu.Unlock()
		return
	}
	c.task.SoFar += delta
	c.pending += delta
	now := time.Now()
	if !c.lastEmit.IsZero() && (c.pending < c.opts.ProgressMinBytes || now.Sub(c.lastEmit) < c.opts.ProgressMinInterval) {
		c.mu.Unlock()
		return
	}
	c.pending = 0
	c.lastEmit = now
	c.persist(ctx)
	c.publish(types.NewSnapshot(types.KindProgress, c.task))
}

// SyncProgress persists the current offset of a single-connection task.
func (c *StatusCallback) SyncProgress(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.UpdateProgress(ctx, c.task.ID, c.task.SoFar)
}

// OnRetry records a retried attempt. invalidated bytes were reported as
// progress but will be fetched again.
func (c *StatusCallback) OnRetry(ctx context.Context, err error, invalidated int64) {
	c.mu.Lock()
	if !c.transition(types.StatusRetry) {
		c.mu.Unlock()
		return
	}
	c.retries++
	c.task.SoFar = max(c.task.SoFar-invalidated, 0)
	c.task.ErrMsg = err.Error()
	c.persist(ctx)
	s := types.NewSnapshot(types.KindRetry, c.task)
	s.Retries = c.retries
	s.Invalid = invalidated
	c.publish(s)
}

func (c *StatusCallback) OnPaused(ctx context.Context) {
	c.mu.Lock()
	if !c.transition(types.StatusPaused) {
		c.mu.Unlock()
		return
	}
	c.persist(ctx)
	c.finish(types.NewSnapshot(types.KindPaused, c.task))
}

func (c *StatusCallback) OnError(ctx context.Context, err error) {
	c.mu.Lock()
	if !c.transition(types.StatusError) {
		c.mu.Unlock()
		return
	}
	err = c.filterError(err)
	c.task.ErrMsg = err.Error()
	log.Error().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("download failed")
	c.persist(ctx)
	c.finish(types.NewSnapshot(types.KindError, c.task))
}

// OnCompleted verifies the byte count, moves the partial file onto the target
// and drops the stored records. A mismatch is reported as an error.
func (c *StatusCallback) OnCompleted(ctx context.Context) {
	c.mu.Lock()
	if c.task.IsChunked() {
		c.task.Total = c.task.SoFar
	}
	if c.task.SoFar != c.task.Total {
		err := fmt.Errorf("%w: so far %d, total %d", ErrSizeMismatch, c.task.SoFar, c.task.Total)
		c.mu.Unlock()
		c.OnError(ctx, err)
		return
	}
	if err := promote(c.task.TempPath(), c.task.TargetPath()); err != nil {
		c.mu.Unlock()
		c.OnError(ctx, err)
		return
	}
	if !c.transition(types.StatusCompleted) {
		c.mu.Unlock()
		return
	}
	if err := c.store.RemoveConnections(ctx, c.task.ID); err != nil {
		log.Warn().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("failed to remove connections")
	}
	if err := c.store.Remove(ctx, c.task.ID); err != nil {
		log.Warn().Str("op", "engine/callback").Str("task", c.task.ID).Err(err).Msg("failed to remove task")
	}
	log.Info().Str("op", "engine/callback").Str("task", c.task.ID).Str("path", c.task.TargetPath()).Msg("download completed")
	c.finish(types.NewSnapshot(types.KindCompleted, c.task))
}

// OnReused reports a target that already exists. The stored record is left alone.
func (c *StatusCallback) OnReused(path string, size int64) {
	c.mu.Lock()
	s := types.NewSnapshot(types.KindCompleted, c.task)
	s.Path = path
	s.SoFar = size
	s.Total = size
	s.Reused = true
	s.Error = ""
	c.finish(s)
}

// Warn emits a warn snapshot without changing the record.
func (c *StatusCallback) Warn(msg string) {
	c.mu.Lock()
	s := types.NewSnapshot(types.KindWarn, c.task)
	s.Error = msg
	c.publish(s)
}

// Discard stops delivery without a terminal snapshot.
func (c *StatusCallback) Discard() {
	c.mu.Lock()
	q, drained := c.queue, c.drained
	c.queue = nil
	c.mu.Unlock()
	if q != nil {
		close(q)
		<-drained
	}
}

// filterError turns a local I/O failure into an out-of-space error when the
// volume is nearly full and nothing was reserved up front. Must be called with c.mu held.
func (c *StatusCallback) filterError(err error) error {
	var spaceErr *OutOfSpaceError
	if !isIOError(err) || errors.As(err, &spaceErr) {
		return err
	}
	if !c.task.IsChunked() && c.opts.Preallocate {
		return err
	}
	temp := c.task.TempPath()
	if temp == "" {
		return err
	}
	free, ferr := c.disk.FreeBytes(filepath.Dir(temp))
	if ferr != nil || free > BufferSize {
		return err
	}
	return &OutOfSpaceError{Free: free, Required: BufferSize, Downloaded: fileSize(temp), Err: err}
}

// promote renames the partial file onto the target.
func promote(temp, target string) error {
	if temp == "" || target == "" {
		return errors.New("target path is not resolved")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("error creating target directory: %w", err)
	}
	if err := os.Rename(temp, target); err != nil {
		return fmt.Errorf("error renaming (finalizing) output file: %w", err)
	}
	cleanTempDir(temp)
	return nil
}

// cleanTempDir removes the temp directory once nothing is left in it.
func cleanTempDir(temp string) {
	dir := filepath.Dir(temp)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
