package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/types"
	"github.com/tanq16/dlcore/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Request is what the caller asks for.
type Request struct {
	URL             string
	Path            string
	PathAsDirectory bool
	Headers         http.Header
	ForceRedownload bool
}

// Launch drives one task from the first probe to a terminal status.
type Launch struct {
	reg  *Registry
	opts Options
	req  Request
	cb   *StatusCallback
	id   string

	limiter  *rate.Limiter
	storeCtx context.Context
	parent   context.Context
	paused   atomic.Bool

	mu            sync.Mutex
	cancel        context.CancelFunc
	url           string
	retriesLeft   int
	attempts      int
	restarts      int
	triedFixRange bool
	active        map[int]*connectionWorker
}

func NewLaunch(reg *Registry, opts Options, req Request, cb *StatusCallback) *Launch {
	l := &Launch{
		reg:         reg,
		opts:        opts,
		req:         req,
		cb:          cb,
		id:          cb.Task().ID,
		url:         req.URL,
		retriesLeft: opts.RetryAttempts,
		active:      make(map[int]*connectionWorker),
	}
	if opts.RateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(max(opts.RateLimit, BufferSize)))
	}
	return l
}

func (l *Launch) ID() string { return l.id }

// Pause asks the launch to stop at the next loop boundary. Checkpointed
// offsets are kept; exactly one paused snapshot follows.
func (l *Launch) Pause() {
	l.paused.Store(true)
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Launch) isPaused() bool {
	if l.paused.Load() {
		return true
	}
	return l.parent != nil && l.parent.Err() != nil
}

// Run blocks until the task completes, pauses, fails or is discarded.
// Cancelling ctx is treated as a pause.
func (l *Launch) Run(ctx context.Context) {
	l.parent = ctx
	l.storeCtx = context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()
	defer l.reg.ReleaseTask(l.id)

	l.cb.OnStarted(l.storeCtx)
	for {
		if l.isPaused() {
			l.cb.OnPaused(l.storeCtx)
			return
		}
		s := l.attempt(runCtx)
		log.Debug().Str("op", "engine/launch").Str("task", l.id).Msgf("attempt ended with %s", s.kind)
		switch s.kind {
		case outcomeDone:
			l.cb.OnCompleted(l.storeCtx)
			return
		case outcomeReconnect:
			continue
		case outcomeRestart:
			if errors.Is(s.err, ErrPreconditionFailed) {
				l.restarts++
				if l.restarts > l.opts.MaxRestarts {
					l.cb.OnError(l.storeCtx, giveUp(fmt.Errorf("%w after %d restarts", s.err, l.opts.MaxRestarts)))
					return
				}
			}
			continue
		case outcomeDiscard:
			l.cb.Discard()
			return
		case outcomePaused:
			l.cb.OnPaused(l.storeCtx)
			return
		default:
			l.cb.OnError(l.storeCtx, s.err)
			return
		}
	}
}

func (l *Launch) currentURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url
}

func (l *Launch) setURL(u string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.url = u
}

// resumeState recomputes the offset to resume from. Stored state that does
// not line up with the partial file or the connection count is wiped.
func (l *Launch) resumeState(task types.Task) (int64, []types.Connection) {
	if task.SoFar <= 0 && task.ConnectionCount <= 1 {
		return 0, nil
	}
	temp := task.TempPath()
	if temp == "" {
		return 0, nil
	}
	if _, err := os.Stat(temp); err != nil {
		log.Debug().Str("op", "engine/launch").Str("task", l.id).Msg("partial file is gone, starting over")
		l.cb.ResetResume(l.storeCtx, task.ETag)
		return 0, nil
	}
	if task.ConnectionCount <= 1 {
		return task.SoFar, nil
	}
	records, err := l.reg.Store.FindConnections(l.storeCtx, l.id)
	if err != nil || len(records) != task.ConnectionCount {
		log.Warn().Str("op", "engine/launch").Str("task", l.id).
			Msgf("stored connections (%d) do not match connection count %d, starting over", len(records), task.ConnectionCount)
		l.cb.ResetResume(l.storeCtx, task.ETag)
		return 0, nil
	}
	var offset int64
	for _, r := range records {
		offset += r.Fetched()
	}
	return offset, records
}

// attempt runs steps 1 to 8 once: probe, classify, allocate, dispatch, aggregate.
func (l *Launch) attempt(ctx context.Context) step {
	task := l.cb.Task()
	offset, records := l.resumeState(task)
	task = l.cb.Task()

	res, err := Connect(ctx, l.reg.Connections, beginToEndProfile(offset), l.currentURL(), task.ETag, l.req.Headers)
	if err != nil {
		return l.reconnect(ctx, err)
	}
	conn := res.Conn
	l.setURL(res.FinalURL)

	code := conn.ResponseCode()
	etag := conn.ResponseHeader("ETag")
	partial := false
	switch {
	case code == http.StatusPreconditionFailed,
		task.ETag != "" && etag != "" && etag != task.ETag && (code == http.StatusOK || code == http.StatusPartialContent),
		code == http.StatusCreated && offset > 0:
		conn.Ending()
		adopt := etag
		if etag == task.ETag {
			adopt = ""
		}
		log.Warn().Str("op", "engine/launch").Str("task", l.id).Int("code", code).
			Msgf("precondition failed (etag %q -> %q), restarting from scratch", task.ETag, etag)
		l.cb.ResetResume(l.storeCtx, adopt)
		return step{kind: outcomeRestart, err: ErrPreconditionFailed}
	case code == http.StatusPartialContent, code == StatusResumedFromOffset:
		partial = true
	case code == http.StatusOK, code == http.StatusCreated, code == 0:
		if offset > 0 {
			log.Info().Str("op", "engine/launch").Str("task", l.id).Msg("server ignored the range, downloading from scratch")
			l.cb.ResetResume(l.storeCtx, etag)
			offset, records = 0, nil
		}
	default:
		statusErr := &HTTPStatusError{Code: code, URL: res.FinalURL, RequestHeaders: res.RequestHeaders, ResponseHeaders: conn.ResponseHeaders()}
		conn.Ending()
		if statusErr.Retryable() {
			return l.reconnect(ctx, statusErr)
		}
		return l.failure(statusErr)
	}

	total := resolveTotal(conn, offset, partial)
	if s, ok := l.resolveTarget(&task, conn); !ok {
		conn.Ending()
		return s
	}
	l.cb.OnConnected(l.storeCtx, ConnectedInfo{
		Resumed:  offset > 0,
		Offset:   offset,
		Total:    total,
		ETag:     etag,
		Filename: task.Filename,
	})
	task = l.cb.Task()
	temp := task.TempPath()

	if err := l.allocate(temp, total, offset); err != nil {
		conn.Ending()
		return step{kind: outcomeFail, err: err}
	}

	multi := partial && l.reg.Sinks.SupportsSeek() && total > 0
	if len(records) > 0 && !multi {
		conn.Ending()
		log.Warn().Str("op", "engine/launch").Str("task", l.id).Msg("stored ranges cannot be resumed with a single connection, starting over")
		l.cb.ResetResume(l.storeCtx, etag)
		return step{kind: outcomeRestart}
	}
	count := 1
	switch {
	case len(records) > 0:
		count = len(records)
	case multi && offset == 0:
		count = l.reg.Policy.DetermineConnectionCount(l.id, l.currentURL(), task.TargetPath(), total)
		if count <= 0 {
			conn.Ending()
			return step{kind: outcomeFail, err: fmt.Errorf("%w: policy answered %d", ErrInvalidConnectionCount, count)}
		}
		// a one-byte first range would end at offset 0, which reads as open-ended
		if total < 2*int64(count) {
			count = 1
		}
	}
	l.cb.SetConnectionCount(l.storeCtx, count)

	if count == 1 {
		return l.fetchSingle(ctx, conn, temp, offset, total)
	}
	conn.Ending()
	return l.fetchMulti(ctx, records, temp, total, count)
}

// resolveTotal works out the full resource length from the first response.
func resolveTotal(conn Connection, offset int64, partial bool) int64 {
	if partial {
		if n := instanceLength(conn); n > 0 {
			return n
		}
	}
	declared := declaredLength(conn)
	if declared == types.TotalChunked {
		return types.TotalChunked
	}
	if partial {
		return offset + declared
	}
	return declared
}

// resolveTarget names the file of a directory task and checks it against
// finished files and other tasks. ok is false when the task must stop.
func (l *Launch) resolveTarget(task *types.Task, conn Connection) (step, bool) {
	if !task.PathAsDirectory || task.Filename != "" {
		return step{}, true
	}
	task.Filename = utils.FileNameFromHeader(conn.ResponseHeader("Content-Disposition"), l.currentURL())
	target := task.TargetPath()
	if !l.req.ForceRedownload {
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			log.Info().Str("op", "engine/launch").Str("task", l.id).Str("path", target).Msg("target already exists, reusing")
			// the record was only created to resolve the name
			if err := l.reg.Store.Remove(l.storeCtx, l.id); err != nil {
				log.Warn().Str("op", "engine/launch").Str("task", l.id).Err(err).Msg("failed to remove task")
			}
			l.cb.OnReused(target, info.Size())
			return step{kind: outcomeDiscard}, false
		}
	}
	if !l.reg.ClaimPath(l.id, target) {
		log.Warn().Str("op", "engine/launch").Str("task", l.id).Str("path", target).Msg("path is owned by another task")
		l.cb.Warn(fmt.Sprintf("%v: %s", ErrPathConflict, target))
		return step{kind: outcomeDiscard}, false
	}
	return step{}, true
}

// allocate checks free space for the rest of the resource and reserves it.
func (l *Launch) allocate(temp string, total, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(temp), 0755); err != nil {
		return fmt.Errorf("error creating temp directory: %w", err)
	}
	if total <= 0 {
		return nil
	}
	onDisk := fileSize(temp)
	if required := total - onDisk; required > 0 {
		free, err := l.reg.Disk.FreeBytes(filepath.Dir(temp))
		if err != nil {
			log.Warn().Str("op", "engine/launch").Str("task", l.id).Err(err).Msg("cannot query free space")
		} else if free < required {
			return &OutOfSpaceError{Free: free, Required: required, Downloaded: offset}
		}
	}
	if !l.opts.Preallocate || !l.reg.Sinks.SupportsSeek() || onDisk >= total {
		return nil
	}
	sink, err := l.reg.Sinks.Create(temp)
	if err != nil {
		return fmt.Errorf("error opening output: %w", err)
	}
	if err := sink.SetLength(total); err != nil {
		sink.Close()
		return fmt.Errorf("error preallocating %d bytes: %w", total, err)
	}
	return sink.Close()
}

func (l *Launch) newWorker(index int, profile ConnectionProfile, first Connection, temp string, total int64) *connectionWorker {
	return &connectionWorker{
		taskID:  l.id,
		index:   index,
		url:     l.currentURL(),
		etag:    l.cb.Task().ETag,
		headers: l.req.Headers,
		total:   total,
		profile: profile,
		first:   first,
		factory: l.reg.Connections,
		sinks:   l.reg.Sinks,
		path:    temp,
		cb:      l,
		opts:    l.opts,
		limiter: l.limiter,
		network: l.reg.Network,
	}
}

func (l *Launch) fetchSingle(ctx context.Context, conn Connection, temp string, offset, total int64) step {
	profile := beginToEndProfile(offset).Advance(offset, total)
	w := l.newWorker(-1, profile, conn, temp, total)
	if err := w.run(ctx); err != nil {
		return l.failure(err)
	}
	if !w.done || l.isPaused() {
		return step{kind: outcomePaused}
	}
	return step{kind: outcomeDone}
}

func (l *Launch) fetchMulti(ctx context.Context, records []types.Connection, temp string, total int64, count int) step {
	if len(records) == 0 {
		records = Partition(l.id, total, count)
		for _, r := range records {
			if err := l.reg.Store.InsertConnection(l.storeCtx, r); err != nil {
				return step{kind: outcomeFail, err: fmt.Errorf("error persisting connection %d: %w", r.Index, err)}
			}
		}
		log.Debug().Str("op", "engine/launch").Str("task", l.id).Msgf("partitioned %d bytes into %d ranges", total, count)
	}
	l.cb.EnterMultiConnection()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range records {
		if r.Remaining(total) <= 0 {
			continue
		}
		w := l.newWorker(r.Index, profileFromConnection(r, total), nil, temp, total)
		l.addActive(w)
		g.Go(func() error {
			if err := l.reg.pool.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer l.reg.pool.Release(1)
			err := w.run(gctx)
			if err == nil && w.done {
				l.removeActive(w)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return l.failure(err)
	}
	if l.isPaused() {
		return step{kind: outcomePaused}
	}
	if n := l.activeCount(); n > 0 {
		return step{kind: outcomeFail, err: fmt.Errorf("%d connections stopped without finishing", n)}
	}
	return step{kind: outcomeDone}
}

func (l *Launch) addActive(w *connectionWorker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[w.index] = w
}

func (l *Launch) removeActive(w *connectionWorker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, w.index)
}

func (l *Launch) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// reconnect decides whether a failed probe is worth another one.
func (l *Launch) reconnect(ctx context.Context, err error) step {
	if l.isPaused() {
		return step{kind: outcomePaused}
	}
	if !l.isRetry(err) {
		return l.failure(err)
	}
	l.mu.Lock()
	l.attempts++
	attempt := l.attempts
	l.mu.Unlock()
	log.Warn().Str("op", "engine/launch").Str("task", l.id).Err(err).Msgf("probe failed, reconnecting (attempt %d)", attempt+1)
	l.onRetry(err, 0)
	if !sleepContext(ctx, l.opts.backoff(attempt)) {
		return step{kind: outcomePaused}
	}
	return step{kind: outcomeReconnect}
}

// failure turns a terminal worker or probe error into an outcome. A range
// the server refuses gets exactly one restart from scratch.
func (l *Launch) failure(err error) step {
	if l.isPaused() {
		return step{kind: outcomePaused}
	}
	if isRangeNotSatisfiable(err) {
		l.mu.Lock()
		tried := l.triedFixRange
		l.triedFixRange = true
		l.mu.Unlock()
		if !tried {
			log.Warn().Str("op", "engine/launch").Str("task", l.id).Msg("range not satisfiable, discarding partial state once")
			l.cb.ResetResume(l.storeCtx, l.cb.Task().ETag)
			return step{kind: outcomeRestart}
		}
		err = giveUp(err)
	}
	return step{kind: outcomeFail, err: err}
}

func (l *Launch) onProgress(delta int64) {
	l.cb.OnProgress(l.storeCtx, delta)
}

func (l *Launch) onCheckpoint(index int, current int64) error {
	if index < 0 {
		return l.cb.SyncProgress(l.storeCtx)
	}
	return l.reg.Store.UpdateConnection(l.storeCtx, l.id, index, current)
}

// isRetry spends one unit of the task-wide retry budget when err is transient.
func (l *Launch) isRetry(err error) bool {
	if l.isPaused() || !Retryable(err) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retriesLeft <= 0 {
		return false
	}
	l.retriesLeft--
	return true
}

func (l *Launch) onRetry(err error, invalidated int64) {
	l.cb.OnRetry(l.storeCtx, err, invalidated)
}
