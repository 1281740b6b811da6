package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// connectionWorker owns one range for the lifetime of a task run: connect,
// verify, fetch, and retry with the advanced profile on recoverable failures.
type connectionWorker struct {
	taskID  string
	index   int // -1 for single-connection tasks
	url     string
	etag    string
	headers http.Header
	total   int64
	profile ConnectionProfile
	// first is an already open connection used for the first attempt.
	first Connection

	factory ConnectionFactory
	sinks   SinkFactory
	path    string
	cb      processCallback
	opts    Options
	limiter *rate.Limiter
	network NetworkPolicy

	attempts int
	done     bool
}

func (w *connectionWorker) run(ctx context.Context) error {
	defer func() {
		if w.first != nil {
			w.first.Ending()
			w.first = nil
		}
	}()
	for {
		if w.cb.isPaused() || ctx.Err() != nil {
			return nil
		}
		conn := w.first
		w.first = nil
		if conn == nil {
			res, err := Connect(ctx, w.factory, w.profile, w.url, w.etag, w.headers)
			if err != nil {
				if w.cb.isPaused() || ctx.Err() != nil {
					return nil
				}
				if w.retry(ctx, err, 0) {
					continue
				}
				return err
			}
			conn = res.Conn
			w.url = res.FinalURL
		}

		code := conn.ResponseCode()
		if code != http.StatusOK && code != http.StatusPartialContent && code != StatusResumedFromOffset {
			err := &HTTPStatusError{Code: code, URL: w.url, RequestHeaders: conn.RequestHeaders(), ResponseHeaders: conn.ResponseHeaders()}
			conn.Ending()
			if w.retry(ctx, err, 0) {
				continue
			}
			return err
		}

		pump := newFetchPump(w, conn)
		done, err := pump.run(ctx)
		conn.Ending()
		if err == nil {
			w.done = done
			return nil
		}
		if w.cb.isPaused() || ctx.Err() != nil {
			return nil
		}
		invalid := pump.invalidated()
		if invalid > 0 && !w.sinks.SupportsSeek() {
			return giveUp(fmt.Errorf("cannot rewind append-only output by %d bytes: %w", invalid, err))
		}
		w.profile = w.profile.Advance(pump.synced, w.total)
		if w.retry(ctx, err, invalid) {
			continue
		}
		return err
	}
}

// retry asks the launch whether err deserves another attempt and waits out
// the backoff. It returns false when the attempt should not be repeated.
func (w *connectionWorker) retry(ctx context.Context, err error, invalid int64) bool {
	if !w.cb.isRetry(err) {
		return false
	}
	w.attempts++
	log.Warn().Str("op", "engine/worker").Str("task", w.taskID).Int("connection", w.index).Err(err).
		Msgf("retrying %s (attempt %d)", w.profile, w.attempts+1)
	w.cb.onRetry(err, invalid)
	return sleepContext(ctx, w.opts.backoff(w.attempts))
}

// sleepContext waits d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
