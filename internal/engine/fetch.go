package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/types"
	"golang.org/x/time/rate"
)

// processCallback is how a worker and its pump talk back to the launch.
type processCallback interface {
	onProgress(delta int64)
	// onCheckpoint persists current as the durable offset of the connection.
	onCheckpoint(index int, current int64) error
	isRetry(err error) bool
	onRetry(err error, invalidated int64)
	isPaused() bool
}

// fetchPump drains one connection into the sink for one attempt.
type fetchPump struct {
	taskID   string
	index    int
	multi    bool
	conn     Connection
	sinks    SinkFactory
	path     string
	profile  ConnectionProfile
	cb       processCallback
	opts     Options
	limiter  *rate.Limiter
	network  NetworkPolicy
	current  int64
	synced   int64
	syncedAt time.Time
}

func newFetchPump(w *connectionWorker, conn Connection) *fetchPump {
	return &fetchPump{
		taskID:   w.taskID,
		index:    w.index,
		multi:    w.index >= 0,
		conn:     conn,
		sinks:    w.sinks,
		path:     w.path,
		profile:  w.profile,
		cb:       w.cb,
		opts:     w.opts,
		limiter:  w.limiter,
		network:  w.network,
		current:  w.profile.CurrentOffset,
		synced:   w.profile.CurrentOffset,
		syncedAt: time.Now(),
	}
}

// run fetches until the stream ends. It reports done=false without an error
// when a pause was observed.
func (p *fetchPump) run(ctx context.Context) (done bool, err error) {
	if p.cb.isPaused() {
		return false, nil
	}
	declared := declaredLength(p.conn)
	if declared == 0 {
		return false, giveUp(fmt.Errorf("%w: range %s", ErrNoContent, p.profile))
	}
	if p.profile.ContentLength > 0 && declared != p.profile.ContentLength {
		return false, &ContentDriftError{Expected: p.profile.ContentLength, Actual: declared, Range: p.profile.String()}
	}

	sink, err := p.sinks.Create(p.path)
	if err != nil {
		return false, fmt.Errorf("error opening output: %w", err)
	}
	defer func() {
		if p.current != p.synced {
			if syncErr := p.checkpoint(sink); syncErr != nil && err == nil {
				err = syncErr
			}
		}
		if closeErr := sink.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("error closing output: %w", closeErr)
		}
	}()
	if sink.SupportsSeek() {
		if err := sink.Seek(p.current); err != nil {
			return false, fmt.Errorf("error seeking output to %d: %w", p.current, err)
		}
	} else if p.multi {
		return false, ErrSeekUnsupported
	}

	begin := p.current
	body := p.conn.Body()
	buf := make([]byte, BufferSize)
	for {
		if p.cb.isPaused() {
			return false, nil
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if p.limiter != nil {
				if err := p.limiter.WaitN(ctx, n); err != nil {
					if p.cb.isPaused() {
						return false, nil
					}
					return false, err
				}
			}
			if _, err := sink.Write(buf[:n]); err != nil {
				return false, fmt.Errorf("error writing to output file: %w", err)
			}
			p.current += int64(n)
			p.cb.onProgress(int64(n))
			if err := p.checkAndSync(sink); err != nil {
				return false, err
			}
			if p.network != nil {
				if err := p.network.Allow(p.taskID); err != nil {
					return false, giveUp(fmt.Errorf("%w: %v", ErrNetworkPolicy, err))
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if p.cb.isPaused() {
				return false, nil
			}
			return false, fmt.Errorf("error reading response body: %w", readErr)
		}
	}

	fetched := p.current - begin
	if declared != types.TotalChunked && fetched != declared {
		return false, &ContentDriftError{Expected: declared, Actual: fetched, Range: p.profile.String()}
	}
	if err := p.checkpoint(sink); err != nil {
		return false, err
	}
	log.Debug().Str("op", "engine/fetch").Str("task", p.taskID).Int("connection", p.index).
		Int64("start", p.profile.StartOffset).Int64("end", p.current).Msg("range fetched")
	return true, nil
}

// checkAndSync checkpoints once either the byte or the time threshold is crossed.
func (p *fetchPump) checkAndSync(sink Sink) error {
	bytesDelta := p.current - p.synced
	timeDelta := time.Since(p.syncedAt)
	if bytesDelta < p.opts.CheckpointMinBytes && timeDelta < p.opts.CheckpointMinInterval {
		return nil
	}
	return p.checkpoint(sink)
}

func (p *fetchPump) checkpoint(sink Sink) error {
	if err := sink.Sync(); err != nil {
		return fmt.Errorf("error syncing output: %w", err)
	}
	if err := p.cb.onCheckpoint(p.index, p.current); err != nil {
		log.Warn().Str("op", "engine/fetch").Str("task", p.taskID).Int("connection", p.index).Err(err).Msg("failed to persist checkpoint")
	}
	p.synced = p.current
	p.syncedAt = time.Now()
	return nil
}

// invalidated is the number of bytes fetched but not checkpointed.
func (p *fetchPump) invalidated() int64 {
	return p.current - p.synced
}
