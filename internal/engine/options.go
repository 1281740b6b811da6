package engine

import (
	"errors"
	"fmt"
	"time"
)

// BufferSize is the read size of the fetch loop.
const BufferSize = 4 * 1024

// MaxRedirects bounds a redirect chain.
const MaxRedirects = 10

// Options tunes retry, checkpoint and notification behavior.
type Options struct {
	MaxConnections int
	RetryAttempts  int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	// a checkpoint happens once either threshold is crossed
	CheckpointMinBytes    int64
	CheckpointMinInterval time.Duration
	// a progress snapshot is emitted once both thresholds are crossed
	ProgressMinBytes    int64
	ProgressMinInterval time.Duration
	Preallocate         bool
	// RateLimit caps each task at this many bytes per second; 0 disables it.
	RateLimit int64
	// MaxRestarts bounds how often a task may re-probe from scratch after
	// a precondition failure.
	MaxRestarts int
	// QueueSize is the per-task delivery queue capacity of multi-connection tasks.
	QueueSize int
}

func DefaultOptions() Options {
	return Options{
		MaxConnections:        5,
		RetryAttempts:         5,
		RetryBackoff:          500 * time.Millisecond,
		MaxBackoff:            30 * time.Second,
		CheckpointMinBytes:    64 * 1024,
		CheckpointMinInterval: 2 * time.Second,
		ProgressMinBytes:      64 * 1024,
		ProgressMinInterval:   500 * time.Millisecond,
		Preallocate:           true,
		MaxRestarts:           3,
		QueueSize:             64,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max connections must be positive, got %d", o.MaxConnections))
	}
	if o.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry attempts must not be negative, got %d", o.RetryAttempts))
	}
	if o.RetryBackoff < 0 || o.MaxBackoff < 0 {
		errs = append(errs, errors.New("backoff must not be negative"))
	}
	if o.CheckpointMinBytes < 0 || o.CheckpointMinInterval < 0 {
		errs = append(errs, errors.New("checkpoint thresholds must not be negative"))
	}
	if o.ProgressMinBytes < 0 || o.ProgressMinInterval < 0 {
		errs = append(errs, errors.New("progress thresholds must not be negative"))
	}
	if o.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %d", o.RateLimit))
	}
	if o.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max restarts must not be negative, got %d", o.MaxRestarts))
	}
	if o.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", o.QueueSize))
	}
	return errors.Join(errs...)
}

// backoff is linear in the attempt number and capped.
func (o Options) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * o.RetryBackoff
	if o.MaxBackoff > 0 && d > o.MaxBackoff {
		d = o.MaxBackoff
	}
	return d
}
