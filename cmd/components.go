package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/config"
	"github.com/tanq16/dlcore/internal/downloaders"
	dlhttp "github.com/tanq16/dlcore/internal/downloaders/http"
	dls3 "github.com/tanq16/dlcore/internal/downloaders/s3"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/notify"
	"github.com/tanq16/dlcore/internal/scheduler"
	"github.com/tanq16/dlcore/internal/sink"
	"github.com/tanq16/dlcore/internal/storage"
	"github.com/tanq16/dlcore/internal/types"
	"github.com/tanq16/dlcore/internal/utils"
)

// stack is everything a command needs to run tasks, plus what must be closed afterwards.
type stack struct {
	manager  *scheduler.Manager
	recorder *notify.Recorder
	store    storage.Store
	closers  []io.Closer
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.Warn().Str("op", "cmd/components").Err(err).Msg("failed to close component")
		}
	}
}

func engineOptions(c config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.MaxConnections = c.Connections.Max
	opts.RetryAttempts = c.Retry.Attempts
	opts.RetryBackoff = c.Retry.Backoff.Std()
	opts.MaxBackoff = c.Retry.MaxBackoff.Std()
	opts.MaxRestarts = c.Retry.MaxRestarts
	opts.CheckpointMinBytes = int64(c.Checkpoint.MinBytes)
	opts.CheckpointMinInterval = c.Checkpoint.MinInterval.Std()
	opts.ProgressMinBytes = int64(c.Progress.MinBytes)
	opts.ProgressMinInterval = c.Progress.MinInterval.Std()
	opts.Preallocate = c.Preallocate && !c.AppendOnly
	opts.RateLimit = int64(c.RateLimit)
	return opts
}

func httpClient(c config.Config) (*utils.HTTPClient, error) {
	tokens, err := utils.TokenSource(c.HTTP.BearerToken, c.HTTP.TokenFile)
	if err != nil {
		return nil, err
	}
	ua := c.HTTP.UserAgent
	if ua == "" {
		ua = utils.ToolUserAgent
	}
	return utils.NewHTTPClient(utils.HTTPClientConfig{
		Timeout:        c.HTTP.Timeout.Std(),
		KATimeout:      c.HTTP.KeepAlive.Std(),
		ProxyURL:       c.HTTP.Proxy,
		ProxyUsername:  c.HTTP.ProxyUsername,
		ProxyPassword:  c.HTTP.ProxyPassword,
		UserAgent:      ua,
		Headers:        c.HTTP.Headers,
		TokenSource:    tokens,
		HighThreadMode: c.HTTP.HighThreadMode || c.Connections.Fixed > 8,
	}), nil
}

func openStore(ctx context.Context, c config.StorageConfig) (storage.Store, io.Closer, error) {
	switch c.Driver {
	case "memory":
		return storage.NewMemory(), nil, nil
	case "redis":
		s, err := storage.OpenRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "mysql":
		s, err := storage.OpenMySQL(c.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", utils.ErrUnknownDriver, c.Driver)
}

func policy(c config.ConnectionsConfig) engine.ConnectionCountPolicy {
	if c.Policy == "fixed" {
		return engine.FixedPolicy(c.Fixed)
	}
	return engine.TieredPolicy{}
}

// buildStack wires the configured backends into a task manager. The s3 backend
// is registered lazily so commands work without AWS credentials.
func buildStack(ctx context.Context, c config.Config, listeners ...types.Listener) (*stack, error) {
	st := &stack{recorder: notify.NewRecorder(false)}
	client, err := httpClient(c)
	if err != nil {
		return nil, err
	}
	router := downloaders.NewRouter()
	router.Register(dlhttp.NewFactory(client), "http", "https")
	router.Register(&lazyS3{ctx: ctx, profile: c.S3.Profile, region: c.S3.Region}, "s3")

	store, closer, err := openStore(ctx, c.Storage)
	if err != nil {
		return nil, err
	}
	st.store = store
	if closer != nil {
		st.closers = append(st.closers, closer)
	}

	fanout := notify.Fanout(append([]types.Listener{st.recorder}, listeners...))
	if c.Notify.AMQPURL != "" {
		pub, err := notify.DialPublisher(c.Notify.AMQPURL, c.Notify.Exchange)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, pub)
		fanout = append(fanout, pub)
	}

	components := engine.Components{
		Connections: router,
		Sinks:       sink.NewFileFactory(c.AppendOnly),
		Policy:      policy(c.Connections),
		Store:       store,
		Disk:        engine.DiskSpaceFunc(utils.FreeBytes),
	}
	if c.Network.RequireInterface != "" {
		components.Network = utils.NewInterfacePolicy(c.Network.RequireInterface)
	}
	reg, err := engine.NewRegistry(components, c.Connections.Max)
	if err != nil {
		st.Close()
		return nil, err
	}
	opts := engineOptions(c)
	if err := opts.Validate(); err != nil {
		st.Close()
		return nil, err
	}
	st.manager = scheduler.NewManager(ctx, reg, opts, fanout)
	return st, nil
}

// lazyS3 builds the S3 client on the first s3:// task.
type lazyS3 struct {
	ctx     context.Context
	profile string
	region  string
	once    sync.Once
	factory *dls3.Factory
	err     error
}

func (l *lazyS3) Create(rawURL string) (engine.Connection, error) {
	l.once.Do(func() {
		client, err := dls3.NewClient(l.ctx, l.profile, l.region)
		if err != nil {
			l.err = fmt.Errorf("error creating s3 client: %w", err)
			return
		}
		l.factory = dls3.NewFactory(client)
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.factory.Create(rawURL)
}
