package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/utils"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	URL       string   `yaml:"url"`
	Output    string   `yaml:"output"`
	Directory bool     `yaml:"directory,omitempty"`
	Headers   []string `yaml:"headers,omitempty"`
	Force     bool     `yaml:"force,omitempty"`
}

// ReadBatch parses a YAML list of entries into requests. Entries without an
// output are written into defaultDir under the name the server suggests.
func ReadBatch(path, defaultDir string) ([]engine.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	var reqs []engine.Request
	for i, e := range entries {
		if e.URL == "" {
			log.Warn().Str("op", "scheduler/batch").Msgf("entry %d has no url, skipping", i)
			continue
		}
		req := engine.Request{
			URL:             e.URL,
			Path:            e.Output,
			PathAsDirectory: e.Directory,
			Headers:         utils.ParseHeaderArgs(e.Headers),
			ForceRedownload: e.Force,
		}
		if req.Path == "" {
			req.Path = defaultDir
			req.PathAsDirectory = true
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Run pushes reqs through numWorkers workers, each starting one task and
// waiting for it before taking the next. Start errors are collected.
func (m *Manager) Run(ctx context.Context, reqs []engine.Request, numWorkers int) error {
	numWorkers = max(1, min(numWorkers, len(reqs)))
	reqCh := make(chan engine.Request, len(reqs))
	for _, req := range reqs {
		reqCh <- req
	}
	close(reqCh)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range reqCh {
				if ctx.Err() != nil {
					return
				}
				id, err := m.Start(ctx, req)
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", req.URL, err))
					mu.Unlock()
					continue
				}
				m.WaitFor(id)
			}
		}()
	}
	wg.Wait()
	m.Wait()
	return errors.Join(errs...)
}
