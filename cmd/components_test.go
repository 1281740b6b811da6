package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tanq16/dlcore/internal/config"
	"github.com/tanq16/dlcore/internal/engine"
)

func TestEngineOptionsFromConfig(t *testing.T) {
	c := config.Default()
	c.Retry.Attempts = 9
	c.Retry.Backoff = config.Duration(time.Second)
	c.RateLimit = 1024
	c.AppendOnly = true
	opts := engineOptions(c)
	if opts.RetryAttempts != 9 || opts.RetryBackoff != time.Second || opts.RateLimit != 1024 {
		t.Errorf("options = %+v", opts)
	}
	if opts.Preallocate {
		t.Error("append-only output must not preallocate")
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	if _, ok := policy(config.ConnectionsConfig{Policy: "tiered"}).(engine.TieredPolicy); !ok {
		t.Error("tiered policy not selected")
	}
	p := policy(config.ConnectionsConfig{Policy: "fixed", Fixed: 3})
	if n := p.DetermineConnectionCount("id", "https://example.com", "/tmp/x", 1<<30); n != 3 {
		t.Errorf("fixed policy answered %d, want 3", n)
	}
}

func TestRequests(t *testing.T) {
	dir := t.TempDir()
	reqs, err := requests([]string{"https://example.com/a", "https://example.com/b"}, dir, "", true)
	if err != nil {
		t.Fatalf("requests: %v", err)
	}
	if len(reqs) != 2 || !reqs[0].PathAsDirectory || !reqs[1].ForceRedownload {
		t.Errorf("requests = %+v", reqs)
	}
	file := filepath.Join(dir, "out.bin")
	reqs, err = requests([]string{"https://example.com/a"}, file, "", false)
	if err != nil {
		t.Fatalf("requests: %v", err)
	}
	if reqs[0].PathAsDirectory || reqs[0].Path != file {
		t.Errorf("file request = %+v", reqs[0])
	}
	if _, err := requests([]string{"https://example.com/a", "https://example.com/b"}, file, "", false); err == nil {
		t.Error("expected an error for several urls into one file")
	}
}

func TestBuildStackMemory(t *testing.T) {
	st, err := buildStack(context.Background(), config.Default())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	defer st.Close()
	tasks, err := st.manager.List(context.Background())
	if err != nil || len(tasks) != 0 {
		t.Errorf("List = %v, %v", tasks, err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlcore.yaml")
	if err := os.WriteFile(path, []byte("connections:\n  max: 12\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configFile = path
	defer func() { configFile = "" }()
	c, err := loadConfig(newGetCmd())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.Connections.Max != 12 {
		t.Errorf("connections.max = %d, want 12", c.Connections.Max)
	}
}
