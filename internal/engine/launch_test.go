package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dlhttp "github.com/tanq16/dlcore/internal/downloaders/http"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/notify"
	"github.com/tanq16/dlcore/internal/sink"
	"github.com/tanq16/dlcore/internal/storage"
	"github.com/tanq16/dlcore/internal/types"
	"github.com/tanq16/dlcore/internal/utils"
)

const etag = `"v1"`

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i * 7) % 253)
	}
	return data
}

// rangeServer serves data with Range and If-Match support and counts requests.
type rangeServer struct {
	*httptest.Server
	data     []byte
	requests atomic.Int32
	mu       sync.Mutex
	ranges   []string
	matches  []string
}

func (rs *rangeServer) record(r *http.Request) {
	rs.requests.Add(1)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ranges = append(rs.ranges, r.Header.Get("Range"))
	rs.matches = append(rs.matches, r.Header.Get("If-Match"))
}

func (rs *rangeServer) seen() (ranges, matches []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.ranges...), append([]string(nil), rs.matches...)
}

func (rs *rangeServer) reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ranges, rs.matches = nil, nil
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	t.Helper()
	rs := &rangeServer{data: data}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.record(r)
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "file.bin", time.Unix(0, 0), bytes.NewReader(rs.data))
	}))
	t.Cleanup(rs.Close)
	return rs
}

// newSlowServer answers "bytes=a-" and "bytes=a-b" ranges in 16 KiB pieces
// with a short pause between them, so a test can stop a download midway.
func newSlowServer(t *testing.T, data []byte) *rangeServer {
	t.Helper()
	rs := &rangeServer{data: data}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.record(r)
		w.Header().Set("ETag", etag)
		w.Header().Set("Accept-Ranges", "bytes")
		start, end := 0, len(data)-1
		if rng := r.Header.Get("Range"); rng != "" {
			from, to, _ := strings.Cut(strings.TrimPrefix(rng, "bytes="), "-")
			start, _ = strconv.Atoi(from)
			if to != "" {
				end, _ = strconv.Atoi(to)
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
			w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		}
		flusher := w.(http.Flusher)
		for off := start; off <= end; off += 16 * 1024 {
			if _, err := w.Write(data[off:min(off+16*1024, end+1)]); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(rs.Close)
	return rs
}

type harness struct {
	reg      *engine.Registry
	opts     engine.Options
	store    *storage.Memory
	recorder *notify.Recorder
	dir      string
}

func newHarness(t *testing.T, policy engine.ConnectionCountPolicy) *harness {
	t.Helper()
	store := storage.NewMemory()
	client := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 10 * time.Second, UserAgent: utils.ToolUserAgent})
	reg, err := engine.NewRegistry(engine.Components{
		Connections: dlhttp.NewFactory(client),
		Sinks:       sink.NewFileFactory(false),
		Policy:      policy,
		Store:       store,
		Disk:        engine.DiskSpaceFunc(func(string) (int64, error) { return 1 << 40, nil }),
	}, 8)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	opts := engine.DefaultOptions()
	opts.RetryAttempts = 3
	opts.RetryBackoff = 5 * time.Millisecond
	opts.CheckpointMinBytes = 16 * 1024
	return &harness{reg: reg, opts: opts, store: store, recorder: notify.NewRecorder(true), dir: t.TempDir()}
}

func (h *harness) task(req engine.Request) types.Task {
	id := engine.TaskID(req.URL, req.Path, req.PathAsDirectory)
	if t, err := h.store.Find(context.Background(), id); err == nil {
		return t
	}
	return types.Task{ID: id, URL: req.URL, Path: req.Path, PathAsDirectory: req.PathAsDirectory}
}

func (h *harness) launch(req engine.Request, listener types.Listener) *engine.Launch {
	if listener == nil {
		listener = h.recorder
	}
	cb := engine.NewStatusCallback(h.task(req), h.store, listener, h.reg.Disk, h.opts)
	cb.OnPending(context.Background())
	return engine.NewLaunch(h.reg, h.opts, req, cb)
}

func (h *harness) run(req engine.Request) string {
	l := h.launch(req, nil)
	l.Run(context.Background())
	return l.ID()
}

func (h *harness) last(t *testing.T, id string) types.Snapshot {
	t.Helper()
	s, ok := h.recorder.Latest(id)
	if !ok {
		t.Fatalf("no snapshot for %s", id)
	}
	return s
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s differs: %d bytes, want %d", path, len(got), len(want))
	}
}

// seedPartial stores a paused single-connection task with the first n bytes on disk.
func (h *harness) seedPartial(t *testing.T, req engine.Request, data []byte, n int, tag string) {
	t.Helper()
	task := h.task(req)
	task.Status = types.StatusPaused
	task.SoFar = int64(n)
	task.Total = int64(len(data))
	task.ETag = tag
	task.ConnectionCount = 1
	if err := os.MkdirAll(filepath.Dir(task.TempPath()), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(task.TempPath(), data[:min(n, len(data))], 0644); err != nil {
		t.Fatal(err)
	}
	if n > len(data) {
		f, err := os.OpenFile(task.TempPath(), os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			t.Fatal(err)
		}
		f.Write(make([]byte, n-len(data)))
		f.Close()
	}
	if err := h.store.Insert(context.Background(), task); err != nil {
		t.Fatal(err)
	}
}

// seedConnections marks the seeded task as split over count connections and
// stores records for it.
func (h *harness) seedConnections(t *testing.T, req engine.Request, count int, records []types.Connection) {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.Find(ctx, engine.TaskID(req.URL, req.Path, req.PathAsDirectory))
	if err != nil {
		t.Fatal(err)
	}
	task.ConnectionCount = count
	if err := h.store.Update(ctx, task); err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if err := h.store.InsertConnection(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
}

func connectedSnapshots(h *harness, id string) []types.Snapshot {
	var out []types.Snapshot
	for _, s := range h.recorder.History(id) {
		if s.Kind == types.KindConnected {
			out = append(out, s)
		}
	}
	return out
}

func TestLaunchMultiConnection(t *testing.T) {
	data := payload(10 << 20)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(3))
	target := filepath.Join(h.dir, "big.bin")

	id := h.run(engine.Request{URL: srv.URL + "/big.bin", Path: target})
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, target, data)
	if got := srv.requests.Load(); got != 4 {
		t.Errorf("server saw %d requests, want 1 opening request + 3 ranges", got)
	}
	kinds := h.recorder.Kinds(id)
	if kinds[0] != types.KindPending || kinds[1] != types.KindStarted || kinds[2] != types.KindConnected {
		t.Errorf("kinds start with %v", kinds[:3])
	}
	if _, err := h.store.Find(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record kept after completion: %v", err)
	}
	conns, _ := h.store.FindConnections(context.Background(), id)
	if len(conns) != 0 {
		t.Errorf("connection records kept: %v", conns)
	}
	if _, err := os.Stat(filepath.Join(h.dir, types.TempDirName)); !os.IsNotExist(err) {
		t.Errorf("temp directory left behind: %v", err)
	}
}

func TestLaunchServerIgnoringRange(t *testing.T) {
	data := payload(300 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Write(data)
	}))
	defer srv.Close()
	h := newHarness(t, engine.FixedPolicy(4))
	target := filepath.Join(h.dir, "plain.bin")

	id := h.run(engine.Request{URL: srv.URL, Path: target})
	if s := h.last(t, id); s.Kind != types.KindCompleted || s.Total != int64(len(data)) {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, target, data)
}

func TestLaunchChunked(t *testing.T) {
	data := payload(100 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for off := 0; off < len(data); off += 8192 {
			w.Write(data[off:min(off+8192, len(data))])
			flusher.Flush()
		}
	}))
	defer srv.Close()
	h := newHarness(t, engine.FixedPolicy(2))
	target := filepath.Join(h.dir, "stream.bin")

	id := h.run(engine.Request{URL: srv.URL, Path: target})
	s := h.last(t, id)
	if s.Kind != types.KindCompleted || s.Total != int64(len(data)) {
		t.Fatalf("last snapshot = %+v", s)
	}
	for _, snap := range h.recorder.History(id) {
		if snap.Kind == types.KindConnected && snap.Total != types.TotalChunked {
			t.Errorf("connected total = %d, want chunked", snap.Total)
		}
	}
	assertFile(t, target, data)
}

func TestLaunchResumesSingleConnection(t *testing.T) {
	data := payload(200 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(1))
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "resume.bin")}
	h.seedPartial(t, req, data, 50*1024, etag)

	id := h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	for _, s := range h.recorder.History(id) {
		if s.Kind == types.KindConnected && (!s.Resumed || s.SoFar != 50*1024) {
			t.Errorf("connected snapshot = %+v, want resumed at 50KiB", s)
		}
	}
	if ranges, _ := srv.seen(); ranges[0] != "bytes=51200-" {
		t.Errorf("first range = %q", ranges[0])
	}
	assertFile(t, req.Path, data)
}

func TestLaunchPreconditionFailedRestarts(t *testing.T) {
	data := payload(200 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(2))
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "changed.bin")}
	h.seedPartial(t, req, bytes.Repeat([]byte{0xff}, len(data)), 64*1024, `"old"`)

	id := h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, req.Path, data)
	for _, s := range h.recorder.History(id) {
		if s.Kind == types.KindConnected && s.Resumed {
			t.Errorf("restart after a changed etag must not resume: %+v", s)
		}
	}
}

func TestLaunchRangeNotSatisfiableRestartsOnce(t *testing.T) {
	data := payload(64 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(1))
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "past-end.bin")}
	h.seedPartial(t, req, data, len(data)+100, etag)

	id := h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, req.Path, data)
}

func TestLaunchFatalStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	h := newHarness(t, engine.FixedPolicy(1))

	id := h.run(engine.Request{URL: srv.URL + "/missing", Path: filepath.Join(h.dir, "missing.bin")})
	s := h.last(t, id)
	if s.Kind != types.KindError || !strings.Contains(s.Error, "404") {
		t.Fatalf("last snapshot = %+v", s)
	}
	stored, err := h.store.Find(context.Background(), id)
	if err != nil || stored.Status != types.StatusError {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func TestLaunchRetriesServerErrors(t *testing.T) {
	data := payload(32 * 1024)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "f", time.Unix(0, 0), bytes.NewReader(data))
	}))
	defer srv.Close()
	h := newHarness(t, engine.FixedPolicy(1))
	target := filepath.Join(h.dir, "flaky.bin")

	id := h.run(engine.Request{URL: srv.URL, Path: target})
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	retries := 0
	for _, k := range h.recorder.Kinds(id) {
		if k == types.KindRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("saw %d retry snapshots, want 2", retries)
	}
	assertFile(t, target, data)
}

func TestLaunchRetryBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	h := newHarness(t, engine.FixedPolicy(1))

	id := h.run(engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "down.bin")})
	if s := h.last(t, id); s.Kind != types.KindError || !strings.Contains(s.Error, "502") {
		t.Fatalf("last snapshot = %+v", s)
	}
}

func TestLaunchOutOfSpace(t *testing.T) {
	data := payload(64 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(1))
	h.reg.Disk = engine.DiskSpaceFunc(func(string) (int64, error) { return 1024, nil })

	id := h.run(engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "full.bin")})
	s := h.last(t, id)
	if s.Kind != types.KindError || !strings.Contains(s.Error, "not enough space") {
		t.Fatalf("last snapshot = %+v", s)
	}
}

func TestLaunchDirectoryTarget(t *testing.T) {
	data := payload(16 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("ETag", etag)
		http.ServeContent(w, r, "", time.Unix(0, 0), bytes.NewReader(data))
	}))
	defer srv.Close()
	h := newHarness(t, engine.FixedPolicy(1))
	req := engine.Request{URL: srv.URL + "/dl?id=3", Path: h.dir, PathAsDirectory: true}

	id := h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted || s.Path != filepath.Join(h.dir, "report.pdf") {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, filepath.Join(h.dir, "report.pdf"), data)

	// the resolved file now exists, so a second run reuses it
	id = h.run(req)
	if s := h.last(t, id); !s.Reused {
		t.Errorf("second run snapshot = %+v, want reused", s)
	}
	if _, err := h.store.Find(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("reuse left a record behind: %v", err)
	}
}

func TestLaunchPauseAndResume(t *testing.T) {
	data := payload(1 << 20)
	srv := newSlowServer(t, data)
	h := newHarness(t, engine.FixedPolicy(1))
	h.opts.ProgressMinBytes = 16 * 1024
	h.opts.ProgressMinInterval = 0
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "paused.bin")}

	var l *engine.Launch
	var once sync.Once
	l = h.launch(req, types.ListenerFunc(func(s types.Snapshot) {
		h.recorder.Notify(s)
		if s.Kind == types.KindProgress && s.SoFar >= 64*1024 {
			once.Do(l.Pause)
		}
	}))
	l.Run(context.Background())

	id := l.ID()
	if s := h.last(t, id); s.Kind != types.KindPaused {
		t.Fatalf("last snapshot = %+v", s)
	}
	stored, err := h.store.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.Status != types.StatusPaused || stored.SoFar <= 0 || stored.SoFar >= int64(len(data)) {
		t.Fatalf("stored after pause = %+v", stored)
	}
	info, err := os.Stat(stored.TempPath())
	if err != nil || info.Size() < stored.SoFar {
		t.Fatalf("partial file = %v, %v", info, err)
	}

	h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("resumed snapshot = %+v", s)
	}
	assertFile(t, req.Path, data)
}

func TestLaunchCancelledContextPauses(t *testing.T) {
	data := payload(64 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := h.launch(engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "never.bin")}, nil)
	l.Run(ctx)
	if s := h.last(t, l.ID()); s.Kind != types.KindPaused {
		t.Fatalf("last snapshot = %+v", s)
	}
	if srv.requests.Load() != 0 {
		t.Errorf("cancelled launch made %d requests", srv.requests.Load())
	}
}

func TestLaunchMultiPauseAndResume(t *testing.T) {
	data := payload(3 << 20)
	total := int64(len(data))
	srv := newSlowServer(t, data)
	h := newHarness(t, engine.FixedPolicy(3))
	h.opts.ProgressMinBytes = 16 * 1024
	h.opts.ProgressMinInterval = 0
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "parts.bin")}

	var l *engine.Launch
	var once sync.Once
	l = h.launch(req, types.ListenerFunc(func(s types.Snapshot) {
		h.recorder.Notify(s)
		if s.Kind == types.KindProgress && s.SoFar >= 1<<20 {
			once.Do(l.Pause)
		}
	}))
	l.Run(context.Background())
	id := l.ID()
	if s := h.last(t, id); s.Kind != types.KindPaused {
		t.Fatalf("last snapshot = %+v", s)
	}

	ctx := context.Background()
	stored, err := h.store.Find(ctx, id)
	if err != nil || stored.ConnectionCount != 3 {
		t.Fatalf("stored after pause = %+v, %v", stored, err)
	}
	records, err := h.store.FindConnections(ctx, id)
	if err != nil || len(records) != 3 {
		t.Fatalf("records after pause = %v, %v", records, err)
	}
	var fetched int64
	for i, want := range engine.Partition(id, total, 3) {
		r := records[i]
		if r.StartOffset != want.StartOffset || r.EndOffset != want.EndOffset {
			t.Errorf("record %d = [%d,%d], want [%d,%d]", i, r.StartOffset, r.EndOffset, want.StartOffset, want.EndOffset)
		}
		if r.CurrentOffset < r.StartOffset || r.Remaining(total) < 0 {
			t.Errorf("record %d current %d outside its range", i, r.CurrentOffset)
		}
		fetched += r.Fetched()
	}
	if fetched <= 0 || fetched >= total || fetched != stored.SoFar {
		t.Fatalf("records hold %d bytes, task so far %d", fetched, stored.SoFar)
	}

	srv.reset()
	h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("resumed snapshot = %+v", s)
	}
	assertFile(t, req.Path, data)

	want := []string{fmt.Sprintf("bytes=%d-", fetched)}
	for _, r := range records {
		if r.Remaining(total) > 0 {
			want = append(want, engine.ConnectionProfile{CurrentOffset: r.CurrentOffset, EndOffset: r.EndOffset}.RangeHeader())
		}
	}
	got, _ := srv.seen()
	if len(got) != len(want) {
		t.Fatalf("resumed run sent ranges %v, want %v", got, want)
	}
	sort.Strings(got[1:])
	sort.Strings(want[1:])
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("resumed run sent ranges %v, want %v", got, want)
	}

	connected := connectedSnapshots(h, id)
	resumed := connected[len(connected)-1]
	if !resumed.Resumed || resumed.SoFar != fetched {
		t.Errorf("resumed connected snapshot = %+v, want resumed at %d", resumed, fetched)
	}
	last := fetched
	after := false
	for _, s := range h.recorder.History(id) {
		if s.Kind == types.KindConnected && s.Resumed {
			after = true
		}
		if after && s.Kind == types.KindProgress {
			if s.SoFar < last {
				t.Fatalf("progress went back from %d to %d", last, s.SoFar)
			}
			last = s.SoFar
		}
	}
}

func TestLaunchConnectionCountMismatchRestarts(t *testing.T) {
	data := payload(200 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(3))
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "mismatch.bin")}
	h.seedPartial(t, req, bytes.Repeat([]byte{0xee}, len(data)), len(data)/2, etag)
	h.seedConnections(t, req, 3, nil)

	id := h.run(req)
	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, req.Path, data)
	if ranges, _ := srv.seen(); ranges[0] != "bytes=0-" {
		t.Errorf("first range = %q, want a restart from 0", ranges[0])
	}
	connected := connectedSnapshots(h, id)
	if len(connected) != 1 || connected[0].Resumed || connected[0].SoFar != 0 {
		t.Errorf("connected snapshots = %+v", connected)
	}
}

func TestLaunchPreconditionFailedClearsConnections(t *testing.T) {
	data := payload(200 * 1024)
	srv := newRangeServer(t, data)
	h := newHarness(t, engine.FixedPolicy(3))
	req := engine.Request{URL: srv.URL, Path: filepath.Join(h.dir, "replaced.bin")}
	h.seedPartial(t, req, bytes.Repeat([]byte{0xff}, len(data)), len(data), `"old"`)
	id := engine.TaskID(req.URL, req.Path, false)
	records := engine.Partition(id, int64(len(data)), 3)
	for i := range records {
		records[i].CurrentOffset += 10 * 1024
	}
	h.seedConnections(t, req, 3, records)

	// connected is delivered on the launch goroutine, before the new partition is stored
	var leftover []types.Connection
	checked := false
	l := h.launch(req, types.ListenerFunc(func(s types.Snapshot) {
		h.recorder.Notify(s)
		if s.Kind == types.KindConnected && !checked {
			checked = true
			leftover, _ = h.store.FindConnections(context.Background(), s.TaskID)
		}
	}))
	l.Run(context.Background())

	if s := h.last(t, id); s.Kind != types.KindCompleted {
		t.Fatalf("last snapshot = %+v", s)
	}
	assertFile(t, req.Path, data)
	if !checked || len(leftover) != 0 {
		t.Errorf("records left after the restart: %v", leftover)
	}

	ranges, matches := srv.seen()
	if ranges[0] != "bytes=30720-" || matches[0] != `"old"` {
		t.Errorf("first request = %q with If-Match %q", ranges[0], matches[0])
	}
	stale := 0
	for _, m := range matches {
		if m == `"old"` {
			stale++
		}
	}
	if stale != 1 {
		t.Errorf("sent the stale etag %d times, want one restart", stale)
	}
	if ranges[1] != "bytes=0-" || matches[1] != etag {
		t.Errorf("second request = %q with If-Match %q", ranges[1], matches[1])
	}
	connected := connectedSnapshots(h, id)
	if len(connected) != 1 || connected[0].Resumed {
		t.Errorf("connected snapshots = %+v", connected)
	}
}
