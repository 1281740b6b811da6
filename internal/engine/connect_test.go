package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

type fakeResponse struct {
	code    int
	headers http.Header
	body    string
	err     error
}

// fakeFactory answers every request through respond and records what was sent.
type fakeFactory struct {
	mu       sync.Mutex
	respond  func(url string, req http.Header) fakeResponse
	dispatch bool
	urls     []string
	sent     []http.Header
}

func (f *fakeFactory) Create(url string) (Connection, error) {
	return &fakeConn{factory: f, url: url, req: make(http.Header)}, nil
}

type fakeConn struct {
	factory *fakeFactory
	url     string
	req     http.Header
	resp    fakeResponse
	body    io.Reader
	ended   int
}

func (c *fakeConn) AddHeader(name, value string)      { c.req.Add(name, value) }
func (c *fakeConn) DispatchResume(string, int64) bool { return c.factory.dispatch }
func (c *fakeConn) RequestHeaders() http.Header       { return c.req }
func (c *fakeConn) ResponseCode() int                 { return c.resp.code }
func (c *fakeConn) ResponseHeader(name string) string { return c.resp.headers.Get(name) }
func (c *fakeConn) ResponseHeaders() http.Header      { return c.resp.headers }
func (c *fakeConn) Body() io.Reader                   { return c.body }
func (c *fakeConn) Ending()                           { c.ended++ }

func (c *fakeConn) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.factory.mu.Lock()
	c.factory.urls = append(c.factory.urls, c.url)
	c.factory.sent = append(c.factory.sent, c.req.Clone())
	c.factory.mu.Unlock()
	c.resp = c.factory.respond(c.url, c.req)
	if c.resp.headers == nil {
		c.resp.headers = make(http.Header)
	}
	c.body = strings.NewReader(c.resp.body)
	return c.resp.err
}

func TestConnectSendsHeaders(t *testing.T) {
	f := &fakeFactory{respond: func(string, http.Header) fakeResponse {
		return fakeResponse{code: http.StatusPartialContent}
	}}
	user := http.Header{"X-Token": {"abc"}}
	res, err := Connect(context.Background(), f, ConnectionProfile{StartOffset: 10, CurrentOffset: 20, EndOffset: 99}, "http://host/file", `"e1"`, user)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for name, want := range map[string]string{"X-Token": "abc", "If-Match": `"e1"`, "Range": "bytes=20-99"} {
		if got := res.RequestHeaders.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if res.FinalURL != "http://host/file" || len(res.RedirectURLs) != 0 {
		t.Errorf("final url %q, redirects %v", res.FinalURL, res.RedirectURLs)
	}
}

func TestConnectOmitsRangeWhenDispatched(t *testing.T) {
	f := &fakeFactory{dispatch: true, respond: func(string, http.Header) fakeResponse {
		return fakeResponse{code: StatusResumedFromOffset}
	}}
	res, err := Connect(context.Background(), f, beginToEndProfile(100), "http://host/file", "", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := res.RequestHeaders.Get("Range"); got != "" {
		t.Errorf("Range = %q, want none", got)
	}
	if got := res.RequestHeaders.Get("If-Match"); got != "" {
		t.Errorf("If-Match = %q without an etag", got)
	}
}

func TestConnectDropsUserRangeAndIfMatch(t *testing.T) {
	f := &fakeFactory{respond: func(string, http.Header) fakeResponse {
		return fakeResponse{code: http.StatusPartialContent}
	}}
	user := http.Header{"Range": {"bytes=5-"}, "If-Match": {`"stale"`}, "X-Keep": {"1"}}
	res, err := Connect(context.Background(), f, beginToEndProfile(40), "http://host/file", `"e1"`, user)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sent := f.sent[0]
	if got := sent.Values("Range"); len(got) != 1 || got[0] != "bytes=40-" {
		t.Errorf("Range sent as %v", got)
	}
	if got := sent.Values("If-Match"); len(got) != 1 || got[0] != `"e1"` {
		t.Errorf("If-Match sent as %v", got)
	}
	if res.RequestHeaders.Get("X-Keep") != "1" {
		t.Errorf("other user headers dropped: %v", res.RequestHeaders)
	}
}

func TestConnectFollowsRedirects(t *testing.T) {
	f := &fakeFactory{respond: func(url string, _ http.Header) fakeResponse {
		switch url {
		case "http://a/start":
			return fakeResponse{code: http.StatusFound, headers: http.Header{"Location": {"http://b/next"}}}
		case "http://b/next":
			return fakeResponse{code: http.StatusTemporaryRedirect, headers: http.Header{"Location": {"/final?x=1"}}}
		}
		return fakeResponse{code: http.StatusOK}
	}}
	res, err := Connect(context.Background(), f, beginToEndProfile(0), "http://a/start", "", http.Header{"X-A": {"1"}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.FinalURL != "http://b/final?x=1" {
		t.Errorf("final url = %q", res.FinalURL)
	}
	want := []string{"http://b/next", "http://b/final?x=1"}
	if fmt.Sprint(res.RedirectURLs) != fmt.Sprint(want) {
		t.Errorf("redirects = %v, want %v", res.RedirectURLs, want)
	}
	for i, h := range f.sent {
		if h.Get("X-A") != "1" || h.Get("Range") != "bytes=0-" {
			t.Errorf("hop %d headers = %v", i, h)
		}
	}
}

func TestConnectRedirectLimit(t *testing.T) {
	hop := 0
	f := &fakeFactory{respond: func(string, http.Header) fakeResponse {
		hop++
		return fakeResponse{code: http.StatusFound, headers: http.Header{"Location": {fmt.Sprintf("http://host/%d", hop)}}}
	}}
	_, err := Connect(context.Background(), f, beginToEndProfile(0), "http://host/0", "", nil)
	var redirectErr *RedirectError
	if !errors.As(err, &redirectErr) {
		t.Fatalf("error = %v, want RedirectError", err)
	}
	if len(redirectErr.URLs) != MaxRedirects {
		t.Errorf("followed %d redirects, want %d", len(redirectErr.URLs), MaxRedirects)
	}
	if Retryable(err) {
		t.Error("redirect errors must not be retried")
	}
}

func TestConnectRedirectWithoutLocation(t *testing.T) {
	f := &fakeFactory{respond: func(string, http.Header) fakeResponse {
		return fakeResponse{code: http.StatusMovedPermanently}
	}}
	_, err := Connect(context.Background(), f, beginToEndProfile(0), "http://host/x", "", nil)
	var redirectErr *RedirectError
	if !errors.As(err, &redirectErr) || !strings.Contains(redirectErr.Reason, "Location") {
		t.Fatalf("error = %v, want missing Location", err)
	}
}

func TestConnectExecuteError(t *testing.T) {
	boom := errors.New("connection reset")
	f := &fakeFactory{respond: func(string, http.Header) fakeResponse {
		return fakeResponse{err: boom}
	}}
	if _, err := Connect(context.Background(), f, beginToEndProfile(0), "http://host/x", "", nil); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}
