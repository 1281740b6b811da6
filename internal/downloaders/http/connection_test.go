package dlhttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/utils"
)

func TestConnectionSendsHeadersAndDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/file", http.StatusFound)
		case "/file":
			if got := r.Header.Get("Range"); got != "bytes=2-" {
				t.Errorf("Range = %q", got)
			}
			if got := r.Header.Get("User-Agent"); got != utils.ToolUserAgent {
				t.Errorf("User-Agent = %q", got)
			}
			w.Header().Set("Content-Range", "bytes 2-4/5")
			w.Header().Set("Content-Length", "3")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "llo")
		}
	}))
	defer srv.Close()

	f := NewFactory(utils.NewHTTPClient(utils.HTTPClientConfig{}))
	conn, err := f.Create(srv.URL + "/moved")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if conn.ResponseCode() != http.StatusFound {
		t.Fatalf("code = %d, want 302", conn.ResponseCode())
	}
	if conn.ResponseHeader("Location") != "/file" {
		t.Errorf("Location = %q", conn.ResponseHeader("Location"))
	}
	conn.Ending()
	conn.Ending()

	conn, _ = f.Create(srv.URL + "/file")
	conn.AddHeader("Range", "bytes=2-")
	if err := conn.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer conn.Ending()
	if conn.ResponseCode() != http.StatusPartialContent {
		t.Fatalf("code = %d", conn.ResponseCode())
	}
	if conn.ResponseHeader("Content-Length") != "3" {
		t.Errorf("Content-Length = %q", conn.ResponseHeader("Content-Length"))
	}
	body, _ := io.ReadAll(conn.Body())
	if string(body) != "llo" {
		t.Errorf("body = %q", body)
	}
}

func TestConnectionChunkedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "part one ")
		w.(http.Flusher).Flush()
		io.WriteString(w, "part two")
	}))
	defer srv.Close()

	conn, _ := NewFactory(utils.NewHTTPClient(utils.HTTPClientConfig{})).Create(srv.URL)
	if err := conn.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer conn.Ending()
	if got := conn.ResponseHeader("Transfer-Encoding"); got != "chunked" {
		t.Errorf("Transfer-Encoding = %q, want chunked", got)
	}
	if got := conn.ResponseHeader("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want empty", got)
	}
}

func TestFactoryRejectsOtherSchemes(t *testing.T) {
	_, err := NewFactory(utils.NewHTTPClient(utils.HTTPClientConfig{})).Create("ftp://example.com/file")
	if !errors.Is(err, utils.ErrUnsupportedScheme) {
		t.Errorf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestConnectReportsClientDefaults(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	tokens, err := utils.TokenSource("tok", "")
	if err != nil {
		t.Fatal(err)
	}
	client := utils.NewHTTPClient(utils.HTTPClientConfig{
		UserAgent:   "dlcore-test",
		Headers:     map[string]string{"X-Config": "yes"},
		TokenSource: tokens,
	})

	res, err := engine.Connect(context.Background(), NewFactory(client), engine.ConnectionProfile{}, srv.URL, "", http.Header{"X-User": {"1"}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer res.Conn.Ending()
	want := map[string]string{
		"User-Agent":    "dlcore-test",
		"X-Config":      "yes",
		"Authorization": "Bearer tok",
		"X-User":        "1",
		"Range":         "bytes=0-",
	}
	for name, value := range want {
		if got := res.RequestHeaders.Get(name); got != value {
			t.Errorf("reported %s = %q, want %q", name, got, value)
		}
		if got := seen.Get(name); got != value {
			t.Errorf("server saw %s = %q, want %q", name, got, value)
		}
	}
}
