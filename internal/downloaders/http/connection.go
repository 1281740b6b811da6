package dlhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/utils"
)

// Factory opens plain GET connections through the shared client.
type Factory struct {
	client *utils.HTTPClient
}

func NewFactory(client *utils.HTTPClient) *Factory {
	return &Factory{client: client}
}

func (f *Factory) Create(rawURL string) (engine.Connection, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidURL, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", utils.ErrUnsupportedScheme, parsedURL.Scheme)
	}
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %w", err)
	}
	return &Connection{client: f.client, req: req}, nil
}

// Connection is one GET exchange. Redirects come back as responses.
type Connection struct {
	client *utils.HTTPClient
	req    *http.Request
	resp   *http.Response
	closed bool
}

func (c *Connection) AddHeader(name, value string) {
	c.req.Header.Add(name, value)
}

// DispatchResume is false: plain HTTP resumes through the Range header.
func (c *Connection) DispatchResume(string, int64) bool {
	return false
}

func (c *Connection) Execute(ctx context.Context) error {
	c.req = c.req.WithContext(ctx)
	resp, err := c.client.Do(c.req)
	if err != nil {
		return fmt.Errorf("error executing GET request: %w", err)
	}
	c.resp = resp
	return nil
}

func (c *Connection) RequestHeaders() http.Header {
	return c.req.Header
}

func (c *Connection) ResponseCode() int {
	if c.resp == nil {
		return 0
	}
	return c.resp.StatusCode
}

// ResponseHeader also answers for the headers net/http moves out of the
// header map (Content-Length, Transfer-Encoding).
func (c *Connection) ResponseHeader(name string) string {
	if c.resp == nil {
		return ""
	}
	switch http.CanonicalHeaderKey(name) {
	case "Content-Length":
		if c.resp.ContentLength < 0 {
			return ""
		}
		return strconv.FormatInt(c.resp.ContentLength, 10)
	case "Transfer-Encoding":
		return strings.Join(c.resp.TransferEncoding, ",")
	}
	return c.resp.Header.Get(name)
}

func (c *Connection) ResponseHeaders() http.Header {
	if c.resp == nil {
		return nil
	}
	return c.resp.Header
}

func (c *Connection) Body() io.Reader {
	if c.resp == nil {
		return http.NoBody
	}
	return c.resp.Body
}

func (c *Connection) Ending() {
	if c.closed || c.resp == nil {
		return
	}
	c.closed = true
	c.resp.Body.Close()
}
