package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/utils"
)

// API is the slice of the S3 client a connection needs.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Factory opens GetObject connections for s3://bucket/key urls.
type Factory struct {
	client API
}

func NewFactory(client API) *Factory {
	return &Factory{client: client}
}

// NewClient loads the shared AWS config, optionally for a named profile.
func NewClient(ctx context.Context, profile, region string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

func parseS3URL(url string) (string, string, error) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", fmt.Errorf("%w: %s", utils.ErrUnsupportedScheme, url)
	}
	url = strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(url, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: s3 url needs a bucket and a key", utils.ErrInvalidURL)
	}
	return parts[0], parts[1], nil
}

func (f *Factory) Create(url string) (engine.Connection, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	return &Connection{client: f.client, bucket: bucket, key: key, reqHeaders: make(http.Header)}, nil
}

// Connection maps one GetObject call onto the connection contract. Range and
// If-Match become request fields; S3 error responses surface as status codes.
type Connection struct {
	client     API
	bucket     string
	key        string
	reqHeaders http.Header

	code        int
	respHeaders http.Header
	body        io.ReadCloser
	closed      bool
}

func (c *Connection) AddHeader(name, value string) {
	c.reqHeaders.Add(name, value)
}

func (c *Connection) DispatchResume(string, int64) bool {
	return false
}

func (c *Connection) Execute(ctx context.Context) error {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key),
	}
	if r := c.reqHeaders.Get("Range"); r != "" {
		input.Range = aws.String(r)
	}
	if etag := c.reqHeaders.Get("If-Match"); etag != "" {
		input.IfMatch = aws.String(etag)
	}
	c.respHeaders = make(http.Header)
	out, err := c.client.GetObject(ctx, input)
	if err != nil {
		var re interface{ HTTPStatusCode() int }
		if errors.As(err, &re) && re.HTTPStatusCode() > 0 {
			log.Debug().Str("op", "s3/connection").Msgf("s3://%s/%s answered %d: %v", c.bucket, c.key, re.HTTPStatusCode(), err)
			c.code = re.HTTPStatusCode()
			return nil
		}
		return fmt.Errorf("error getting object: %w", err)
	}
	c.body = out.Body
	c.code = http.StatusOK
	if out.ContentRange != nil {
		c.code = http.StatusPartialContent
		c.respHeaders.Set("Content-Range", *out.ContentRange)
	}
	if out.ContentLength != nil {
		c.respHeaders.Set("Content-Length", strconv.FormatInt(*out.ContentLength, 10))
	}
	if out.ETag != nil {
		c.respHeaders.Set("ETag", *out.ETag)
	}
	if out.ContentType != nil {
		c.respHeaders.Set("Content-Type", *out.ContentType)
	}
	if out.ContentDisposition != nil {
		c.respHeaders.Set("Content-Disposition", *out.ContentDisposition)
	}
	return nil
}

func (c *Connection) RequestHeaders() http.Header  { return c.reqHeaders }
func (c *Connection) ResponseCode() int            { return c.code }
func (c *Connection) ResponseHeaders() http.Header { return c.respHeaders }

func (c *Connection) ResponseHeader(name string) string {
	return c.respHeaders.Get(name)
}

func (c *Connection) Body() io.Reader {
	if c.body == nil {
		return http.NoBody
	}
	return c.body
}

func (c *Connection) Ending() {
	if c.closed || c.body == nil {
		return
	}
	c.closed = true
	c.body.Close()
}
