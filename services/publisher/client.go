package publisher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"relpub/pkg/jsonapi"
)

// maxResponseBytes bounds how much of an API response body is read.
const maxResponseBytes = 8 << 20

// ObjectStore uploads content addressed by bucket and key. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// Client talks to the release-management API and to the storage provider that receives artifact
// content.
type Client struct {
	cfg      Config
	api      *http.Client
	register *http.Client
	storage  *http.Client
	objects  ObjectStore
	logger   *logrus.Entry
}

// Option customises a Client.
type Option func(*Client)

// WithTransport routes API and storage requests through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.api.Transport = rt
		c.storage.Transport = rt
	}
}

// WithObjectStore enables s3:// upload targets.
func WithObjectStore(store ObjectStore) Option {
	return func(c *Client) {
		c.objects = store
	}
}

// WithLogger sets the logger used for per-call progress lines.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logrus.NewEntry(logger)
		}
	}
}

// NewClient builds a Client for cfg.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		cfg:     cfg,
		api:     &http.Client{Timeout: cfg.Timeout},
		storage: &http.Client{},
		logger:  logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Artifact registration answers with a redirect to the storage provider. The redirect must be
	// handed back to the caller, not followed.
	register := *c.api
	register.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.register = &register

	return c, nil
}

type response struct {
	resource *jsonapi.Resource
	header   http.Header
}

// call sends a JSON:API request to the account-scoped path and decodes the response document.
// A nil payload sends no body.
func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, payload *jsonapi.Resource) (*response, error) {
	var body io.Reader
	if payload != nil {
		data, err := jsonapi.Encode(*payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", payload.Type, err)
		}
		body = bytes.NewReader(data)
	}

	url := c.cfg.AccountURL() + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.ProductToken)
	req.Header.Set("Accept", jsonapi.MediaType)
	req.Header.Set("Keygen-Version", c.cfg.apiVersion())
	if payload != nil {
		req.Header.Set("Content-Type", jsonapi.MediaType)
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"url":    url,
	}).Debug("sending api request")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	res, err := jsonapi.Decode(resp.StatusCode, data)
	if err != nil {
		return nil, err
	}
	return &response{resource: res, header: resp.Header}, nil
}
