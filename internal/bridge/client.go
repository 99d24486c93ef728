// Package bridge is a thin client for the local Hue bridge v1 REST API.
//
// It never retries: every failure is returned to the caller, wrapped in
// ErrTransport, ErrProtocol or as a *Error reported by the bridge.
package bridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

const hueAppKeyHeader = "hue-application-key"

// Config holds the bridge address and credentials.
type Config struct {
	Host        string // host[:port]
	Scheme      string // "https" (default) or "http"
	APIPath     string // usually "api"
	APIKey      string // bridge username
	Timeout     time.Duration
	InsecureTLS bool // bridges ship self-signed certificates
}

// Client issues requests against a single Hue bridge. It is stateless and
// safe for concurrent use.
type Client struct {
	cfg        Config
	log        *slog.Logger
	httpClient *http.Client
	sseClient  *sse.Client
}

// NewClient creates a bridge client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.APIPath == "" {
		cfg.APIPath = "api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	// The event stream is long-lived, so it gets a client without a timeout.
	streamClient := &http.Client{Transport: transport}

	return &Client{
		cfg:        cfg,
		log:        logger.With("component", "bridge"),
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		sseClient:  &sse.Client{HTTPClient: streamClient},
	}
}

// Host returns the configured bridge host.
func (c *Client) Host() string { return c.cfg.Host }

func (c *Client) url(parts ...string) string {
	p := append([]string{strings.Trim(c.cfg.APIPath, "/"), c.cfg.APIKey}, parts...)
	return fmt.Sprintf("%s://%s/%s", c.cfg.Scheme, c.cfg.Host, strings.Join(p, "/"))
}

// do performs the request and returns the body of a 200 response.
func (c *Client) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, transportErr(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportErr(err)
	}
	defer res.Body.Close()

	c.log.Debug("request complete", "method", method, "path", req.URL.Path, "status", res.StatusCode)

	if res.StatusCode != http.StatusOK {
		return nil, &Error{Status: res.StatusCode}
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, transportErr(err)
	}
	return data, nil
}

// envelopeError inspects a response that may be a list of
// {"success": ...} / {"error": ...} entries. It returns nil when the body
// is not a list.
func envelopeError(data []byte) (isList bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return false, nil
	}

	var entries []struct {
		Success json.RawMessage `json:"success"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return true, protocolErr("decode envelope: %v", err)
	}
	if len(entries) == 0 {
		return true, protocolErr("empty response envelope")
	}
	for _, e := range entries {
		if e.Error != nil {
			return true, e.Error
		}
	}
	if entries[0].Success == nil {
		return true, protocolErr("no success entry in response")
	}
	return true, nil
}
