package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whookdev/inspector/internal/models"
)

const DefaultTimeout = time.Second

const (
	HeaderForwardedFor = "x-forwarded-for"
	HeaderProjectID    = "x-project-id"
)

// skipped headers are owned by the outbound transport.
var skipped = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"connection":        {},
	"transfer-encoding": {},
}

type Request struct {
	Target  string
	Method  string
	Query   models.Query
	Headers map[string]string
	// Body is sent verbatim as JSON text.
	Body         json.RawMessage
	ForwardedFor string
	ProjectID    string
}

type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func New(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    httpClient,
		timeout: timeout,
		logger:  logger.With("component", "relay"),
	}
}

// Relay performs exactly one outbound call and reports whether the target
// answered with a 2xx inside the timeout. Failures are logged, never returned.
func (c *Client) Relay(ctx context.Context, req Request) bool {
	logger := c.logger.With("project", req.ProjectID, "method", req.Method, "target", req.Target)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proxyReq, err := c.build(ctx, req)
	if err != nil {
		logger.Error("failed to create relay request", "error", err)
		return false
	}

	start := time.Now()
	resp, err := c.http.Do(proxyReq)
	if err != nil {
		logger.Error("failed to relay request", "error", err, "elapsed", time.Since(start))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("relay target rejected request", "status", resp.StatusCode, "elapsed", time.Since(start))
		return false
	}

	logger.Debug("relayed request", "status", resp.StatusCode, "elapsed", time.Since(start))
	return true
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	targetURL, err := BuildURL(req.Target, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if hasBody(req.Body) {
		body = bytes.NewReader(req.Body)
	}

	proxyReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, body)
	if err != nil {
		return nil, err
	}

	for name, value := range req.Headers {
		if _, skip := skipped[strings.ToLower(name)]; skip {
			continue
		}
		proxyReq.Header.Set(name, value)
	}
	if req.ForwardedFor != "" {
		proxyReq.Header.Set(HeaderForwardedFor, req.ForwardedFor)
	}
	if req.ProjectID != "" {
		proxyReq.Header.Set(HeaderProjectID, req.ProjectID)
	}

	return proxyReq, nil
}

// BuildURL appends every query entry to target, keeping order and any keys
// the target already carries.
func BuildURL(target string, query models.Query) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing relay target: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("relay target %q is not an absolute URL", target)
	}
	if len(query) == 0 {
		return u.String(), nil
	}

	var sb strings.Builder
	sb.WriteString(u.RawQuery)
	for _, p := range query {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.Value))
	}
	u.RawQuery = sb.String()
	return u.String(), nil
}

// hasBody treats falsy JSON literals as no body at all.
func hasBody(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "false", "0":
		return false
	}
	return true
}
