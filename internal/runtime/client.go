package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"fable/internal/logging"
)

// Sentinel errors for upstream status mapping. Callers branch with errors.Is.
var (
	ErrUnauthorized       = errors.New("runtime rejected credentials")
	ErrNotFound           = errors.New("runtime endpoint not found")
	ErrRateLimited        = errors.New("runtime rate limited")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
)

const defaultConnectTimeout = 10 * time.Second

// Config locates the upstream story runtime.
type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
}

// Client opens turn streams against the upstream runtime.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient builds a streaming-capable client. The underlying http.Client
// carries no overall timeout because turn streams stay open for minutes;
// connect and header latency are bounded instead.
func NewClient(cfg Config, logger logging.Logger) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: connectTimeout,
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Transport: transport},
		logger:     logging.OrNop(logger),
	}
}

// Attachment references an already-hosted file included with a turn input.
type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// TurnRequest starts one assistant turn on the runtime.
type TurnRequest struct {
	SessionID   string            `json:"session_id"`
	RunID       string            `json:"run_id"`
	Input       string            `json:"input"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OpenTurn POSTs the turn request and returns the envelope stream. The
// returned stream must be closed; cancelling ctx aborts the in-flight read.
func (c *Client) OpenTurn(ctx context.Context, req TurnRequest) (*EventStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connect runtime: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, statusError(resp.StatusCode, detail)
	}

	c.logger.Debug("turn stream open: session=%s run=%s", req.SessionID, req.RunID)
	return NewEventStream(resp.Body, c.logger), nil
}

const maxErrorBody = 8 * 1024

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func statusError(status int, detail string) error {
	if detail == "" {
		detail = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (status %d): %s", ErrUnauthorized, status, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w (status %d): %s", ErrNotFound, status, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status %d): %s", ErrRateLimited, status, detail)
	case status >= 500:
		return fmt.Errorf("%w (status %d): %s", ErrRuntimeUnavailable, status, detail)
	default:
		return fmt.Errorf("runtime returned status %d: %s", status, detail)
	}
}
