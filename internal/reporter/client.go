package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proctord/internal/protocol"
)

// Client errors. A transport failure (unreachable server, non-200 status,
// unparseable body) and a server rejection (success:false) both send the
// reporter down the fallback path; the sentinel lets callers tell them
// apart when they need to.
var (
	ErrServerRejected = errors.New("reporter: server rejected the request")
)

// DefaultReportTimeout bounds one report round trip. A stalled call must
// eventually fail so the fallback path can take over.
const DefaultReportTimeout = 10 * time.Second

// ClientConfig configures the report client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:8441".
	BaseURL string
	// Token is the per-session report credential.
	Token string
	// Timeout bounds each call; zero means DefaultReportTimeout.
	Timeout time.Duration
}

// Client is the authenticated HTTP client the agent reports and submits
// through. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a report client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("reporter: base URL is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("reporter: session token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "reporter"),
	}, nil
}

// Report sends one violation and returns the server's decision.
func (c *Client) Report(ctx context.Context, eventType string, details *string) (*protocol.ReportResult, error) {
	req := protocol.ReportRequest{EventType: eventType, Details: details}
	var out protocol.ReportResult
	if err := c.post(ctx, protocol.PathViolations, &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit sends a submission through the same credential.
func (c *Client) Submit(ctx context.Context, req *protocol.SubmitRequest) (*protocol.SubmitResult, error) {
	var out protocol.SubmitResult
	if err := c.post(ctx, protocol.PathSubmissions, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post runs one round trip: marshal, send, check the transport status,
// unwrap the envelope. Anything other than HTTP 200 is a transport
// failure; a 200 with success:false is a server rejection.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}

	var env protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		msg := "no error message"
		if env.Error != nil {
			msg = *env.Error
		}
		return fmt.Errorf("%w: %s", ErrServerRejected, msg)
	}

	if err := env.DecodeData(out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
