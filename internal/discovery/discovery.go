// Package discovery probes a backend's health endpoint and classifies the
// result for the boot sequence.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"santinel/internal/protocol"
)

// Retry policy. Linear on purpose: the backend is local or on the LAN and
// either comes up quickly or not at all.
const (
	// MaxAttempts bounds the retries that follow the first probe.
	MaxAttempts  = 3
	Backoff      = 1500 * time.Millisecond
	ProbeTimeout = 2 * time.Second

	DefaultPort    = "3001"
	DefaultAddress = "http://localhost:" + DefaultPort
)

var ErrUnreachable = errors.New("backend unreachable")

// Outcome classifies a single probe.
type Outcome int

const (
	OutcomeUnreachable Outcome = iota
	OutcomeServerError
	OutcomeSetupRequired
	OutcomeReady
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeSetupRequired:
		return "setup_required"
	case OutcomeServerError:
		return "server_error"
	default:
		return "unreachable"
	}
}

// Result is what Probe observed.
type Result struct {
	Outcome Outcome
	Report  *protocol.HealthReport
	Err     error
}

// Client talks to one backend address.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for address, which is normalized first.
// token, if non-empty, is sent as a bearer token on setup requests.
func NewClient(address, token string) *Client {
	return &Client{
		baseURL:    NormalizeAddress(address),
		token:      token,
		httpClient: &http.Client{},
	}
}

// BaseURL returns the normalized backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe issues one bounded GET /api/health. It never returns an error;
// failures are folded into the outcome.
func (c *Client) Probe(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Outcome: OutcomeServerError, Err: fmt.Errorf("health returned %d", resp.StatusCode)}
	}

	var report protocol.HealthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&report); err != nil {
		return Result{Outcome: OutcomeServerError, Err: fmt.Errorf("decode health report: %w", err)}
	}

	switch report.Modules.AI {
	case protocol.AIConnected:
		return Result{Outcome: OutcomeReady, Report: &report}
	case protocol.AIMissingKey:
		return Result{Outcome: OutcomeSetupRequired, Report: &report}
	default:
		return Result{Outcome: OutcomeServerError, Report: &report,
			Err: fmt.Errorf("unknown ai module status %q", report.Modules.AI)}
	}
}

// Setup submits an API key to the backend.
func (c *Client) Setup(ctx context.Context, apiKey string) (*protocol.SetupResponse, error) {
	body, err := json.Marshal(protocol.SetupRequest{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/config/setup", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build setup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read setup response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e protocol.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("setup rejected (%d): %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("setup rejected (%d)", resp.StatusCode)
	}

	var out protocol.SetupResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode setup response: %w", err)
	}
	return &out, nil
}

// NormalizeAddress turns what a user types ("192.168.1.20",
// "host:8080", "https://box") into a base URL: http:// is assumed when no
// scheme is given and port 3001 when no port is given. Trailing slashes
// are removed.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return DefaultAddress
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return strings.TrimRight(address, "/")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// WebsocketURL maps a base URL to the terminal channel URL.
func WebsocketURL(base string) string {
	base = NormalizeAddress(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws/terminal"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws/terminal"
	default:
		return base + "/ws/terminal"
	}
}
