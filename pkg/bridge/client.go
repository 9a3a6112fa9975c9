// Package bridge implements the HTTP client for the native bridge service:
// script execution, preregistered function calls, health probes, and the
// SSE event stream with reconnect handling.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vox-deorum/strategos/pkg/config"
	"github.com/vox-deorum/strategos/pkg/fault"
	"github.com/vox-deorum/strategos/pkg/models"
)

// Client talks to the native bridge over HTTP. Execute, Call, and Health
// are safe for concurrent use; the event stream lives in Broadcaster.
//
// Two connection pools back the client: the standard pool serves script
// execution and installs, the fast pool serves preregistered calls and
// reads where latency matters more than throughput.
type Client struct {
	baseURL      string
	standard     *http.Client
	fast         *http.Client
	writeTimeout time.Duration
	readTimeout  time.Duration
	logger       *slog.Logger
}

// NewClient builds a bridge client from resolved configuration.
func NewClient(cfg *config.Bridge) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		standard:     newPooledClient(cfg.StandardPool),
		fast:         newPooledClient(cfg.FastPool),
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  cfg.ReadTimeout,
		logger:       slog.Default().With("component", "bridge"),
	}
}

func newPooledClient(poolSize int) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        poolSize,
			MaxIdleConnsPerHost: poolSize,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// BaseURL returns the bridge base URL the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// execRequest is the /script/exec body. Function and Args are present only
// for installs: the bridge loads the script under that name instead of
// running it once.
type execRequest struct {
	Script   string   `json:"script"`
	Function string   `json:"function,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// callRequest is the /script/call body.
type callRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// Execute compiles and runs a script once. The returned envelope reports
// script-level failure through its Error field; a non-nil error means the
// request itself failed (network, timeout, undecodable response).
func (c *Client) Execute(ctx context.Context, script string) (*models.BridgeResult, error) {
	return c.post(ctx, c.standard, "/script/exec", execRequest{Script: script}, c.writeTimeout)
}

// Install loads a script into the bridge as a named function with the given
// positional argument names. Idempotent on the bridge side.
func (c *Client) Install(ctx context.Context, name string, args []string, script string) (*models.BridgeResult, error) {
	body := execRequest{Script: script, Function: name, Args: args}
	return c.post(ctx, c.standard, "/script/exec", body, c.writeTimeout)
}

// Call invokes a previously installed function with positional args.
// Preregistered calls ride the fast pool.
func (c *Client) Call(ctx context.Context, name string, args []any) (*models.BridgeResult, error) {
	if args == nil {
		args = []any{}
	}
	return c.post(ctx, c.fast, "/script/call", callRequest{Function: name, Args: args}, c.writeTimeout)
}

// CallRead is Call with the shorter read deadline applied by default.
// Used for getter functions whose results feed knowledge refresh.
func (c *Client) CallRead(ctx context.Context, name string, args []any) (*models.BridgeResult, error) {
	if args == nil {
		args = []any{}
	}
	return c.post(ctx, c.fast, "/script/call", callRequest{Function: name, Args: args}, c.readTimeout)
}

// Health probes the bridge. Uses the fast pool and the read deadline.
func (c *Client) Health(ctx context.Context) (*models.BridgeHealth, error) {
	ctx, cancel := c.ensureDeadline(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "build health request")
	}

	resp, err := c.fast.Do(req)
	if err != nil {
		return nil, c.transportFault("/health", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read health response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindBridgeError, "bridge health returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var health models.BridgeHealth
	if err := json.Unmarshal(raw, &health); err != nil {
		return nil, fault.Wrap(fault.KindBridgeError, err, "decode health response")
	}
	return &health, nil
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, path string, body any, timeout time.Duration) (*models.BridgeResult, error) {
	ctx, cancel := c.ensureDeadline(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "marshal bridge request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "build bridge request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, c.transportFault(path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindDependencyFailed, err, "read bridge response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindBridgeError, "bridge %s returned HTTP %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result models.BridgeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fault.Wrap(fault.KindBridgeError, err, "decode bridge response")
	}
	return &result, nil
}

// ensureDeadline applies the default timeout only when the caller did not
// set one.
func (c *Client) ensureDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// transportFault classifies a request error. Expired deadlines carry a
// distinct kind from connection failures.
func (c *Client) transportFault(path string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err, "bridge %s", path)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fault.Wrap(fault.KindTimeout, err, "bridge %s", path)
	}
	return fault.Wrap(fault.KindDependencyFailed, err, "bridge %s", path)
}

// Retry runs an idempotent bridge operation up to maxAttempts times with
// exponential backoff between attempts. Never use for writes: a timed-out
// write may have committed.
func Retry(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	var lastErr error
	delay := base
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !fault.Retryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindCancelled, ctx.Err(), "retry aborted after attempt %d", attempt)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// resultError converts a failed envelope into a typed fault carrying the
// upstream error body unchanged.
func resultError(op string, result *models.BridgeResult) error {
	if result.Error == nil {
		return fault.New(fault.KindBridgeError, "%s failed without error detail", op)
	}
	detail, _ := json.Marshal(result.Error)
	return fault.New(fault.KindBridgeError, "%s: %s", op, string(detail))
}
