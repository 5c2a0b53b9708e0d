package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eyevi-dev/hostagent/pkg/observability"
	"github.com/eyevi-dev/hostagent/pkg/registry"
)

// Defaults for dispatch behavior. All are overridable via Options; they are
// configuration, not protocol constants.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultUnhealthyCooldown = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// Timeout is the hard per-dispatch deadline.
	Timeout time.Duration
	// RetryBackoff is the delay before the single transport-level retry.
	RetryBackoff time.Duration
	// UnhealthyCooldown is how long a failed agent stays marked down.
	UnhealthyCooldown time.Duration
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client dispatches tasks to remote agents over HTTP JSON.
type Client struct {
	registry *registry.Registry
	http     *http.Client
	timeout  time.Duration
	backoff  time.Duration
	cooldown time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a protocol client sharing the given registry's health state.
func NewClient(reg *registry.Registry, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.UnhealthyCooldown <= 0 {
		opts.UnhealthyCooldown = DefaultUnhealthyCooldown
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		registry: reg,
		http:     httpClient,
		timeout:  opts.Timeout,
		backoff:  opts.RetryBackoff,
		cooldown: opts.UnhealthyCooldown,
		limiters: make(map[string]*rate.Limiter),
	}
}

// wire formats
type handleRequest struct {
	SessionID string        `json:"session_id"`
	Message   string        `json:"message"`
	Context   []ContextTurn `json:"context,omitempty"`
	Files     []string      `json:"files,omitempty"`
}

type handleResponse struct {
	Response string          `json:"response"`
	Data     json.RawMessage `json:"data,omitempty"`
	AgentID  string          `json:"agent_id"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Dispatch sends a task to the agent described by desc and returns the
// normalized result. Failures come back as *DispatchError; as a side effect
// every attempt updates the agent's advisory health state.
func (c *Client) Dispatch(ctx context.Context, desc registry.AgentDescriptor, task Task) (*Result, error) {
	start := time.Now()
	res, err := c.dispatch(ctx, desc, task)

	status := "success"
	if err != nil {
		var de *DispatchError
		if errors.As(err, &de) {
			status = string(de.Kind)
		} else {
			status = "error"
		}
	}
	observability.RecordDispatch(desc.ID, status, time.Since(start))
	return res, err
}

func (c *Client) dispatch(ctx context.Context, desc registry.AgentDescriptor, task Task) (*Result, error) {
	// A known-down agent short-circuits without a network call. The mark is
	// advisory; it expires on its own and the next real attempt re-probes.
	if !c.registry.IsHealthy(desc.ID) {
		return nil, &DispatchError{
			Kind:    KindUnreachable,
			AgentID: desc.ID,
			Message: "agent is marked unhealthy",
		}
	}

	if lim := c.limiter(desc); lim != nil && !lim.Allow() {
		return nil, &DispatchError{
			Kind:    KindUnreachable,
			AgentID: desc.ID,
			Message: "dispatch rate limit exceeded",
		}
	}

	body, err := json.Marshal(handleRequest{
		SessionID: task.SessionID,
		Message:   task.Message,
		Context:   task.Context,
		Files:     task.Files,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimSuffix(desc.Address, "/") + "/handle"

	resp, err := c.do(ctx, url, body)
	if err != nil {
		// Transport failed on both attempts, or the deadline elapsed. Only a
		// genuine deadline expiry counts as a timeout; a refused connection
		// stays unreachable even when the clock ran out during the backoff.
		kind := KindUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		c.registry.MarkUnhealthy(desc.ID, time.Now().Add(c.cooldown))
		return nil, &DispatchError{
			Kind:    kind,
			AgentID: desc.ID,
			Message: err.Error(),
			Err:     err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.registry.MarkUnhealthy(desc.ID, time.Now().Add(c.cooldown))
		return nil, &DispatchError{
			Kind:    KindUnreachable,
			AgentID: desc.ID,
			Message: "read response: " + err.Error(),
			Err:     err,
		}
	}

	var envelope handleResponse
	if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && envelope.Error != nil {
		// Well-formed error from the agent itself. Its payload passes through
		// verbatim, but an errored attempt still cools the agent down; only a
		// successful answer restores health.
		c.registry.MarkUnhealthy(desc.ID, time.Now().Add(c.cooldown))
		return nil, &DispatchError{
			Kind:    KindAgent,
			AgentID: desc.ID,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}

	if resp.StatusCode != http.StatusOK {
		c.registry.MarkUnhealthy(desc.ID, time.Now().Add(c.cooldown))
		return nil, &DispatchError{
			Kind:    KindAgent,
			AgentID: desc.ID,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: strings.TrimSpace(string(raw)),
		}
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.registry.MarkUnhealthy(desc.ID, time.Now().Add(c.cooldown))
		return nil, &DispatchError{
			Kind:    KindAgent,
			AgentID: desc.ID,
			Code:    "malformed_response",
			Message: err.Error(),
			Err:     err,
		}
	}

	if envelope.AgentID != "" && envelope.AgentID != desc.ID {
		return nil, &DispatchError{
			Kind:    KindAgent,
			AgentID: desc.ID,
			Code:    "agent_mismatch",
			Message: fmt.Sprintf("dispatched to %q but %q answered", desc.ID, envelope.AgentID),
		}
	}

	// The dispatch attempt is the authoritative health signal.
	c.registry.MarkHealthy(desc.ID)

	return &Result{
		Text:    envelope.Response,
		Data:    envelope.Data,
		AgentID: desc.ID,
	}, nil
}

// do performs the POST with a single backoff retry on transport failure.
// This is a synchronous user-facing path, so one retry only.
func (c *Client) do(ctx context.Context, url string, body []byte) (*http.Response, error) {
	resp, err := c.post(ctx, url, body)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}

	select {
	case <-time.After(c.backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.post(ctx, url, body)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// limiter returns the per-agent rate limiter, creating it on first use.
// Agents without a configured rate limit are unthrottled.
func (c *Client) limiter(desc registry.AgentDescriptor) *rate.Limiter {
	if desc.RateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[desc.ID]
	if !ok {
		burst := int(desc.RateLimit)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(desc.RateLimit), burst)
		c.limiters[desc.ID] = lim
	}
	return lim
}
