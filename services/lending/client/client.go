package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendingcore/services/lending/engine"
)

// Client talks to lendingd over HTTP. It implements engine.Engine so callers
// can swap a local engine for a remote one.
type Client struct {
	baseURL    *url.URL
	token      string
	bearer     string
	httpClient *http.Client
}

var _ engine.Engine = (*Client)(nil)

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIToken authenticates as an operator.
func WithAPIToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithBearer authenticates with a JWT scoped to its subject.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = strings.TrimSpace(token) }
}

type idempotencyKey struct{}

// WithIdempotencyKey tags mutations issued with ctx so lendingd replays the
// first response when the same request is retried.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, strings.TrimSpace(key))
}

// New constructs a client pointed at the supplied base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	client := &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Error is returned for non-2xx responses. It unwraps to the matching engine
// sentinel so errors.Is works across the wire.
type Error struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lendingd %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("lendingd %d %s", e.Status, e.Code)
}

var codeSentinels = map[string]error{
	"not_found":               engine.ErrNotFound,
	"conflict":                engine.ErrConflict,
	"invalid_argument":        engine.ErrInvalidArgument,
	"invalid_amount":          engine.ErrInvalidAmount,
	"insufficient_collateral": engine.ErrInsufficientCollateral,
	"insufficient_funds":      engine.ErrInsufficientFunds,
	"idempotency_key_reused":  engine.ErrConflict,
	"repay_exceeds_debt":      engine.ErrRepayExceedsDebt,
	"insufficient_liquidity":  engine.ErrInsufficientLiquidity,
	"transfer_failed":         engine.ErrTransferFailed,
	"paused":                  engine.ErrPaused,
	"unavailable":             engine.ErrUnavailable,
	"rate_limited":            engine.ErrUnavailable,
	"unauthenticated":         engine.ErrUnauthorized,
	"forbidden":               engine.ErrUnauthorized,
	"internal":                engine.ErrInternal,
}

func (e *Error) Unwrap() error {
	if sentinel, ok := codeSentinels[e.Code]; ok {
		return sentinel
	}
	return engine.ErrInternal
}

func (c *Client) InitPool(ctx context.Context, req engine.PoolRequest) (engine.Pool, error) {
	var pool engine.Pool
	err := c.do(ctx, http.MethodPost, "/v1/pools", req, &pool)
	return pool, err
}

func (c *Client) OpenPosition(ctx context.Context, owner string) (engine.Position, error) {
	var position engine.Position
	err := c.do(ctx, http.MethodPost, "/v1/positions", map[string]string{"owner": owner}, &position)
	return position, err
}

func (c *Client) Deposit(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return c.mutate(ctx, "deposit", owner, asset, amount)
}

func (c *Client) Borrow(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return c.mutate(ctx, "borrow", owner, asset, amount)
}

func (c *Client) Repay(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return c.mutate(ctx, "repay", owner, asset, amount)
}

func (c *Client) Withdraw(ctx context.Context, owner, asset, amount string) (engine.Receipt, error) {
	return c.mutate(ctx, "withdraw", owner, asset, amount)
}

func (c *Client) GetPool(ctx context.Context, asset string) (engine.Pool, error) {
	var pool engine.Pool
	err := c.do(ctx, http.MethodGet, "/v1/pools/"+url.PathEscape(asset), nil, &pool)
	return pool, err
}

func (c *Client) ListPools(ctx context.Context) ([]engine.Pool, error) {
	var resp struct {
		Pools []engine.Pool `json:"pools"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/pools", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pools, nil
}

func (c *Client) GetPosition(ctx context.Context, owner string) (engine.Position, error) {
	var position engine.Position
	err := c.do(ctx, http.MethodGet, "/v1/positions/"+url.PathEscape(owner), nil, &position)
	return position, err
}

func (c *Client) GetHealth(ctx context.Context, owner string) (engine.Health, error) {
	var health engine.Health
	err := c.do(ctx, http.MethodGet, "/v1/positions/"+url.PathEscape(owner)+"/health", nil, &health)
	return health, err
}

func (c *Client) mutate(ctx context.Context, op, owner, asset, amount string) (engine.Receipt, error) {
	var receipt engine.Receipt
	payload := map[string]string{"asset": asset, "amount": amount}
	err := c.do(ctx, http.MethodPost, "/v1/positions/"+url.PathEscape(owner)+"/"+op, payload, &receipt)
	return receipt, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	endpoint := c.baseURL.JoinPath(path)
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key, _ := ctx.Value(idempotencyKey{}).(string); key != "" && method == http.MethodPost {
		req.Header.Set("Idempotency-Key", key)
	}
	switch {
	case c.token != "":
		req.Header.Set("X-API-Token", c.token)
	case c.bearer != "":
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", engine.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Code: "internal"}
		var decoded struct {
			Error     string `json:"error"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			apiErr.Code = decoded.Error
			apiErr.Message = decoded.Message
			apiErr.RequestID = decoded.RequestID
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, engine.ErrUnavailable) || errors.Is(err, engine.ErrPaused)
}
