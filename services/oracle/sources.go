package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"lendingcore/native/lending"
)

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// SourceConfig describes one upstream feed.
type SourceConfig struct {
	Name     string
	Type     string
	Endpoint string
	APIKey   string
	// Prices holds fixed USD prices for static sources, keyed by asset.
	Prices map[string]string
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "static":
		return NewStaticSource(label(cfg.Name, "static"), cfg.Prices, r.clock())
	case "http":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("oracle source %s: endpoint required", cfg.Name)
		}
		return &HTTPSource{
			name:     label(cfg.Name, "http"),
			client:   r.client(),
			endpoint: strings.TrimSpace(cfg.Endpoint),
			apiKey:   strings.TrimSpace(cfg.APIKey),
		}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", cfg.Type)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

// StaticSource serves fixed prices, stamped with the current time.
type StaticSource struct {
	name   string
	prices map[string]uint256.Int
	now    func() time.Time
}

// NewStaticSource parses decimal USD prices into a static source.
func NewStaticSource(name string, prices map[string]string, now func() time.Time) (*StaticSource, error) {
	if now == nil {
		now = time.Now
	}
	src := &StaticSource{name: name, prices: make(map[string]uint256.Int, len(prices)), now: now}
	for asset, raw := range prices {
		value, err := lending.ParseWAD(raw)
		if err != nil {
			return nil, fmt.Errorf("static price %s: %w", asset, err)
		}
		src.prices[strings.ToUpper(strings.TrimSpace(asset))] = value
	}
	return src, nil
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	price, ok := s.prices[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return Quote{}, fmt.Errorf("static source %s has no price for %s", s.name, asset)
	}
	return Quote{Price: price, Timestamp: s.now()}, nil
}

// HTTPSource polls a JSON endpoint of the form
// {"price":"150.25","timestamp":1700000000}. The endpoint may contain an
// {asset} placeholder; otherwise the asset is sent as a query parameter.
type HTTPSource struct {
	name     string
	client   *http.Client
	endpoint string
	apiKey   string
}

type httpQuote struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	target, err := s.url(asset)
	if err != nil {
		return Quote{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("%s returned %s: %s", s.name, resp.Status, strings.TrimSpace(string(body)))
	}
	var payload httpQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode %s response: %w", s.name, err)
	}
	price, err := lending.ParseWAD(payload.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("%s price %q: %w", s.name, payload.Price, err)
	}
	if payload.Timestamp <= 0 {
		return Quote{}, fmt.Errorf("%s returned no timestamp", s.name)
	}
	return Quote{Price: price, Timestamp: time.Unix(payload.Timestamp, 0).UTC()}, nil
}

func (s *HTTPSource) url(asset string) (string, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if strings.Contains(s.endpoint, "{asset}") {
		return strings.ReplaceAll(s.endpoint, "{asset}", url.PathEscape(asset)), nil
	}
	parsed, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	query := parsed.Query()
	query.Set("asset", asset)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
