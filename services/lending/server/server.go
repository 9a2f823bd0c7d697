package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendingcore/observability"
	"lendingcore/observability/logging"
	"lendingcore/services/lending/engine"
	"lendingcore/services/lending/journal"
	"lendingcore/services/lendingd/config"
)

const (
	requestBodyLimit = 1 << 20 // 1 MiB
	requestTimeout   = 10 * time.Second
)

// Options configures the HTTP surface.
type Options struct {
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// Metrics exposes the Prometheus registry on /metrics when set.
	Metrics http.Handler
	Timeout time.Duration
	// History serves /history when the operation journal is enabled.
	History HistoryReader
	// Prices streams oracle updates over websocket when set.
	Prices *PriceHub
	// StreamOrigins lists the browser origins allowed to open the price
	// stream. Empty admits same-origin requests only.
	StreamOrigins []string
	// Idempotency replays mutation responses by Idempotency-Key when set.
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
}

// HistoryReader lists journaled operations for an owner.
type HistoryReader interface {
	History(ctx context.Context, owner string, limit int) ([]journal.Entry, error)
}

// Service serves the lending API over HTTP/JSON.
type Service struct {
	engine  engine.Engine
	logger  *slog.Logger
	auth    *authenticator
	limiter *rateLimiter
	metrics http.Handler
	timeout time.Duration
	history HistoryReader
	prices  *PriceHub
	origins []string

	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	now            func() time.Time
}

// New constructs a lending HTTP service around engine.
func New(eng engine.Engine, logger *slog.Logger, opts Options) (*Service, error) {
	if eng == nil {
		return nil, errors.New("lending engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	idempotencyTTL := opts.IdempotencyTTL
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}
	return &Service{
		engine:         eng,
		logger:         logger,
		auth:           newAuthenticator(opts.Auth),
		limiter:        newRateLimiter(opts.RateLimit),
		metrics:        metrics,
		timeout:        timeout,
		history:        opts.History,
		prices:         opts.Prices,
		origins:        append([]string(nil), opts.StreamOrigins...),
		idempotency:    opts.Idempotency,
		idempotencyTTL: idempotencyTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Routes returns the instrumented router.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.middleware)
		v1.Use(s.auth.middleware)

		v1.Get("/pools", s.listPools)
		v1.Post("/pools", s.initPool)
		v1.Get("/pools/{asset}", s.getPool)
		v1.Get("/stream/prices", s.streamPrices)

		v1.Post("/positions", s.openPosition)
		v1.Route("/positions/{owner}", func(pr chi.Router) {
			pr.Use(s.ownerOnly)
			pr.Get("/", s.getPosition)
			pr.Get("/health", s.getHealth)
			pr.Get("/history", s.getHistory)
			pr.Post("/deposit", s.mutate("deposit", s.engine.Deposit))
			pr.Post("/borrow", s.mutate("borrow", s.engine.Borrow))
			pr.Post("/repay", s.mutate("repay", s.engine.Repay))
			pr.Post("/withdraw", s.mutate("withdraw", s.engine.Withdraw))
		})
	})

	return otelhttp.NewHandler(r, "lendingd",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic in handler",
					slog.String("route", r.URL.Path),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.Any("panic", rec))
				writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Service) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.API().Observe(route, r.Method, status, elapsed)
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ownerOnly rejects callers that may not act for the {owner} path segment.
func (s *Service) ownerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		principal, ok := PrincipalFrom(r.Context())
		if !ok || !principal.CanActFor(owner) {
			s.logger.Warn("owner mismatch",
				logging.MaskField("owner", owner),
				slog.String("method", principal.Method),
				slog.String("request_id", middleware.GetReqID(r.Context())))
			writeError(w, r, http.StatusForbidden, "caller may not act for this owner")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Service) listPools(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pools, err := s.engine.ListPools(ctx)
	if err != nil {
		s.fail(w, r, "list_pools", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}

func (s *Service) getPool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pool, err := s.engine.GetPool(ctx, chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Service) initPool(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	if !principal.Operator {
		writeError(w, r, http.StatusForbidden, "operator credentials required")
		return
	}
	var req engine.PoolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pool, err := s.engine.InitPool(ctx, req)
	if err != nil {
		s.fail(w, r, "init_pool", err)
		return
	}
	s.logger.Info("pool initialised", slog.String("asset", pool.Asset))
	writeJSON(w, http.StatusCreated, pool)
}

type openPositionRequest struct {
	Owner string `json:"owner"`
}

func (s *Service) openPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal, _ := PrincipalFrom(r.Context())
	if !principal.CanActFor(req.Owner) {
		writeError(w, r, http.StatusForbidden, "caller may not act for this owner")
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	position, err := s.engine.OpenPosition(ctx, req.Owner)
	if err != nil {
		s.fail(w, r, "open_position", err)
		return
	}
	writeJSON(w, http.StatusCreated, position)
}

func (s *Service) getPosition(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	position, err := s.engine.GetPosition(ctx, chi.URLParam(r, "owner"))
	if err != nil {
		s.fail(w, r, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (s *Service) getHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	health, err := s.engine.GetHealth(ctx, chi.URLParam(r, "owner"))
	if err != nil {
		s.fail(w, r, "get_health", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Service) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, r, http.StatusNotFound, "operation journal disabled")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	entries, err := s.history.History(ctx, chi.URLParam(r, "owner"), limit)
	if err != nil {
		s.fail(w, r, "history", err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type amountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type mutation func(ctx context.Context, owner, asset, amount string) (engine.Receipt, error)

func (s *Service) mutate(op string, fn mutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			writeError(w, r, http.StatusBadRequest, "request body required")
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("read request: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		var req amountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		s.once(w, r, op, raw, func(w http.ResponseWriter) {
			ctx, cancel := s.context(r.Context())
			defer cancel()
			receipt, err := fn(ctx, chi.URLParam(r, "owner"), req.Asset, req.Amount)
			if err != nil {
				s.fail(w, r, op, err)
				return
			}
			writeJSON(w, http.StatusOK, receipt)
		})
	}
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, _, _ := statusFor(err)
	attrs := []any{
		slog.String("operation", op),
		slog.Int("status", status),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Any("error", err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("lending request failed", attrs...)
	} else {
		s.logger.Debug("lending request rejected", attrs...)
	}
	writeEngineError(w, r, err)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestBodyLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
