package server

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"lukechampine.com/blake3"

	"lendingcore/services/lending/idempotency"
)

const (
	headerIdempotency      = "Idempotency-Key"
	headerIdempotencyCache = "X-Idempotency-Cache"
	defaultIdempotencyTTL  = 24 * time.Hour
	maxIdempotencyKeyLen   = 128
)

// IdempotencyStore caches mutation responses by caller-supplied key.
type IdempotencyStore interface {
	Reserve(key, requestHash string, now time.Time, ttl time.Duration) (idempotency.Record, bool, error)
	Complete(key string, record idempotency.Record) error
	Release(key string) error
}

// capturingWriter tees the response so it can be stored after the handler
// returns.
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

// once runs handle at most once per Idempotency-Key. Completed responses below
// 500 are replayed verbatim; server failures release the key for a retry.
func (s *Service) once(w http.ResponseWriter, r *http.Request, op string, body []byte, handle func(http.ResponseWriter)) {
	raw := strings.TrimSpace(r.Header.Get(headerIdempotency))
	if s.idempotency == nil || raw == "" {
		handle(w)
		return
	}
	if len(raw) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, "idempotency key too long")
		return
	}
	key := s.idempotencyKey(r, raw)
	digest := blake3.Sum256(body)
	requestHash := hex.EncodeToString(digest[:])
	now := s.now()

	record, found, err := s.idempotency.Reserve(key, requestHash, now, s.idempotencyTTL)
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: "request with this idempotency key is in flight", RequestID: middleware.GetReqID(r.Context())})
		return
	case errors.Is(err, idempotency.ErrKeyReused):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "idempotency_key_reused", Message: err.Error(), RequestID: middleware.GetReqID(r.Context())})
		return
	case err != nil:
		s.logger.Error("idempotency store unavailable", slog.String("operation", op), slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "idempotency store unavailable", RequestID: middleware.GetReqID(r.Context())})
		return
	}
	if found {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerIdempotencyCache, "hit")
		w.WriteHeader(record.StatusCode)
		_, _ = w.Write(record.Body)
		return
	}

	capture := &capturingWriter{ResponseWriter: w}
	handle(capture)
	if retryableStatus(capture.status) {
		if err := s.idempotency.Release(key); err != nil {
			s.logger.Warn("idempotency release failed", slog.String("operation", op), slog.Any("error", err))
		}
		return
	}
	if err := s.idempotency.Complete(key, idempotency.Record{
		RequestHash: requestHash,
		StatusCode:  capture.status,
		Body:        capture.body.Bytes(),
		StoredAt:    now,
		ExpiresAt:   now.Add(s.idempotencyTTL),
	}); err != nil {
		s.logger.Error("idempotency record not stored", slog.String("operation", op), slog.Any("error", err))
	}
}

// retryableStatus reports whether a response reflects a condition that may
// clear on retry, in which case it is not cached.
func retryableStatus(status int) bool {
	return status == 0 || status == http.StatusFailedDependency || status >= http.StatusInternalServerError
}

// idempotencyKey scopes the caller's key to the authenticated principal and
// route so two callers cannot collide.
func (s *Service) idempotencyKey(r *http.Request, raw string) string {
	principal, _ := PrincipalFrom(r.Context())
	return strings.Join([]string{principal.Method, principal.Subject, r.Method, r.URL.Path, raw}, "|")
}
