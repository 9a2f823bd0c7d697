package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lendingcore/native/lending"
	"lendingcore/services/oracle"
)

const (
	wsWriteTimeout     = 10 * time.Second
	subscriberCapacity = 16
)

// PriceUpdate is the websocket payload for one oracle median.
type PriceUpdate struct {
	Asset      string    `json:"asset"`
	Price      string    `json:"priceUsd"`
	Feeders    []string  `json:"feeders"`
	ProofID    string    `json:"proofId"`
	ObservedAt time.Time `json:"observedAt"`
}

// PriceHub fans oracle updates out to websocket subscribers. It implements
// oracle.Publisher. New subscribers first receive the latest update per asset.
type PriceHub struct {
	mu     sync.Mutex
	latest map[string]PriceUpdate
	subs   map[chan PriceUpdate]struct{}
}

var _ oracle.Publisher = (*PriceHub)(nil)

func NewPriceHub() *PriceHub {
	return &PriceHub{
		latest: make(map[string]PriceUpdate),
		subs:   make(map[chan PriceUpdate]struct{}),
	}
}

// PublishOracleUpdate records update and delivers it to every subscriber.
// Subscribers whose buffer is full miss the update rather than block the oracle.
func (h *PriceHub) PublishOracleUpdate(_ context.Context, update oracle.Update) error {
	payload := PriceUpdate{
		Asset:      strings.ToUpper(update.Asset),
		Price:      lending.FormatWAD(update.Median),
		Feeders:    append([]string(nil), update.Feeders...),
		ProofID:    update.ProofID,
		ObservedAt: update.Time.UTC(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[payload.Asset] = payload
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of updates, the current backlog and a cancel func.
func (h *PriceHub) Subscribe() (<-chan PriceUpdate, []PriceUpdate, func()) {
	ch := make(chan PriceUpdate, subscriberCapacity)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	backlog := make([]PriceUpdate, 0, len(h.latest))
	for _, update := range h.latest {
		backlog = append(backlog, update)
	}
	h.mu.Unlock()
	sort.Slice(backlog, func(i, j int) bool { return backlog[i].Asset < backlog[j].Asset })

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
	return ch, backlog, cancel
}

func (s *Service) streamPrices(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, r, http.StatusNotFound, "price stream disabled")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.writePrices(ctx, conn); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Warn("price stream aborted", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Service) writePrices(ctx context.Context, conn *websocket.Conn) error {
	updates, backlog, cancel := s.prices.Subscribe()
	defer cancel()
	for _, update := range backlog {
		if err := writePriceUpdate(ctx, conn, update); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			if err := writePriceUpdate(ctx, conn, update); err != nil {
				return err
			}
		}
	}
}

func writePriceUpdate(ctx context.Context, conn *websocket.Conn, update PriceUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
