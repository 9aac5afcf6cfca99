// Package sweep re-applies the matcher to still-pending orders as prices
// move: on a fixed interval across every runner with pending orders, and
// on demand for a single market.
//
// Every promotion is a conditional PENDING→MATCHED transition, so a
// concurrent cancel or a second sweep never double-applies a match.
package sweep

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oddex/exchange-core/internal/ledger"
	"github.com/oddex/exchange-core/internal/match"
	"github.com/oddex/exchange-core/internal/metrics"
	"github.com/oddex/exchange-core/internal/model"
	"github.com/oddex/exchange-core/internal/order"
	"github.com/oddex/exchange-core/internal/quotes"
	"github.com/oddex/exchange-core/internal/store"
)

// Scheduler periodically matches pending orders against fresh quotes.
type Scheduler struct {
	store    store.Store
	ledger   *ledger.Ledger
	quotes   quotes.QuoteProvider
	hub      *order.Hub // optional
	interval time.Duration
}

// NewScheduler creates an auto-match scheduler.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewScheduler(st store.Store, lg *ledger.Ledger, qp quotes.QuoteProvider, hub *order.Hub, interval time.Duration) *Scheduler {
	return &Scheduler{store: st, ledger: lg, quotes: qp, hub: hub, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
// Must be called in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("auto-match scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("auto-match scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepAll(ctx); err != nil {
				// Next tick retries; pending orders are durable.
				slog.Error("sweep pass failed", "err", err)
			}
		}
	}
}

// SweepAll matches pending orders on every runner that has any,
// returning the number of orders promoted.
func (s *Scheduler) SweepAll(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	sels, err := s.store.ListPendingSelections(ctx)
	if err != nil {
		return 0, err
	}

	var promoted int
	for _, sel := range sels {
		n, err := s.SweepSelection(ctx, sel.MarketID, sel.SelectionID)
		if err != nil {
			// Other runners still sweep; this one retries next tick.
			slog.Error("sweep failed for runner",
				"market", sel.MarketID, "selection", sel.SelectionID, "err", err)
			continue
		}
		promoted += n
	}
	return promoted, nil
}

// SweepMarket matches pending orders on one market's runners. With a
// selectionID it narrows to that runner.
func (s *Scheduler) SweepMarket(ctx context.Context, marketID, selectionID string) (int, error) {
	if selectionID != "" {
		return s.SweepSelection(ctx, marketID, selectionID)
	}

	sels, err := s.store.ListPendingSelections(ctx)
	if err != nil {
		return 0, err
	}
	var promoted int
	for _, sel := range sels {
		if sel.MarketID != marketID {
			continue
		}
		n, err := s.SweepSelection(ctx, sel.MarketID, sel.SelectionID)
		if err != nil {
			return promoted, err
		}
		promoted += n
	}
	return promoted, nil
}

// SweepSelection matches the pending orders of one runner against a
// single fresh quote. The quote is fetched before any user lock.
func (s *Scheduler) SweepSelection(ctx context.Context, marketID, selectionID string) (int, error) {
	quote, err := s.quotes.GetBestPrices(ctx, marketID, selectionID)
	if err != nil {
		// No quote means nothing can match; the orders stay pending and
		// the next sweep retries.
		metrics.QuoteFetchErrors.Inc()
		slog.Warn("quote unavailable, skipping sweep",
			"market", marketID, "selection", selectionID, "err", err)
		return 0, nil
	}

	pending, err := s.store.ListPendingOrders(ctx, marketID, selectionID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byUser := make(map[string][]model.Order)
	for _, o := range pending {
		byUser[o.UserID] = append(byUser[o.UserID], o)
	}

	var promoted int
	for userID, orders := range byUser {
		n, err := s.sweepUser(ctx, userID, orders, quote)
		if err != nil {
			slog.Error("sweep failed for user", "user", userID, "market", marketID, "err", err)
			continue
		}
		promoted += n
	}
	return promoted, nil
}

func (s *Scheduler) sweepUser(ctx context.Context, userID string, orders []model.Order, quote *model.MarketQuote) (int, error) {
	var matched []model.Order
	var snap *model.BalanceSnapshot

	err := s.ledger.WithUser(userID, func() error {
		for _, o := range orders {
			res := match.Evaluate(o.Side, o.Price, o.Size, quote)
			if res.Status != model.StatusMatched {
				continue
			}
			now := time.Now().UTC()
			ok, err := s.store.TransitionOrder(ctx, userID, o.ID,
				model.StatusPending, model.StatusMatched, res.ExecutedPrice, res.MatchedSize, now)
			if err != nil {
				return err
			}
			if !ok {
				// Cancelled or already matched since the listing; no-op.
				continue
			}
			o.Status = model.StatusMatched
			o.Price = res.ExecutedPrice
			o.Matched = res.MatchedSize
			o.UpdatedAt = now
			matched = append(matched, o)
			metrics.OrdersMatched.Inc()

			if err := s.store.AppendTransaction(ctx, &model.Transaction{
				ID:        uuid.New().String(),
				UserID:    userID,
				Type:      model.TxBetMatched,
				Amount:    o.Liability,
				OrderID:   o.ID,
				MarketID:  o.MarketID,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if len(matched) == 0 {
			return nil
		}
		var err error
		snap, err = s.ledger.RecomputeLocked(ctx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}

	if len(matched) > 0 {
		slog.Info("pending orders matched", "user", userID, "count", len(matched))
		if s.hub != nil {
			s.hub.Publish(order.Event{
				Type:    order.EventOrdersUpdated,
				Channel: order.UserChannel(userID),
				Payload: matched,
			})
			s.hub.Publish(order.Event{
				Type:    order.EventOrdersUpdated,
				Channel: order.MarketChannel(matched[0].MarketID),
				Payload: matched,
			})
			if snap != nil {
				s.hub.Publish(order.Event{
					Type:    order.EventBalanceUpdate,
					Channel: order.UserChannel(userID),
					Payload: snap,
				})
			}
		}
	}
	return len(matched), nil
}

// --- HTTP handler ---

// HandleTrigger handles POST /api/v1/markets/{marketID}/auto-match?selection_id=
func (s *Scheduler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	selectionID := r.URL.Query().Get("selection_id")

	promoted, err := s.SweepMarket(r.Context(), marketID, selectionID)
	if err != nil {
		slog.Error("triggered sweep failed", "market", marketID, "err", err)
		writeError(w, "failed to auto-match", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"matched": promoted})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
