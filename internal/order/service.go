// Package order orchestrates the order lifecycle: batch placement with
// atomic funds admission, immediate matching against the external price
// ladder, cancellation, and user-facing queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/exposure"
	"github.com/oddex/exchange-core/internal/ledger"
	"github.com/oddex/exchange-core/internal/match"
	"github.com/oddex/exchange-core/internal/metrics"
	"github.com/oddex/exchange-core/internal/model"
	"github.com/oddex/exchange-core/internal/quotes"
	"github.com/oddex/exchange-core/internal/store"
)

// Service handles order placement, cancellation, and queries. All ledger
// mutations run behind the per-user lock; quote and event lookups are
// external calls and always happen before the lock is taken.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	quotes quotes.QuoteProvider
	events quotes.EventInfoProvider
	hub    *Hub // optional WebSocket hub for real-time pushes
}

// NewService creates an order service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, lg *ledger.Ledger, qp quotes.QuoteProvider, ep quotes.EventInfoProvider, hub *Hub) *Service {
	return &Service{store: st, ledger: lg, quotes: qp, events: ep, hub: hub}
}

// --- Request/Response types ---

// OrderRequest is one order inside a placement batch.
type OrderRequest struct {
	MarketID    string          `json:"market_id"`
	SelectionID string          `json:"selection_id"`
	Side        model.Side      `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
}

// PlaceOrdersRequest is the JSON body for POST /orders.
type PlaceOrdersRequest struct {
	UserID string         `json:"user_id"`
	Orders []OrderRequest `json:"orders"`
}

// PlaceOrdersResponse reports the outcome of a placement batch. The
// batch is all-or-nothing: Accepted false means nothing was persisted.
type PlaceOrdersResponse struct {
	Accepted bool                   `json:"accepted"`
	Reason   string                 `json:"reason,omitempty"`
	Orders   []model.Order          `json:"orders"`
	Balance  *model.BalanceSnapshot `json:"balance,omitempty"`
}

// CancelResponse reports the ledger state after a cancellation.
type CancelResponse struct {
	Cancelled int                    `json:"cancelled"`
	Order     *model.Order           `json:"order,omitempty"`
	Balance   *model.BalanceSnapshot `json:"balance"`
}

// DepositRequest is the JSON body for POST /users/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// --- Validation ---

var one = decimal.NewFromInt(1)

func validateOrder(o OrderRequest) error {
	if o.MarketID == "" {
		return errors.New("market_id is required")
	}
	if o.SelectionID == "" {
		return errors.New("selection_id is required")
	}
	if o.Side != model.Back && o.Side != model.Lay {
		return errors.New("side must be BACK or LAY")
	}
	if o.Price.LessThanOrEqual(one) {
		return errors.New("price must be greater than 1.0")
	}
	if !o.Size.IsPositive() {
		return errors.New("size must be positive")
	}
	return nil
}

// --- HTTP Handlers ---

// PlaceOrders handles POST /api/v1/orders
// Admits the whole batch against the user's capacity, persists it
// atomically as PENDING, then matches each order against the prefetched
// ladder and finishes with an authoritative recompute.
func (s *Service) PlaceOrders(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Orders) == 0 {
		writeError(w, "orders must not be empty", http.StatusBadRequest)
		return
	}
	for i, o := range req.Orders {
		if err := validateOrder(o); err != nil {
			metrics.OrdersRejected.WithLabelValues("validation").Inc()
			writeError(w, fmt.Sprintf("order %d: %s", i, err), http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()

	// External lookups happen before the user lock: a stalled quote fetch
	// must never stall fund reservation. Enrichment failures degrade to
	// placeholders, quote failures to an empty ladder — never an error.
	infos := make(map[string]model.EventInfo)
	ladders := make(map[string]*model.MarketQuote)
	for _, o := range req.Orders {
		if _, ok := infos[o.MarketID]; !ok {
			info, err := s.events.GetEventInfo(ctx, o.MarketID)
			if err != nil {
				info = model.PlaceholderEventInfo()
			}
			infos[o.MarketID] = info
		}
		key := model.RunnerKey(o.MarketID, o.SelectionID)
		if _, ok := ladders[key]; !ok {
			q, err := s.quotes.GetBestPrices(ctx, o.MarketID, o.SelectionID)
			if err != nil {
				metrics.QuoteFetchErrors.Inc()
				q = nil
			}
			ladders[key] = q
		}
	}

	now := time.Now().UTC()
	candidates := make([]model.Order, 0, len(req.Orders))
	for _, o := range req.Orders {
		price := o.Price.Round(2)
		size := o.Size.Round(2)
		info := infos[o.MarketID]
		candidates = append(candidates, model.Order{
			ID:          uuid.New().String(),
			UserID:      req.UserID,
			MarketID:    o.MarketID,
			SelectionID: o.SelectionID,
			Side:        o.Side,
			Price:       price,
			Size:        size,
			Liability:   exposure.OrderLiability(o.Side, price, size),
			Status:      model.StatusPending,
			EventName:   info.EventName,
			Category:    info.Category,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	var snap *model.BalanceSnapshot
	err := s.ledger.WithUser(req.UserID, func() error {
		acct, err := s.ledger.Account(ctx, req.UserID)
		if err != nil {
			return err
		}
		existing, err := s.store.ListActiveOrders(ctx, req.UserID)
		if err != nil {
			return err
		}
		runners, err := s.marketRunners(ctx, existing, candidates)
		if err != nil {
			return err
		}

		simulated, err := exposure.Admit(acct.WalletBalance, existing, candidates, runners)
		if err != nil {
			return err
		}

		additional := simulated.TotalLiability.Sub(acct.ReservedLiability)
		if additional.IsNegative() {
			additional = decimal.Zero
		}
		if err := ledger.Reserve(acct, additional); err != nil {
			return err
		}
		acct.UpdatedAt = now

		txn := &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			Type:      model.TxBetPlaced,
			Amount:    additional,
			MarketID:  candidates[0].MarketID,
			CreatedAt: now,
		}
		if err := s.store.InsertOrderBatch(ctx, acct, candidates, txn); err != nil {
			return fmt.Errorf("persist order batch: %w", err)
		}

		// Past this point the batch and its reservation are committed, so
		// nothing may fail the request anymore. Match-apply failures leave
		// the order PENDING for the sweep to resume, and recompute is
		// idempotent; both are logged and retried, never surfaced.
		for i := range candidates {
			o := &candidates[i]
			res := match.Evaluate(o.Side, o.Price, o.Size, ladders[model.RunnerKey(o.MarketID, o.SelectionID)])
			if res.Status != model.StatusMatched {
				continue
			}
			at := time.Now().UTC()
			// Promotion is conditioned on the order still being PENDING so
			// a racing sweep can never double-apply.
			ok, err := s.store.TransitionOrder(ctx, req.UserID, o.ID,
				model.StatusPending, model.StatusMatched, res.ExecutedPrice, res.MatchedSize, at)
			if err != nil {
				slog.Error("match apply failed, order stays pending for sweep",
					"user", req.UserID, "order", o.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
			o.Status = model.StatusMatched
			o.Price = res.ExecutedPrice
			o.Matched = res.MatchedSize
			o.UpdatedAt = at
			if err := s.store.AppendTransaction(ctx, &model.Transaction{
				ID:        uuid.New().String(),
				UserID:    req.UserID,
				Type:      model.TxBetMatched,
				Amount:    o.Liability,
				OrderID:   o.ID,
				MarketID:  o.MarketID,
				CreatedAt: at,
			}); err != nil {
				slog.Error("match audit entry lost", "user", req.UserID, "order", o.ID, "err", err)
			}
		}

		if snap, err = s.ledger.RecomputeLocked(ctx, req.UserID); err != nil {
			slog.Error("recompute after placement failed, retried on next mutation",
				"user", req.UserID, "err", err)
			snap = nil
		}
		return nil
	})

	if errors.Is(err, exposure.ErrInsufficientFunds) {
		metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
		writeJSON(w, http.StatusConflict, PlaceOrdersResponse{
			Accepted: false,
			Reason:   "insufficient funds",
			Orders:   []model.Order{},
		})
		return
	}
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("storage").Inc()
		slog.Error("order placement failed", "user", req.UserID, "err", err)
		writeError(w, "failed to place orders", http.StatusInternalServerError)
		return
	}

	for _, o := range candidates {
		metrics.OrdersPlaced.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	}

	fields := []any{"user", req.UserID, "count", len(candidates)}
	if snap != nil {
		fields = append(fields,
			"wallet", snap.WalletBalance.String(),
			"liability", snap.TotalLiability.String(),
		)
	}
	slog.Info("orders placed", fields...)

	s.notifyOrders(req.UserID, candidates)
	s.notifyBalance(snap)

	writeJSON(w, http.StatusCreated, PlaceOrdersResponse{
		Accepted: true,
		Orders:   candidates,
		Balance:  snap,
	})
}

// marketRunners collects each touched market's known runner set from the
// persisted order population. Candidate selections not yet persisted are
// picked up by the exposure calculator itself.
func (s *Service) marketRunners(ctx context.Context, existing, candidates []model.Order) (map[string][]string, error) {
	runners := make(map[string][]string)
	for _, o := range existing {
		if _, ok := runners[o.MarketID]; ok {
			continue
		}
		sels, err := s.store.ListMarketRunners(ctx, o.MarketID)
		if err != nil {
			return nil, err
		}
		runners[o.MarketID] = sels
	}
	for _, o := range candidates {
		if _, ok := runners[o.MarketID]; ok {
			continue
		}
		sels, err := s.store.ListMarketRunners(ctx, o.MarketID)
		if err != nil {
			return nil, err
		}
		runners[o.MarketID] = sels
	}
	return runners, nil
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel?user_id=...
// Only PENDING orders cancel; a concurrent match or repeat cancel is
// reported as "no eligible order found", not an error.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	var snap *model.BalanceSnapshot
	var cancelled *model.Order
	err := s.ledger.WithUser(userID, func() error {
		o, err := s.store.GetOrder(ctx, userID, orderID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		ok, err := s.store.TransitionOrder(ctx, userID, orderID,
			model.StatusPending, model.StatusCancelled, decimal.Zero, decimal.Zero, now)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
		o.Status = model.StatusCancelled
		o.UpdatedAt = now
		cancelled = o

		if err := s.store.AppendTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.TxBetCancelled,
			Amount:    o.Liability,
			Released:  o.Liability,
			OrderID:   o.ID,
			MarketID:  o.MarketID,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		snap, err = s.ledger.RecomputeLocked(ctx, userID)
		return err
	})

	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no eligible order found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("order cancel failed", "user", userID, "order", orderID, "err", err)
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled", "user", userID, "order", orderID, "released", cancelled.Liability.String())

	if s.hub != nil {
		s.hub.Publish(Event{Type: EventOrderCancelled, Channel: UserChannel(userID), Payload: cancelled})
		s.hub.Publish(Event{Type: EventOrderCancelled, Channel: MarketChannel(cancelled.MarketID), Payload: cancelled})
	}
	s.notifyBalance(snap)

	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: 1, Order: cancelled, Balance: snap})
}

// CancelAllPending handles POST /api/v1/orders/cancel-all?user_id=...
func (s *Service) CancelAllPending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	var snap *model.BalanceSnapshot
	var cancelled []model.Order
	err := s.ledger.WithUser(userID, func() error {
		pending, err := s.store.ListOrders(ctx, userID, model.OrderFilter{Status: model.StatusPending})
		if err != nil {
			return err
		}
		for _, o := range pending {
			now := time.Now().UTC()
			ok, err := s.store.TransitionOrder(ctx, userID, o.ID,
				model.StatusPending, model.StatusCancelled, decimal.Zero, decimal.Zero, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			o.Status = model.StatusCancelled
			o.UpdatedAt = now
			cancelled = append(cancelled, o)
			if err := s.store.AppendTransaction(ctx, &model.Transaction{
				ID:        uuid.New().String(),
				UserID:    userID,
				Type:      model.TxBetCancelled,
				Amount:    o.Liability,
				Released:  o.Liability,
				OrderID:   o.ID,
				MarketID:  o.MarketID,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		snap, err = s.ledger.RecomputeLocked(ctx, userID)
		return err
	})
	if err != nil {
		slog.Error("cancel-all failed", "user", userID, "err", err)
		writeError(w, "failed to cancel orders", http.StatusInternalServerError)
		return
	}

	for _, o := range cancelled {
		metrics.OrdersCancelled.Inc()
		if s.hub != nil {
			s.hub.Publish(Event{Type: EventOrderCancelled, Channel: MarketChannel(o.MarketID), Payload: o})
		}
	}
	if s.hub != nil && len(cancelled) > 0 {
		s.hub.Publish(Event{Type: EventOrderCancelled, Channel: UserChannel(userID), Payload: cancelled})
	}
	s.notifyBalance(snap)

	slog.Info("pending orders cancelled", "user", userID, "count", len(cancelled))
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: len(cancelled), Balance: snap})
}

// GetOrders handles GET /api/v1/orders?user_id=...&market_id=&status=&limit=
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	filter := model.OrderFilter{
		MarketID: r.URL.Query().Get("market_id"),
		Status:   model.OrderStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.MaxResults = n
	}

	orders, err := s.store.ListOrders(r.Context(), userID, filter)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	acct, err := s.ledger.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		slog.Error("deposit failed", "user", userID, "err", err)
		writeError(w, "failed to deposit", http.StatusInternalServerError)
		return
	}

	slog.Info("deposit credited", "user", userID, "amount", req.Amount.String())
	if s.hub != nil {
		s.hub.Publish(Event{Type: EventBalanceUpdate, Channel: UserChannel(userID), Payload: acct})
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
// Runs a full recompute so the snapshot is authoritative, not cached.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	snap, err := s.ledger.Recompute(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to compute balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	txs, err := s.store.ListTransactions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Notifications ---

func (s *Service) notifyOrders(userID string, orders []model.Order) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(Event{Type: EventOrdersUpdated, Channel: UserChannel(userID), Payload: orders})
	seen := make(map[string]bool)
	for _, o := range orders {
		if seen[o.MarketID] {
			continue
		}
		seen[o.MarketID] = true
		s.hub.Publish(Event{Type: EventOrdersUpdated, Channel: MarketChannel(o.MarketID), Payload: orders})
	}
}

func (s *Service) notifyBalance(snap *model.BalanceSnapshot) {
	if s.hub == nil || snap == nil {
		return
	}
	s.hub.Publish(Event{Type: EventBalanceUpdate, Channel: UserChannel(snap.UserID), Payload: snap})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
