// Package settle resolves closed markets: realizes profit and loss on
// matched bets, releases the liability reserved at placement, and moves
// the affected orders to SETTLED.
//
// Settlement is idempotent per market. Each user settles inside their own
// ledger lock, so one user's failure never blocks another's payout.
package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/ledger"
	"github.com/oddex/exchange-core/internal/metrics"
	"github.com/oddex/exchange-core/internal/model"
	"github.com/oddex/exchange-core/internal/order"
	"github.com/oddex/exchange-core/internal/store"
)

// Engine applies market resolutions to user ledgers.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	hub    *order.Hub // optional
}

// NewEngine creates a settlement engine.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewEngine(st store.Store, lg *ledger.Ledger, hub *order.Hub) *Engine {
	return &Engine{store: st, ledger: lg, hub: hub}
}

// Report summarizes one settlement run.
type Report struct {
	MarketID           string `json:"market_id"`
	WinningSelectionID string `json:"winning_selection_id"`
	UsersSettled       int    `json:"users_settled"`
	OrdersSettled      int    `json:"orders_settled"`
	AlreadySettled     bool   `json:"already_settled"`
}

// SettleMarket resolves marketID with the given winner. A market already
// recorded as settled is a no-op. The completion record lands only after
// every user settles, so a repeat signal after a partial failure
// re-settles exactly the users whose orders are still MATCHED.
func (e *Engine) SettleMarket(ctx context.Context, marketID, winningSelectionID string) (*Report, error) {
	report := &Report{MarketID: marketID, WinningSelectionID: winningSelectionID}

	done, err := e.store.IsMarketSettled(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if done {
		report.AlreadySettled = true
		slog.Info("market already settled, ignoring", "market", marketID)
		return report, nil
	}

	users, err := e.store.ListUsersWithMatched(ctx, marketID)
	if err != nil {
		return nil, err
	}

	var failed int
	for _, userID := range users {
		n, err := e.settleUser(ctx, userID, marketID, winningSelectionID)
		if err != nil {
			// Settlement of the remaining users proceeds. The per-order
			// MATCHED→SETTLED transition keeps this user eligible for the
			// retry signal.
			slog.Error("user settlement failed", "user", userID, "market", marketID, "err", err)
			failed++
			continue
		}
		report.UsersSettled++
		report.OrdersSettled += n
	}

	if failed > 0 {
		return report, fmt.Errorf("settlement incomplete: %d of %d users failed, awaiting retry", failed, len(users))
	}

	if _, err := e.store.MarkMarketSettled(ctx, marketID, winningSelectionID); err != nil {
		return report, err
	}
	metrics.MarketsSettled.Inc()
	slog.Info("market settled",
		"market", marketID,
		"winner", winningSelectionID,
		"users", report.UsersSettled,
		"orders", report.OrdersSettled,
	)

	if e.hub != nil {
		e.hub.Publish(order.Event{
			Type:    order.EventMarketSettled,
			Channel: order.MarketChannel(marketID),
			Payload: report,
		})
	}
	return report, nil
}

func (e *Engine) settleUser(ctx context.Context, userID, marketID, winner string) (int, error) {
	var settled int
	var snap *model.BalanceSnapshot

	err := e.ledger.WithUser(userID, func() error {
		orders, err := e.store.ListMatchedOrders(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return nil
		}

		profit, loss, released := totals(orders, winner)
		net := profit.Sub(loss)

		now := time.Now().UTC()
		settled, err = e.store.SettleMarketOrders(ctx, userID, marketID, now)
		if err != nil {
			return err
		}

		acct, err := e.ledger.Account(ctx, userID)
		if err != nil {
			return err
		}
		acct.WalletBalance = decimal.Max(decimal.Zero, acct.WalletBalance.Add(released).Add(net))
		acct.ReservedLiability = decimal.Max(decimal.Zero, acct.ReservedLiability.Sub(released))
		acct.UpdatedAt = now
		if err := e.store.PutAccount(ctx, acct); err != nil {
			return err
		}

		if err := e.store.AppendTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.TxSettlement,
			Amount:    net,
			Profit:    profit,
			Loss:      loss,
			Released:  released,
			MarketID:  marketID,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		// Recompute keeps other markets' reserved liability correct after
		// the release above.
		snap, err = e.ledger.RecomputeLocked(ctx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}

	if e.hub != nil && snap != nil {
		e.hub.Publish(order.Event{
			Type:    order.EventBalanceUpdate,
			Channel: order.UserChannel(userID),
			Payload: snap,
		})
	}
	return settled, nil
}

// totals computes realized profit, realized loss, and the liability to
// release over one user's matched bets on the market.
//
// A BACK on the winner earns stake*(price-1), on a loser forfeits the
// stake. A LAY on the winner forfeits stake*(price-1), on a loser earns
// the stake.
func totals(orders []model.Order, winner string) (profit, loss, released decimal.Decimal) {
	one := decimal.NewFromInt(1)
	for _, o := range orders {
		stake := o.Matched
		if stake.IsZero() {
			stake = o.Size
		}
		payout := stake.Mul(o.Price.Sub(one))

		if o.Side == model.Back {
			if o.SelectionID == winner {
				profit = profit.Add(payout)
			} else {
				loss = loss.Add(stake)
			}
		} else {
			if o.SelectionID == winner {
				loss = loss.Add(payout)
			} else {
				profit = profit.Add(stake)
			}
		}
		released = released.Add(o.Liability)
	}
	return profit, loss, released
}

// --- HTTP handler ---

type settleRequest struct {
	WinningSelectionID string `json:"winning_selection_id"`
}

// HandleSettle handles POST /api/v1/markets/{marketID}/settle
func (e *Engine) HandleSettle(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningSelectionID == "" {
		writeError(w, "winning_selection_id is required", http.StatusBadRequest)
		return
	}

	report, err := e.SettleMarket(r.Context(), marketID, req.WinningSelectionID)
	if err != nil {
		slog.Error("settlement failed", "market", marketID, "err", err)
		writeError(w, "failed to settle market", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
