// Package model defines the core domain types shared across the exchange core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a bet.
type Side string

const (
	// Back is a wager that the selection wins.
	Back Side = "BACK"
	// Lay is a wager that the selection loses.
	Lay Side = "LAY"
)

// OrderStatus is the lifecycle state of an order.
//
// Transitions: PENDING → MATCHED → SETTLED, or PENDING → CANCELLED.
// MATCHED only ever moves to SETTLED; SETTLED and CANCELLED are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusMatched   OrderStatus = "MATCHED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusSettled   OrderStatus = "SETTLED"
)

// Active reports whether the status still contributes to reserved liability.
func (s OrderStatus) Active() bool {
	return s == StatusPending || s == StatusMatched
}

// Order is a single back or lay bet against an external price ladder.
// Owned exclusively by its user. Immutable once CANCELLED or SETTLED
// except for audit timestamps.
type Order struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	SelectionID string          `json:"selection_id" db:"selection_id"`
	Side        Side            `json:"side" db:"side"`
	Price       decimal.Decimal `json:"price" db:"price"`         // requested price; replaced by executed price on match
	Size        decimal.Decimal `json:"size" db:"size"`           // stake
	Matched     decimal.Decimal `json:"matched" db:"matched"`     // matched size (all-or-nothing: 0 or Size)
	Liability   decimal.Decimal `json:"liability" db:"liability"` // liability at placement
	Status      OrderStatus     `json:"status" db:"status"`
	EventName   string          `json:"event" db:"event_name"` // display enrichment, best-effort
	Category    string          `json:"category" db:"category"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// RunnerKey identifies a (market, selection) pair in per-runner maps.
func RunnerKey(marketID, selectionID string) string {
	return marketID + "_" + selectionID
}

// Account is the single per-user ledger aggregate.
//
// ReservedLiability is derived: it is always exactly what the exposure
// calculator computes from the user's active orders. WalletBalance never
// goes negative. WalletBalance + ReservedLiability only changes via
// deposits and settlement — never via placement or cancellation.
type Account struct {
	UserID            string                     `json:"user_id" db:"user_id"`
	WalletBalance     decimal.Decimal            `json:"wallet_balance" db:"wallet_balance"`
	ReservedLiability decimal.Decimal            `json:"reserved_liability" db:"reserved_liability"`
	PendingLiability  decimal.Decimal            `json:"pending_liability" db:"pending_liability"`
	MatchedExposure   decimal.Decimal            `json:"matched_exposure" db:"matched_exposure"`
	RunnerPnL         map[string]decimal.Decimal `json:"runner_pnl" db:"runner_pnl"` // RunnerKey → payoff if that runner wins
	UnrealizedProfit  decimal.Decimal            `json:"unrealized_profit" db:"unrealized_profit"`
	UpdatedAt         time.Time                  `json:"updated_at" db:"updated_at"`
}

// AvailableForLay is the capacity usable to cover new lay liability:
// spendable cash plus profit that would materialize on runners already green.
func (a *Account) AvailableForLay() decimal.Decimal {
	return a.WalletBalance.Add(a.UnrealizedProfit)
}

// Transaction is an append-only audit entry. Never mutated, never used
// to derive live balances.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      TransactionType `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	OrderID   string          `json:"order_id,omitempty" db:"order_id"`
	MarketID  string          `json:"market_id,omitempty" db:"market_id"`
	Profit    decimal.Decimal `json:"profit,omitempty" db:"profit"`
	Loss      decimal.Decimal `json:"loss,omitempty" db:"loss"`
	Released  decimal.Decimal `json:"released,omitempty" db:"released"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TransactionType classifies audit entries.
type TransactionType string

const (
	TxDeposit      TransactionType = "DEPOSIT"
	TxBetPlaced    TransactionType = "BET_PLACED"
	TxBetMatched   TransactionType = "BET_MATCHED"
	TxBetCancelled TransactionType = "BET_CANCELLED"
	TxSettlement   TransactionType = "BET_SETTLEMENT"
)

// PriceSize is one rung of a price ladder.
type PriceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// MarketQuote is a transient best-price snapshot for one runner,
// supplied by the external market-data provider. Not owned by the core.
type MarketQuote struct {
	MarketID        string      `json:"market_id"`
	SelectionID     string      `json:"selection_id"`
	AvailableToBack []PriceSize `json:"available_to_back"`
	AvailableToLay  []PriceSize `json:"available_to_lay"`
}

// EventInfo is display-only market metadata.
type EventInfo struct {
	EventName string `json:"event_name"`
	Category  string `json:"category"`
}

// PlaceholderEventInfo is used when the metadata lookup fails; enrichment
// is best-effort and never blocks placement.
func PlaceholderEventInfo() EventInfo {
	return EventInfo{EventName: "Unknown Event", Category: "Other"}
}

// OrderFilter narrows ListOrders results. Zero values mean "no constraint".
type OrderFilter struct {
	MarketID   string
	Status     OrderStatus
	MaxResults int
}

// BalanceSnapshot is the post-recompute view pushed to a user's channel.
type BalanceSnapshot struct {
	UserID           string                     `json:"user_id"`
	WalletBalance    decimal.Decimal            `json:"wallet_balance"`
	TotalLiability   decimal.Decimal            `json:"total_liability"`
	PendingLiability decimal.Decimal            `json:"pending_liability"`
	MatchedExposure  decimal.Decimal            `json:"matched_exposure"`
	AvailableForBack decimal.Decimal            `json:"available_for_back"`
	AvailableForLay  decimal.Decimal            `json:"available_for_lay"`
	RunnerPnL        map[string]decimal.Decimal `json:"runner_pnl"`
}
