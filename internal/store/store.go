// Package store defines the persistence interface for the exchange core.
// Implementations include PostgreSQL (source of truth) and in-memory
// (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/model"
)

// ErrNotFound is returned when a requested account or order does not exist.
var ErrNotFound = errors.New("store: not found")

// MarketSelection identifies one runner of one market.
type MarketSelection struct {
	MarketID    string
	SelectionID string
}

// Store is the persistence interface. Two contracts matter for
// correctness: InsertOrderBatch is atomic (all orders, the reservation
// transaction, and the account adjustment land together or not at all),
// and TransitionOrder is conditional on the order's prior status so a
// concurrent cancel and a match sweep can never both win.
type Store interface {
	// --- Accounts ---

	// GetAccount retrieves a user's ledger aggregate.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// PutAccount creates or replaces a user's ledger aggregate.
	PutAccount(ctx context.Context, acct *model.Account) error

	// --- Append-only transaction log ---

	// AppendTransaction appends an immutable audit entry.
	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	// ListTransactions returns a user's audit entries, oldest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Orders ---

	// InsertOrderBatch atomically persists a batch of orders, the
	// reservation transaction, and the updated account for one user.
	InsertOrderBatch(ctx context.Context, acct *model.Account, orders []model.Order, txn *model.Transaction) error

	// GetOrder retrieves one order owned by the given user.
	GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error)

	// ListOrders returns a user's orders, newest first, narrowed by filter.
	ListOrders(ctx context.Context, userID string, filter model.OrderFilter) ([]model.Order, error)

	// ListActiveOrders returns a user's PENDING and MATCHED orders.
	ListActiveOrders(ctx context.Context, userID string) ([]model.Order, error)

	// TransitionOrder conditionally moves one order from one status to
	// another, updating price and matched size. Returns false without
	// error when the order is no longer in the expected status.
	TransitionOrder(ctx context.Context, userID, orderID string, from, to model.OrderStatus, executedPrice, matched decimal.Decimal, at time.Time) (bool, error)

	// --- Cross-user sweep and settlement queries ---

	// ListPendingSelections returns the distinct (market, selection)
	// pairs that still have PENDING orders, across all users.
	ListPendingSelections(ctx context.Context) ([]MarketSelection, error)

	// ListPendingOrders returns all users' PENDING orders for one runner.
	ListPendingOrders(ctx context.Context, marketID, selectionID string) ([]model.Order, error)

	// ListUsersWithMatched returns the users holding MATCHED orders on a market.
	ListUsersWithMatched(ctx context.Context, marketID string) ([]string, error)

	// ListMatchedOrders returns one user's MATCHED orders on a market.
	ListMatchedOrders(ctx context.Context, userID, marketID string) ([]model.Order, error)

	// ListMarketRunners returns every selection seen on a market across
	// all persisted orders. Used as the runner set for exposure netting.
	ListMarketRunners(ctx context.Context, marketID string) ([]string, error)

	// SettleMarketOrders moves one user's MATCHED orders on a market to
	// SETTLED, stamping the settlement time. Returns the count settled.
	SettleMarketOrders(ctx context.Context, userID, marketID string, at time.Time) (int, error)

	// IsMarketSettled reports whether a market resolution is recorded.
	IsMarketSettled(ctx context.Context, marketID string) (bool, error)

	// MarkMarketSettled records a market resolution exactly once.
	// Returns false when the market was already settled.
	MarkMarketSettled(ctx context.Context, marketID, winningSelectionID string) (bool, error)
}
