// Package ledger owns the per-user account aggregate: wallet balance,
// reserved liability, per-runner PnL, and the append-only transaction log.
//
// Recompute is the single source of truth. Reserve and Release make
// provisional adjustments so balances are sensible between recomputes,
// but every provisional change is fully superseded by the next Recompute,
// which rebuilds reserved liability from the persisted order set alone.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/exposure"
	"github.com/oddex/exchange-core/internal/model"
	"github.com/oddex/exchange-core/internal/store"
)

// ErrInsufficientFunds mirrors the exposure sentinel so callers can treat
// reservation and admission failures uniformly.
var ErrInsufficientFunds = exposure.ErrInsufficientFunds

// Ledger serializes all mutations of one user's account behind a per-user
// lock. Cross-user operations never share a lock, so one user's stalled
// mutation cannot block another's.
type Ledger struct {
	store store.Store
	locks sync.Map // userID → *sync.Mutex
}

// New creates a ledger over the given store.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WithUser runs fn while holding the user's ledger lock. Every mutation
// of a user's account or order set goes through here; external calls
// (quote fetches, metadata lookups) must happen before entry.
func (l *Ledger) WithUser(userID string, fn func() error) error {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Account returns the user's account, creating an empty one on first use.
func (l *Ledger) Account(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err == store.ErrNotFound {
		return &model.Account{
			UserID:    userID,
			RunnerPnL: make(map[string]decimal.Decimal),
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	return acct, err
}

// Deposit credits the wallet. Deposits and settlement are the only
// operations that change a user's total funds.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Account, error) {
	var acct *model.Account
	err := l.WithUser(userID, func() error {
		var err error
		acct, err = l.Account(ctx, userID)
		if err != nil {
			return err
		}
		acct.WalletBalance = acct.WalletBalance.Add(amount)
		acct.UpdatedAt = time.Now().UTC()
		if err := l.store.PutAccount(ctx, acct); err != nil {
			return err
		}
		return l.store.AppendTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.TxDeposit,
			Amount:    amount,
			CreatedAt: time.Now().UTC(),
		})
	})
	return acct, err
}

// Reserve provisionally moves amount from wallet into reserved liability.
// Fails when the amount exceeds wallet plus eligible green-runner profit.
// Caller must hold the user's lock.
func Reserve(acct *model.Account, amount decimal.Decimal) error {
	// Same fixed precision as the admission check, so a batch admitted at
	// the threshold boundary never fails its own reservation.
	if amount.Round(2).GreaterThan(acct.AvailableForLay().Round(2)) {
		return ErrInsufficientFunds
	}
	// Profit-covered portions cannot come out of cash; the next
	// Recompute settles the exact split.
	deduct := decimal.Min(amount, acct.WalletBalance)
	acct.WalletBalance = acct.WalletBalance.Sub(deduct)
	acct.ReservedLiability = acct.ReservedLiability.Add(amount)
	return nil
}

// Release provisionally returns amount from reserved liability to the
// wallet, on cancellation or settlement. Caller must hold the user's lock.
func Release(acct *model.Account, amount decimal.Decimal) {
	acct.WalletBalance = acct.WalletBalance.Add(amount)
	acct.ReservedLiability = decimal.Max(decimal.Zero, acct.ReservedLiability.Sub(amount))
}

// Recompute rebuilds the account's derived state from the persisted
// active-order set: reserved liability, pending liability, per-runner
// PnL, and unrealized profit. The wallet is adjusted so that
// wallet + reserved stays equal to the user's total funds, which only
// change at deposit and settlement. Idempotent and safe to retry.
func (l *Ledger) Recompute(ctx context.Context, userID string) (*model.BalanceSnapshot, error) {
	var snap *model.BalanceSnapshot
	err := l.WithUser(userID, func() error {
		var err error
		snap, err = l.recomputeLocked(ctx, userID)
		return err
	})
	return snap, err
}

// RecomputeLocked is Recompute for callers already holding the user's
// lock via WithUser.
func (l *Ledger) RecomputeLocked(ctx context.Context, userID string) (*model.BalanceSnapshot, error) {
	return l.recomputeLocked(ctx, userID)
}

func (l *Ledger) recomputeLocked(ctx context.Context, userID string) (*model.BalanceSnapshot, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	orders, err := l.store.ListActiveOrders(ctx, userID)
	if err != nil {
		return nil, err
	}

	runners := make(map[string][]string)
	for _, o := range orders {
		if _, ok := runners[o.MarketID]; ok {
			continue
		}
		sels, err := l.store.ListMarketRunners(ctx, o.MarketID)
		if err != nil {
			return nil, err
		}
		runners[o.MarketID] = sels
	}

	sum := exposure.Compute(orders, runners)

	totalFunds := acct.WalletBalance.Add(acct.ReservedLiability)
	wallet := totalFunds.Sub(sum.TotalLiability)
	if wallet.IsNegative() {
		slog.Warn("recompute clamped negative wallet",
			"user", userID,
			"total_funds", totalFunds.String(),
			"liability", sum.TotalLiability.String(),
		)
		wallet = decimal.Zero
	}

	acct.WalletBalance = wallet
	acct.ReservedLiability = sum.TotalLiability
	acct.PendingLiability = sum.PendingLiability
	acct.MatchedExposure = sum.MatchedExposure
	acct.RunnerPnL = sum.RunnerPnL
	acct.UnrealizedProfit = sum.PositiveProfit
	acct.UpdatedAt = time.Now().UTC()

	if err := l.store.PutAccount(ctx, acct); err != nil {
		return nil, err
	}

	return &model.BalanceSnapshot{
		UserID:           userID,
		WalletBalance:    acct.WalletBalance,
		TotalLiability:   acct.ReservedLiability,
		PendingLiability: acct.PendingLiability,
		MatchedExposure:  acct.MatchedExposure,
		AvailableForBack: acct.WalletBalance,
		AvailableForLay:  acct.AvailableForLay(),
		RunnerPnL:        acct.RunnerPnL,
	}, nil
}
