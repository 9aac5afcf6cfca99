package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	orders       map[string]*model.Order // orderID → order
	transactions []model.Transaction
	settlements  map[string]string // marketID → winning selection
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		orders:      make(map[string]*model.Order),
		settlements: make(map[string]string),
	}
}

func copyAccount(a *model.Account) *model.Account {
	cp := *a
	cp.RunnerPnL = make(map[string]decimal.Decimal, len(a.RunnerPnL))
	for k, v := range a.RunnerPnL {
		cp.RunnerPnL[k] = v
	}
	return &cp
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) PutAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acct.UserID] = copyAccount(acct)
	return nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertOrderBatch(_ context.Context, acct *model.Account, orders []model.Order, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Single lock: orders, transaction, and account land together.
	for _, o := range orders {
		cp := o
		s.orders[o.ID] = &cp
	}
	if txn != nil {
		s.transactions = append(s.transactions, *txn)
	}
	s.accounts[acct.UserID] = copyAccount(acct)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, userID, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string, filter model.OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if filter.MarketID != "" && o.MarketID != filter.MarketID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		result = append(result, *o)
	}
	sortOrdersNewestFirst(result)
	if filter.MaxResults > 0 && len(result) > filter.MaxResults {
		result = result[:filter.MaxResults]
	}
	return result, nil
}

func (s *MemoryStore) ListActiveOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.Status.Active() {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) TransitionOrder(_ context.Context, userID, orderID string, from, to model.OrderStatus, executedPrice, matched decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = at
	if to == model.StatusMatched {
		o.Price = executedPrice
		o.Matched = matched
	}
	if to == model.StatusSettled {
		settled := at
		o.SettledAt = &settled
	}
	return true, nil
}

func (s *MemoryStore) ListPendingSelections(_ context.Context) ([]MarketSelection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[MarketSelection]bool)
	var result []MarketSelection
	for _, o := range s.orders {
		if o.Status != model.StatusPending {
			continue
		}
		ms := MarketSelection{MarketID: o.MarketID, SelectionID: o.SelectionID}
		if !seen[ms] {
			seen[ms] = true
			result = append(result, ms)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, marketID, selectionID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusPending && o.MarketID == marketID && o.SelectionID == selectionID {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListUsersWithMatched(_ context.Context, marketID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, o := range s.orders {
		if o.Status == model.StatusMatched && o.MarketID == marketID && !seen[o.UserID] {
			seen[o.UserID] = true
			result = append(result, o.UserID)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListMatchedOrders(_ context.Context, userID, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.MarketID == marketID && o.Status == model.StatusMatched {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListMarketRunners(_ context.Context, marketID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, o := range s.orders {
		if o.MarketID == marketID && !seen[o.SelectionID] {
			seen[o.SelectionID] = true
			result = append(result, o.SelectionID)
		}
	}
	return result, nil
}

func (s *MemoryStore) SettleMarketOrders(_ context.Context, userID, marketID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, o := range s.orders {
		if o.UserID == userID && o.MarketID == marketID && o.Status == model.StatusMatched {
			o.Status = model.StatusSettled
			o.UpdatedAt = at
			settled := at
			o.SettledAt = &settled
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) IsMarketSettled(_ context.Context, marketID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, done := s.settlements[marketID]
	return done, nil
}

func (s *MemoryStore) MarkMarketSettled(_ context.Context, marketID, winningSelectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.settlements[marketID]; done {
		return false, nil
	}
	s.settlements[marketID] = winningSelectionID
	return true, nil
}

func sortOrdersNewestFirst(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
