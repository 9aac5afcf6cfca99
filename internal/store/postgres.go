package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// runner PnL maps are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// helpers run inside and outside explicit transactions.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Accounts ---

const accountColumns = `user_id, wallet_balance::TEXT, reserved_liability::TEXT,
	pending_liability::TEXT, matched_exposure::TEXT, unrealized_profit::TEXT,
	runner_pnl, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var wallet, reserved, pending, matched, profit string
	var pnlJSON []byte

	if err := row.Scan(&a.UserID, &wallet, &reserved, &pending, &matched, &profit,
		&pnlJSON, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.WalletBalance, _ = decimal.NewFromString(wallet)
	a.ReservedLiability, _ = decimal.NewFromString(reserved)
	a.PendingLiability, _ = decimal.NewFromString(pending)
	a.MatchedExposure, _ = decimal.NewFromString(matched)
	a.UnrealizedProfit, _ = decimal.NewFromString(profit)
	a.RunnerPnL = make(map[string]decimal.Decimal)
	if len(pnlJSON) > 0 {
		if err := json.Unmarshal(pnlJSON, &a.RunnerPnL); err != nil {
			return nil, fmt.Errorf("decode runner_pnl: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func putAccount(ctx context.Context, q dbtx, acct *model.Account) error {
	pnlJSON, err := json.Marshal(acct.RunnerPnL)
	if err != nil {
		return fmt.Errorf("encode runner_pnl: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO accounts (user_id, wallet_balance, reserved_liability,
		                       pending_liability, matched_exposure, unrealized_profit,
		                       runner_pnl, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id) DO UPDATE SET
		     wallet_balance = EXCLUDED.wallet_balance,
		     reserved_liability = EXCLUDED.reserved_liability,
		     pending_liability = EXCLUDED.pending_liability,
		     matched_exposure = EXCLUDED.matched_exposure,
		     unrealized_profit = EXCLUDED.unrealized_profit,
		     runner_pnl = EXCLUDED.runner_pnl,
		     updated_at = EXCLUDED.updated_at`,
		acct.UserID, acct.WalletBalance.String(), acct.ReservedLiability.String(),
		acct.PendingLiability.String(), acct.MatchedExposure.String(),
		acct.UnrealizedProfit.String(), pnlJSON, acct.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) PutAccount(ctx context.Context, acct *model.Account) error {
	return putAccount(ctx, s.pool, acct)
}

// --- Transaction log ---

func appendTransaction(ctx context.Context, q dbtx, t *model.Transaction) error {
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, order_id, market_id,
		                           profit, loss, released, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.UserID, string(t.Type), t.Amount.String(), t.OrderID, t.MarketID,
		t.Profit.String(), t.Loss.String(), t.Released.String(), t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	return appendTransaction(ctx, s.pool, t)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, order_id, market_id,
		        profit::TEXT, loss::TEXT, released::TEXT, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, amount, profit, loss, released string
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &amount, &t.OrderID, &t.MarketID,
			&profit, &loss, &released, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = model.TransactionType(typ)
		t.Amount, _ = decimal.NewFromString(amount)
		t.Profit, _ = decimal.NewFromString(profit)
		t.Loss, _ = decimal.NewFromString(loss)
		t.Released, _ = decimal.NewFromString(released)
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- Orders ---

const orderColumns = `id, user_id, market_id, selection_id, side,
	price::TEXT, size::TEXT, matched::TEXT, liability::TEXT, status,
	event_name, category, created_at, updated_at, settled_at`

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var result []model.Order
	for rows.Next() {
		var o model.Order
		var side, status, price, size, matched, liability string
		if err := rows.Scan(&o.ID, &o.UserID, &o.MarketID, &o.SelectionID, &side,
			&price, &size, &matched, &liability, &status,
			&o.EventName, &o.Category, &o.CreatedAt, &o.UpdatedAt, &o.SettledAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(price)
		o.Size, _ = decimal.NewFromString(size)
		o.Matched, _ = decimal.NewFromString(matched)
		o.Liability, _ = decimal.NewFromString(liability)
		result = append(result, o)
	}
	return result, rows.Err()
}

func insertOrder(ctx context.Context, q dbtx, o *model.Order) error {
	_, err := q.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, selection_id, side,
		                     price, size, matched, liability, status,
		                     event_name, category, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10,
		         $11, $12, $13, $14)`,
		o.ID, o.UserID, o.MarketID, o.SelectionID, string(o.Side),
		o.Price.String(), o.Size.String(), o.Matched.String(), o.Liability.String(),
		string(o.Status), o.EventName, o.Category, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// InsertOrderBatch persists the batch, the reservation transaction, and
// the account adjustment in one database transaction. Either the whole
// placement lands or none of it does.
func (s *PostgresStore) InsertOrderBatch(ctx context.Context, acct *model.Account, orders []model.Order, txn *model.Transaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range orders {
			if err := insertOrder(ctx, tx, &orders[i]); err != nil {
				return fmt.Errorf("insert order %s: %w", orders[i].ID, err)
			}
		}
		if txn != nil {
			if err := appendTransaction(ctx, tx, txn); err != nil {
				return fmt.Errorf("append reservation transaction: %w", err)
			}
		}
		return putAccount(ctx, tx, acct)
	})
}

func (s *PostgresStore) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string, filter model.OrderFilter) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	if filter.MarketID != "" {
		args = append(args, filter.MarketID)
		query += fmt.Sprintf(" AND market_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.MaxResults > 0 {
		args = append(args, filter.MaxResults)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListActiveOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status IN ('PENDING', 'MATCHED')`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// TransitionOrder is the compare-and-swap status update: the write only
// applies while the order is still in the expected prior status.
func (s *PostgresStore) TransitionOrder(ctx context.Context, userID, orderID string, from, to model.OrderStatus, executedPrice, matched decimal.Decimal, at time.Time) (bool, error) {
	var tag pgconn.CommandTag
	var err error

	if to == model.StatusMatched {
		tag, err = s.pool.Exec(ctx,
			`UPDATE orders SET status = $4, price = $5::NUMERIC, matched = $6::NUMERIC, updated_at = $7
			 WHERE id = $1 AND user_id = $2 AND status = $3`,
			orderID, userID, string(from), string(to),
			executedPrice.String(), matched.String(), at)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE orders SET status = $4, updated_at = $5,
			        settled_at = CASE WHEN $4 = 'SETTLED' THEN $5 ELSE settled_at END
			 WHERE id = $1 AND user_id = $2 AND status = $3`,
			orderID, userID, string(from), string(to), at)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Cross-user sweep and settlement queries ---

func (s *PostgresStore) ListPendingSelections(ctx context.Context) ([]MarketSelection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT market_id, selection_id FROM orders WHERE status = 'PENDING'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MarketSelection
	for rows.Next() {
		var ms MarketSelection
		if err := rows.Scan(&ms.MarketID, &ms.SelectionID); err != nil {
			return nil, err
		}
		result = append(result, ms)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, marketID, selectionID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = $1 AND selection_id = $2 AND status = 'PENDING'
		 ORDER BY created_at`, marketID, selectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListUsersWithMatched(ctx context.Context, marketID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM orders WHERE market_id = $1 AND status = 'MATCHED'`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		result = append(result, userID)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListMatchedOrders(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND market_id = $2 AND status = 'MATCHED'`, userID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListMarketRunners(ctx context.Context, marketID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT selection_id FROM orders WHERE market_id = $1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var sel string
		if err := rows.Scan(&sel); err != nil {
			return nil, err
		}
		result = append(result, sel)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SettleMarketOrders(ctx context.Context, userID, marketID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'SETTLED', updated_at = $3, settled_at = $3
		 WHERE user_id = $1 AND market_id = $2 AND status = 'MATCHED'`,
		userID, marketID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) IsMarketSettled(ctx context.Context, marketID string) (bool, error) {
	var done bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_settlements WHERE market_id = $1)`,
		marketID).Scan(&done)
	return done, err
}

// MarkMarketSettled inserts the resolution record; the primary key on
// market_id makes repeat signals no-ops.
func (s *PostgresStore) MarkMarketSettled(ctx context.Context, marketID, winningSelectionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO market_settlements (market_id, winning_selection_id, settled_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (market_id) DO NOTHING`,
		marketID, winningSelectionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
