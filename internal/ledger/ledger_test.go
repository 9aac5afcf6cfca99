package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/exposure"
	"github.com/oddex/exchange-core/internal/model"
	"github.com/oddex/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedOrder(t *testing.T, ms *store.MemoryStore, id, userID, marketID, sel string, side model.Side, price, size float64, status model.OrderStatus) {
	t.Helper()
	o := model.Order{
		ID:          id,
		UserID:      userID,
		MarketID:    marketID,
		SelectionID: sel,
		Side:        side,
		Price:       d(price),
		Size:        d(size),
		Status:      status,
		Liability:   exposure.OrderLiability(side, d(price), d(size)),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if status == model.StatusMatched {
		o.Matched = o.Size
	}
	acct, err := ms.GetAccount(context.Background(), userID)
	if err == store.ErrNotFound {
		acct = &model.Account{UserID: userID, RunnerPnL: map[string]decimal.Decimal{}}
	} else if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if err := ms.InsertOrderBatch(context.Background(), acct, []model.Order{o}, nil); err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestDeposit_CreatesAccountAndLogs(t *testing.T) {
	ms := store.NewMemoryStore()
	l := New(ms)

	acct, err := l.Deposit(context.Background(), "user1", d(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !acct.WalletBalance.Equal(d(500)) {
		t.Errorf("wallet: expected 500, got %s", acct.WalletBalance)
	}

	txs, _ := ms.ListTransactions(context.Background(), "user1")
	if len(txs) != 1 || txs[0].Type != model.TxDeposit {
		t.Fatalf("expected one DEPOSIT transaction, got %+v", txs)
	}
}

func TestReserve_InsufficientFunds(t *testing.T) {
	acct := &model.Account{UserID: "u", WalletBalance: d(100)}

	if err := Reserve(acct, d(150)); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := Reserve(acct, d(100)); err != nil {
		t.Fatalf("reserve at capacity should succeed: %v", err)
	}
	if !acct.WalletBalance.IsZero() {
		t.Errorf("wallet after reserve: expected 0, got %s", acct.WalletBalance)
	}
	if !acct.ReservedLiability.Equal(d(100)) {
		t.Errorf("reserved: expected 100, got %s", acct.ReservedLiability)
	}
}

func TestReserve_ProfitCreditDoesNotOverdrawWallet(t *testing.T) {
	acct := &model.Account{UserID: "u", WalletBalance: d(20), UnrealizedProfit: d(100)}

	if err := Reserve(acct, d(80)); err != nil {
		t.Fatalf("reserve within wallet+profit should succeed: %v", err)
	}
	if acct.WalletBalance.IsNegative() {
		t.Errorf("wallet must never go negative, got %s", acct.WalletBalance)
	}
	if !acct.ReservedLiability.Equal(d(80)) {
		t.Errorf("reserved: expected 80, got %s", acct.ReservedLiability)
	}
}

func TestRelease_Floors(t *testing.T) {
	acct := &model.Account{UserID: "u", WalletBalance: d(0), ReservedLiability: d(30)}

	Release(acct, d(30))

	if !acct.WalletBalance.Equal(d(30)) {
		t.Errorf("wallet: expected 30, got %s", acct.WalletBalance)
	}
	if !acct.ReservedLiability.IsZero() {
		t.Errorf("reserved: expected 0, got %s", acct.ReservedLiability)
	}
}

func TestRecompute_RebuildsFromOrders(t *testing.T) {
	ms := store.NewMemoryStore()
	l := New(ms)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "user1", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Matched BACK 100 @ 2.0 on R1 and a pending LAY 10 @ 4.0 on m2.
	seedOrder(t, ms, "o1", "user1", "m1", "R1", model.Back, 2.0, 100, model.StatusMatched)
	seedOrder(t, ms, "o2", "user1", "m1", "R2", model.Back, 3.0, 10, model.StatusMatched)
	seedOrder(t, ms, "o3", "user1", "m2", "Y", model.Lay, 4.0, 10, model.StatusPending)

	snap, err := l.Recompute(ctx, "user1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	// m1: ifWin[R1] = 100-10 = 90, ifWin[R2] = 20-100 = -80 → exposure 80.
	// m2 pending lay: 30. Total 110, wallet 1000-110 = 890.
	if !snap.MatchedExposure.Equal(d(80)) {
		t.Errorf("matched exposure: expected 80, got %s", snap.MatchedExposure)
	}
	if !snap.PendingLiability.Equal(d(30)) {
		t.Errorf("pending liability: expected 30, got %s", snap.PendingLiability)
	}
	if !snap.TotalLiability.Equal(d(110)) {
		t.Errorf("total liability: expected 110, got %s", snap.TotalLiability)
	}
	if !snap.WalletBalance.Equal(d(890)) {
		t.Errorf("wallet: expected 890, got %s", snap.WalletBalance)
	}
	if !snap.AvailableForLay.Equal(d(980)) { // wallet 890 + positive ifWin 90
		t.Errorf("available for lay: expected 980, got %s", snap.AvailableForLay)
	}
}

func TestRecompute_SupersedesProvisionalAdjustments(t *testing.T) {
	// A provisional Reserve at admission time must not double count:
	// whatever was reserved provisionally, the next recompute rebuilds
	// the exact figure from the order set and restores the remainder.
	ms := store.NewMemoryStore()
	l := New(ms)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "user1", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	acct, _ := l.Account(ctx, "user1")
	// Provisional over-reservation (say a batch partially matched at a
	// better price and the true exposure shrank).
	if err := Reserve(acct, d(400)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ms.PutAccount(ctx, acct); err != nil {
		t.Fatalf("put account: %v", err)
	}
	// The persisted order set only justifies 100 of liability.
	seedOrder(t, ms, "o1", "user1", "m1", "R1", model.Back, 2.0, 100, model.StatusPending)

	snap, err := l.Recompute(ctx, "user1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !snap.TotalLiability.Equal(d(100)) {
		t.Errorf("liability: expected 100, got %s", snap.TotalLiability)
	}
	if !snap.WalletBalance.Equal(d(900)) {
		t.Errorf("wallet: expected 900 after supersession, got %s", snap.WalletBalance)
	}

	// Running it again changes nothing: recompute is idempotent.
	again, err := l.Recompute(ctx, "user1")
	if err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	if !again.WalletBalance.Equal(snap.WalletBalance) || !again.TotalLiability.Equal(snap.TotalLiability) {
		t.Errorf("recompute not idempotent: %+v vs %+v", snap, again)
	}
}

func TestRecompute_TotalFundsConserved(t *testing.T) {
	ms := store.NewMemoryStore()
	l := New(ms)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "user1", d(250)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	seedOrder(t, ms, "o1", "user1", "m1", "R1", model.Back, 2.0, 50, model.StatusPending)

	snap, err := l.Recompute(ctx, "user1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}

	total := snap.WalletBalance.Add(snap.TotalLiability)
	if !total.Equal(d(250)) {
		t.Errorf("wallet + reserved must equal deposited funds: got %s", total)
	}
}
