package order_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/exposure"
	"github.com/oddex/exchange-core/internal/ledger"
	"github.com/oddex/exchange-core/internal/model"
	"github.com/oddex/exchange-core/internal/order"
	"github.com/oddex/exchange-core/internal/quotes"
	"github.com/oddex/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeQuotes serves canned ladders keyed by RunnerKey. Missing entries
// behave like the upstream feed being down.
type fakeQuotes struct {
	ladders map[string]*model.MarketQuote
}

func (f *fakeQuotes) GetBestPrices(_ context.Context, marketID, selectionID string) (*model.MarketQuote, error) {
	q, ok := f.ladders[model.RunnerKey(marketID, selectionID)]
	if !ok {
		return nil, quotes.ErrUnavailable
	}
	return q, nil
}

func (f *fakeQuotes) setBackLadder(marketID, selectionID string, prices ...float64) {
	q := &model.MarketQuote{MarketID: marketID, SelectionID: selectionID}
	for _, p := range prices {
		q.AvailableToBack = append(q.AvailableToBack, model.PriceSize{Price: d(p), Size: d(1000)})
	}
	f.ladders[model.RunnerKey(marketID, selectionID)] = q
}

type fakeEvents struct {
	fail bool
}

func (f *fakeEvents) GetEventInfo(_ context.Context, _ string) (model.EventInfo, error) {
	if f.fail {
		return model.EventInfo{}, quotes.ErrUnavailable
	}
	return model.EventInfo{EventName: "Arsenal v Spurs", Category: "Soccer"}, nil
}

type testEnv struct {
	ms     *store.MemoryStore
	ledger *ledger.Ledger
	quotes *fakeQuotes
	events *fakeEvents
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	lg := ledger.New(ms)
	fq := &fakeQuotes{ladders: make(map[string]*model.MarketQuote)}
	fe := &fakeEvents{}
	svc := order.NewService(ms, lg, fq, fe, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.PlaceOrders)
	r.Get("/api/v1/orders", svc.GetOrders)
	r.Post("/api/v1/orders/{orderID}/cancel", svc.CancelOrder)
	r.Post("/api/v1/orders/cancel-all", svc.CancelAllPending)
	r.Post("/api/v1/users/{userID}/deposit", svc.Deposit)
	r.Get("/api/v1/users/{userID}/balance", svc.GetBalance)
	r.Get("/api/v1/users/{userID}/transactions", svc.GetTransactions)

	return &testEnv{ms: ms, ledger: lg, quotes: fq, events: fe, router: r}
}

func (e *testEnv) deposit(t *testing.T, userID string, amount float64) {
	t.Helper()
	if _, err := e.ledger.Deposit(context.Background(), userID, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// seedOrder persists an order directly, bypassing placement. Used to
// establish runner sets and pre-existing positions.
func (e *testEnv) seedOrder(t *testing.T, id, userID, marketID, sel string, side model.Side, price, size float64, status model.OrderStatus) {
	t.Helper()
	now := time.Now().UTC()
	o := model.Order{
		ID: id, UserID: userID, MarketID: marketID, SelectionID: sel,
		Side: side, Price: d(price), Size: d(size),
		Liability: exposure.OrderLiability(side, d(price), d(size)),
		Status:    status, CreatedAt: now, UpdatedAt: now,
	}
	if status == model.StatusMatched {
		o.Matched = o.Size
	}
	acct, err := e.ms.GetAccount(context.Background(), userID)
	if err == store.ErrNotFound {
		acct = &model.Account{UserID: userID, RunnerPnL: map[string]decimal.Decimal{}}
	} else if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if err := e.ms.InsertOrderBatch(context.Background(), acct, []model.Order{o}, nil); err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func (e *testEnv) placeOrders(t *testing.T, req order.PlaceOrdersRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httpReq)
	return w
}

func backOrder(marketID, sel string, price, size float64) order.OrderRequest {
	return order.OrderRequest{MarketID: marketID, SelectionID: sel, Side: model.Back, Price: d(price), Size: d(size)}
}

// --- Placement tests ---

func TestPlaceOrders_MatchesImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)
	env.quotes.setBackLadder("m1", "R1", 2.0, 2.1, 2.2)

	w := env.placeOrders(t, order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp order.PlaceOrdersResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Accepted {
		t.Fatalf("expected accepted batch: %s", resp.Reason)
	}
	if len(resp.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(resp.Orders))
	}
	o := resp.Orders[0]
	if o.Status != model.StatusMatched {
		t.Errorf("expected MATCHED, got %s", o.Status)
	}
	// Back bets fill at the best (highest) available back price.
	if !o.Price.Equal(d(2.2)) {
		t.Errorf("executed price: expected 2.2, got %s", o.Price)
	}
	if !o.Matched.Equal(d(100)) {
		t.Errorf("matched size: expected 100, got %s", o.Matched)
	}
	if o.EventName != "Arsenal v Spurs" || o.Category != "Soccer" {
		t.Errorf("enrichment missing: %q %q", o.EventName, o.Category)
	}
}

func TestPlaceOrders_TwoRunnerLiability(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)
	// Another user's order establishes R2 as part of the market.
	env.seedOrder(t, "x1", "user2", "m1", "R2", model.Back, 3.0, 10, model.StatusMatched)
	env.quotes.setBackLadder("m1", "R1", 2.0)

	w := env.placeOrders(t, order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp order.PlaceOrdersResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// Matched BACK on a two-runner market: worst case is R2 winning,
	// losing the full 100 stake.
	if !resp.Balance.TotalLiability.Equal(d(100)) {
		t.Errorf("liability: expected 100, got %s", resp.Balance.TotalLiability)
	}
	if !resp.Balance.WalletBalance.Equal(d(900)) {
		t.Errorf("wallet: expected 900, got %s", resp.Balance.WalletBalance)
	}
}

func TestPlaceOrders_NoQuoteStaysPending(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)
	// No ladder configured: the feed is down. Placement still succeeds.

	w := env.placeOrders(t, order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp order.PlaceOrdersResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Orders[0].Status != model.StatusPending {
		t.Errorf("expected PENDING without a quote, got %s", resp.Orders[0].Status)
	}
	// Pending orders reserve their full stand-alone liability.
	if !resp.Balance.TotalLiability.Equal(d(100)) {
		t.Errorf("liability: expected 100, got %s", resp.Balance.TotalLiability)
	}
	if !resp.Balance.WalletBalance.Equal(d(900)) {
		t.Errorf("wallet: expected 900, got %s", resp.Balance.WalletBalance)
	}
}

func TestPlaceOrders_InsufficientFundsRejectsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 50)

	// 40 fits alone; 40+40 does not. The whole batch must reject.
	w := env.placeOrders(t, order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{
			backOrder("m1", "R1", 2.0, 40),
			backOrder("m2", "Y", 2.0, 40),
		},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp order.PlaceOrdersResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Accepted {
		t.Error("expected accepted=false")
	}

	orders, _ := env.ms.ListOrders(context.Background(), "user1", model.OrderFilter{})
	if len(orders) != 0 {
		t.Errorf("no partial batch may persist, found %d orders", len(orders))
	}
	acct, _ := env.ms.GetAccount(context.Background(), "user1")
	if !acct.WalletBalance.Equal(d(50)) {
		t.Errorf("wallet must be untouched, got %s", acct.WalletBalance)
	}
}

func TestPlaceOrders_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)

	cases := []struct {
		name string
		req  order.PlaceOrdersRequest
	}{
		{"missing user", order.PlaceOrdersRequest{Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 10)}}},
		{"empty batch", order.PlaceOrdersRequest{UserID: "user1"}},
		{"bad side", order.PlaceOrdersRequest{UserID: "user1", Orders: []order.OrderRequest{
			{MarketID: "m1", SelectionID: "R1", Side: "MAYBE", Price: d(2.0), Size: d(10)}}}},
		{"price at 1.0", order.PlaceOrdersRequest{UserID: "user1", Orders: []order.OrderRequest{
			{MarketID: "m1", SelectionID: "R1", Side: model.Back, Price: d(1.0), Size: d(10)}}}},
		{"zero size", order.PlaceOrdersRequest{UserID: "user1", Orders: []order.OrderRequest{
			{MarketID: "m1", SelectionID: "R1", Side: model.Back, Price: d(2.0), Size: decimal.Zero}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.placeOrders(t, tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestPlaceOrders_EnrichmentFailureUsesPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)
	env.events.fail = true

	w := env.placeOrders(t, order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enrichment failure must not block placement: %d %s", w.Code, w.Body.String())
	}

	var resp order.PlaceOrdersResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Orders[0].EventName != "Unknown Event" || resp.Orders[0].Category != "Other" {
		t.Errorf("expected placeholder enrichment, got %q %q",
			resp.Orders[0].EventName, resp.Orders[0].Category)
	}
}

// --- Cancellation tests ---

func TestCancelOrder_ReleasesLiability(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)

	w := env.placeOrders(t, order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})
	var placed order.PlaceOrdersResponse
	json.Unmarshal(w.Body.Bytes(), &placed)
	orderID := placed.Orders[0].ID

	req := httptest.NewRequest("POST", "/api/v1/orders/"+orderID+"/cancel?user_id=user1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp order.CancelResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Order.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", resp.Order.Status)
	}
	if !resp.Balance.WalletBalance.Equal(d(1000)) {
		t.Errorf("wallet after cancel: expected 1000, got %s", resp.Balance.WalletBalance)
	}
	if !resp.Balance.TotalLiability.IsZero() {
		t.Errorf("liability after cancel: expected 0, got %s", resp.Balance.TotalLiability)
	}

	// Repeat cancel finds no eligible order.
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders/"+orderID+"/cancel?user_id=user1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat cancel: expected 404, got %d", rec.Code)
	}
}

func TestCancelOrder_MatchedIsNotEligible(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)
	env.seedOrder(t, "o1", "user1", "m1", "R1", model.Back, 2.0, 100, model.StatusMatched)

	req := httptest.NewRequest("POST", "/api/v1/orders/o1/cancel?user_id=user1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("matched order must not cancel: expected 404, got %d", rec.Code)
	}
	o, _ := env.ms.GetOrder(context.Background(), "user1", "o1")
	if o.Status != model.StatusMatched {
		t.Errorf("order status changed to %s", o.Status)
	}
}

func TestCancelAllPending_LeavesMatchedAlone(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "user1", 1000)
	env.seedOrder(t, "o1", "user1", "m1", "R1", model.Back, 2.0, 50, model.StatusPending)
	env.seedOrder(t, "o2", "user1", "m2", "Y", model.Lay, 3.0, 10, model.StatusPending)
	env.seedOrder(t, "o3", "user1", "m3", "Z", model.Back, 2.0, 25, model.StatusMatched)

	req := httptest.NewRequest("POST", "/api/v1/orders/cancel-all?user_id=user1", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp order.CancelResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Cancelled != 2 {
		t.Errorf("expected 2 cancelled, got %d", resp.Cancelled)
	}

	o, _ := env.ms.GetOrder(context.Background(), "user1", "o3")
	if o.Status != model.StatusMatched {
		t.Errorf("matched order must survive cancel-all, got %s", o.Status)
	}
}

// --- Query tests ---

func TestGetOrders_Filters(t *testing.T) {
	env := newTestEnv(t)
	env.seedOrder(t, "o1", "user1", "m1", "R1", model.Back, 2.0, 50, model.StatusPending)
	env.seedOrder(t, "o2", "user1", "m1", "R2", model.Back, 3.0, 10, model.StatusMatched)
	env.seedOrder(t, "o3", "user1", "m2", "Y", model.Lay, 3.0, 10, model.StatusPending)

	get := func(url string) []model.Order {
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: %d %s", url, rec.Code, rec.Body.String())
		}
		var orders []model.Order
		json.Unmarshal(rec.Body.Bytes(), &orders)
		return orders
	}

	if n := len(get("/api/v1/orders?user_id=user1")); n != 3 {
		t.Errorf("unfiltered: expected 3, got %d", n)
	}
	if n := len(get("/api/v1/orders?user_id=user1&market_id=m1")); n != 2 {
		t.Errorf("market filter: expected 2, got %d", n)
	}
	if n := len(get("/api/v1/orders?user_id=user1&status=PENDING")); n != 2 {
		t.Errorf("status filter: expected 2, got %d", n)
	}
	if n := len(get("/api/v1/orders?user_id=user1&limit=1")); n != 1 {
		t.Errorf("limit: expected 1, got %d", n)
	}
	if n := len(get("/api/v1/orders?user_id=nobody")); n != 0 {
		t.Errorf("unknown user: expected 0, got %d", n)
	}
}

func TestDepositAndBalanceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(order.DepositRequest{Amount: d(500)})
	req := httptest.NewRequest("POST", "/api/v1/users/user1/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/users/user1/balance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", rec.Code)
	}
	var snap model.BalanceSnapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if !snap.WalletBalance.Equal(d(500)) {
		t.Errorf("wallet: expected 500, got %s", snap.WalletBalance)
	}

	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/users/user1/transactions", nil))
	var txs []model.Transaction
	json.Unmarshal(rec.Body.Bytes(), &txs)
	if len(txs) != 1 || txs[0].Type != model.TxDeposit {
		t.Errorf("expected one DEPOSIT transaction, got %+v", txs)
	}
}

func TestPlaceOrders_NegativeDeposit(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(order.DepositRequest{Amount: d(-10)})
	req := httptest.NewRequest("POST", "/api/v1/users/user1/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", rec.Code)
	}
}

// --- Transient storage failure after the batch commits ---

// brittleStore simulates transient storage failures in the match-apply
// phase, after the batch itself has been committed.
type brittleStore struct {
	*store.MemoryStore
	failMatchAudit bool
	failTransition bool
}

func (b *brittleStore) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	if b.failMatchAudit && tx.Type == model.TxBetMatched {
		return errors.New("transient storage failure")
	}
	return b.MemoryStore.AppendTransaction(ctx, tx)
}

func (b *brittleStore) TransitionOrder(ctx context.Context, userID, orderID string, from, to model.OrderStatus, executedPrice, matched decimal.Decimal, at time.Time) (bool, error) {
	if b.failTransition {
		return false, errors.New("transient storage failure")
	}
	return b.MemoryStore.TransitionOrder(ctx, userID, orderID, from, to, executedPrice, matched, at)
}

func newBrittleEnv(t *testing.T, bs *brittleStore) (*ledger.Ledger, *fakeQuotes, chi.Router) {
	t.Helper()
	lg := ledger.New(bs)
	fq := &fakeQuotes{ladders: make(map[string]*model.MarketQuote)}
	svc := order.NewService(bs, lg, fq, &fakeEvents{}, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/orders", svc.PlaceOrders)
	return lg, fq, r
}

func TestPlaceOrders_CommittedBatchSurvivesAuditFailure(t *testing.T) {
	bs := &brittleStore{MemoryStore: store.NewMemoryStore(), failMatchAudit: true}
	lg, fq, router := newBrittleEnv(t, bs)
	if _, err := lg.Deposit(context.Background(), "user1", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	fq.setBackLadder("m1", "R1", 2.2)

	body, _ := json.Marshal(order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})
	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// The batch is committed; a lost audit entry must not fail the request.
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for committed batch, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp order.PlaceOrdersResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Accepted {
		t.Error("expected accepted=true")
	}
	if resp.Orders[0].Status != model.StatusMatched {
		t.Errorf("expected MATCHED, got %s", resp.Orders[0].Status)
	}
	orders, _ := bs.MemoryStore.ListOrders(context.Background(), "user1", model.OrderFilter{})
	if len(orders) != 1 {
		t.Fatalf("expected the committed order to persist, got %d", len(orders))
	}
}

func TestPlaceOrders_MatchApplyFailureLeavesPendingForSweep(t *testing.T) {
	bs := &brittleStore{MemoryStore: store.NewMemoryStore(), failTransition: true}
	lg, fq, router := newBrittleEnv(t, bs)
	if _, err := lg.Deposit(context.Background(), "user1", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	fq.setBackLadder("m1", "R1", 2.2)

	body, _ := json.Marshal(order.PlaceOrdersRequest{
		UserID: "user1",
		Orders: []order.OrderRequest{backOrder("m1", "R1", 2.0, 100)},
	})
	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for committed batch, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp order.PlaceOrdersResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Accepted {
		t.Error("expected accepted=true")
	}
	// The promotion failed, so the order stays PENDING and keeps its full
	// reservation until the sweep resumes it.
	if resp.Orders[0].Status != model.StatusPending {
		t.Errorf("expected PENDING after failed promotion, got %s", resp.Orders[0].Status)
	}
	o, _ := bs.MemoryStore.ListOrders(context.Background(), "user1", model.OrderFilter{})
	if len(o) != 1 || o[0].Status != model.StatusPending {
		t.Fatalf("expected one persisted PENDING order, got %+v", o)
	}
	if resp.Balance == nil || !resp.Balance.TotalLiability.Equal(d(100)) {
		t.Errorf("pending order must stay reserved: %+v", resp.Balance)
	}
}
