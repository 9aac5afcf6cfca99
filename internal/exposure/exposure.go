// Package exposure computes the worst-case liability a user must keep
// reserved against their wallet, from their active orders.
//
// Matched orders on the same market net against each other ("green book"):
// the reserved amount is the worst net loss across every possible winner.
// Pending orders get no netting credit — an unconfirmed stake has no
// guaranteed offsetting exposure — so each reserves its full liability.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/model"
)

// ErrInsufficientFunds is returned when an order batch would push the
// user's total liability beyond wallet plus eligible profit. The whole
// batch is rejected; no partial admission.
var ErrInsufficientFunds = errors.New("exposure: insufficient funds for order batch")

// thresholdPlaces is the decimal precision for admission comparisons.
// Fixed-precision comparison keeps accept/reject decisions stable under
// rounding noise.
const thresholdPlaces = 2

// Summary is the full exposure picture for one user.
type Summary struct {
	// MatchedExposure is Σ over markets of worst-case matched liability.
	MatchedExposure decimal.Decimal
	// PendingLiability is Σ of per-order liability for PENDING orders.
	PendingLiability decimal.Decimal
	// TotalLiability = MatchedExposure + PendingLiability.
	TotalLiability decimal.Decimal
	// RunnerPnL maps RunnerKey → net payoff if that runner wins.
	RunnerPnL map[string]decimal.Decimal
	// PositiveProfit is the sum of strictly positive RunnerPnL values —
	// the only profit that may be pre-committed against new lay exposure.
	PositiveProfit decimal.Decimal
}

// OrderLiability is the stand-alone liability of a single order:
// the stake for a BACK, (price-1)*stake for a LAY.
func OrderLiability(side model.Side, price, size decimal.Decimal) decimal.Decimal {
	if side == model.Back {
		return size
	}
	return price.Sub(decimal.NewFromInt(1)).Mul(size)
}

// IfWinVector accumulates the per-runner net payoff for a set of matched
// orders that all belong to one market. runners is the market's full
// runner set; runners absent from it but present in orders are still
// included, and a nil/empty set falls back to the runners seen in orders.
//
// A BACK of stake s at price p on runner r contributes +s*(p-1) to
// ifWin[r] and -s to every other runner. A LAY contributes -s*(p-1) to
// ifWin[r] and +s to every other runner.
func IfWinVector(orders []model.Order, runners []string) map[string]decimal.Decimal {
	one := decimal.NewFromInt(1)
	ifWin := make(map[string]decimal.Decimal)

	for _, sel := range runners {
		ifWin[sel] = decimal.Zero
	}
	for _, o := range orders {
		if _, ok := ifWin[o.SelectionID]; !ok {
			ifWin[o.SelectionID] = decimal.Zero
		}
	}

	for _, o := range orders {
		stake := o.Matched
		if stake.IsZero() {
			stake = o.Size
		}
		winDelta := stake.Mul(o.Price.Sub(one)) // payoff on own runner winning
		loseDelta := stake                      // payoff on any other runner winning

		if o.Side == model.Back {
			ifWin[o.SelectionID] = ifWin[o.SelectionID].Add(winDelta)
			for sel := range ifWin {
				if sel != o.SelectionID {
					ifWin[sel] = ifWin[sel].Sub(loseDelta)
				}
			}
		} else {
			ifWin[o.SelectionID] = ifWin[o.SelectionID].Sub(winDelta)
			for sel := range ifWin {
				if sel != o.SelectionID {
					ifWin[sel] = ifWin[sel].Add(loseDelta)
				}
			}
		}
	}
	return ifWin
}

// MarketLiability is the worst-case net loss across all possible winners:
// max(0, -min(ifWin)). A fully green book reserves nothing.
func MarketLiability(ifWin map[string]decimal.Decimal) decimal.Decimal {
	worst := decimal.Zero
	for _, pnl := range ifWin {
		if pnl.LessThan(worst) {
			worst = pnl
		}
	}
	return worst.Neg()
}

// Compute builds the full exposure summary from a user's active orders.
// runnersByMarket supplies each market's known runner set; missing
// entries fall back to the runners present in the orders themselves.
// Cancelled and settled orders are ignored.
func Compute(orders []model.Order, runnersByMarket map[string][]string) Summary {
	byMarket := make(map[string][]model.Order)
	pending := decimal.Zero

	for _, o := range orders {
		switch o.Status {
		case model.StatusMatched:
			byMarket[o.MarketID] = append(byMarket[o.MarketID], o)
		case model.StatusPending:
			pending = pending.Add(OrderLiability(o.Side, o.Price, o.Size))
		}
	}

	s := Summary{
		PendingLiability: pending,
		RunnerPnL:        make(map[string]decimal.Decimal),
	}

	for marketID, bets := range byMarket {
		ifWin := IfWinVector(bets, runnersByMarket[marketID])
		s.MatchedExposure = s.MatchedExposure.Add(MarketLiability(ifWin))
		for sel, pnl := range ifWin {
			s.RunnerPnL[model.RunnerKey(marketID, sel)] = pnl
			if pnl.IsPositive() {
				s.PositiveProfit = s.PositiveProfit.Add(pnl)
			}
		}
	}

	s.TotalLiability = s.MatchedExposure.Add(s.PendingLiability)
	return s
}

// Admit simulates merging candidate orders into a user's existing active
// order set and checks whether the wallet can cover the additional
// liability. Capacity is wallet plus the strictly positive ifWin profit
// of the existing book. The comparison is done at fixed precision.
//
// On success it returns the merged summary, which the caller reserves
// against. On failure the entire batch is rejected.
func Admit(wallet decimal.Decimal, existing, candidates []model.Order, runnersByMarket map[string][]string) (Summary, error) {
	current := Compute(existing, runnersByMarket)

	merged := make([]model.Order, 0, len(existing)+len(candidates))
	merged = append(merged, existing...)
	merged = append(merged, candidates...)
	simulated := Compute(merged, runnersByMarket)

	additional := simulated.TotalLiability.Sub(current.TotalLiability)
	capacity := wallet.Add(current.PositiveProfit)

	if additional.Round(thresholdPlaces).GreaterThan(capacity.Round(thresholdPlaces)) {
		return Summary{}, ErrInsufficientFunds
	}
	return simulated, nil
}
