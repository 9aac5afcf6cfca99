// Package match implements the order matcher: a pure function that
// compares one order's requested price against the externally supplied
// best-price ladder for its runner.
//
// This is not a double auction — user orders are never crossed against
// each other. An order matches if the external ladder already offers a
// price at least as good as the one requested, and always fills in full.
package match

import (
	"github.com/shopspring/decimal"

	"github.com/oddex/exchange-core/internal/model"
)

// Result is the match decision for one order against one quote snapshot.
type Result struct {
	Status        model.OrderStatus
	ExecutedPrice decimal.Decimal
	MatchedSize   decimal.Decimal
}

// Evaluate decides whether an order matches against the given quote.
//
// BACK: matches when requested price ≤ the highest available back price,
// executing at that highest price (price improvement goes to the backer).
// LAY: matches when requested price ≥ the lowest available lay price,
// executing at that lowest price. Matching is all-or-nothing.
//
// A nil quote or an empty ladder means the order stays PENDING — an
// unavailable quote is never an error.
func Evaluate(side model.Side, requestedPrice, size decimal.Decimal, quote *model.MarketQuote) Result {
	pending := Result{Status: model.StatusPending, ExecutedPrice: requestedPrice}
	if quote == nil {
		return pending
	}

	switch side {
	case model.Back:
		best, ok := highestPrice(quote.AvailableToBack)
		if !ok || requestedPrice.GreaterThan(best) {
			return pending
		}
		return Result{Status: model.StatusMatched, ExecutedPrice: best, MatchedSize: size}

	case model.Lay:
		best, ok := lowestPrice(quote.AvailableToLay)
		if !ok || requestedPrice.LessThan(best) {
			return pending
		}
		return Result{Status: model.StatusMatched, ExecutedPrice: best, MatchedSize: size}
	}

	return pending
}

func highestPrice(ladder []model.PriceSize) (decimal.Decimal, bool) {
	if len(ladder) == 0 {
		return decimal.Zero, false
	}
	best := ladder[0].Price
	for _, ps := range ladder[1:] {
		if ps.Price.GreaterThan(best) {
			best = ps.Price
		}
	}
	return best, true
}

func lowestPrice(ladder []model.PriceSize) (decimal.Decimal, bool) {
	if len(ladder) == 0 {
		return decimal.Zero, false
	}
	best := ladder[0].Price
	for _, ps := range ladder[1:] {
		if ps.Price.LessThan(best) {
			best = ps.Price
		}
	}
	return best, true
}
