// Package quotes integrates the external market-data feed: best-price
// ladders per runner and display metadata per market.
//
// Lookups are slow external calls and may fail at any time. Callers must
// treat an unavailable quote as "no prices" (orders stay pending), never
// as a placement error, and must fetch quotes before taking any ledger
// lock.
package quotes

import (
	"context"
	"errors"

	"github.com/oddex/exchange-core/internal/model"
)

// ErrUnavailable is returned when the upstream feed cannot supply data.
// Callers degrade gracefully: matching treats it as an empty ladder,
// enrichment substitutes placeholder metadata.
var ErrUnavailable = errors.New("quotes: market data unavailable")

// QuoteProvider supplies the current best-price ladders for one runner.
type QuoteProvider interface {
	GetBestPrices(ctx context.Context, marketID, selectionID string) (*model.MarketQuote, error)
}

// EventInfoProvider supplies display metadata for a market.
// Failure is non-fatal everywhere; callers fall back to placeholders.
type EventInfoProvider interface {
	GetEventInfo(ctx context.Context, marketID string) (model.EventInfo, error)
}
