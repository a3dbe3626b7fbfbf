// Package marketdata reads markets from the dashboard's market read model.
package marketdata

import (
	"context"
	"time"
)

// Market is a read-only view of a prediction market.
type Market struct {
	ID            string
	Question      string
	Description   string
	EventTitle    string
	Category      string
	Outcomes      []string
	OutcomePrices []float64
	Volume        float64
	EndDate       time.Time
	Active        bool
	Closed        bool
}

// Open reports whether the market still accepts bets.
func (m Market) Open() bool {
	return m.Active && !m.Closed
}

// Provider is the market data collaborator consumed by selection and dispatch.
type Provider interface {
	// ListOpenMarketsEndingBetween returns open markets whose end date lies in [from, to].
	ListOpenMarketsEndingBetween(ctx context.Context, from, to time.Time) ([]Market, error)

	// GetMarkets returns the markets with the given IDs. Unknown IDs are skipped.
	GetMarkets(ctx context.Context, ids []string) ([]Market, error)
}
