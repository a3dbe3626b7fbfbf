// Package selector picks the markets a batch should predict.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"forecastplane/internal/marketdata"
)

// MaxTopCount caps how many markets a single batch may target.
const MaxTopCount = 200

var (
	// ErrDataUnavailable is returned when the market provider cannot be read.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrInvalidConstraints is returned for out-of-range selection parameters.
	ErrInvalidConstraints = errors.New("invalid selection constraints")
)

// Constraints describes which markets a batch should target.
type Constraints struct {
	TopCount          int
	EndDateRangeHours int
	TargetDaysFromNow int
	BalanceCategories bool
}

// Validate checks the constraints and caps TopCount.
func (c *Constraints) Validate() error {
	if c.TopCount <= 0 {
		return fmt.Errorf("%w: top count must be positive", ErrInvalidConstraints)
	}
	if c.EndDateRangeHours <= 0 {
		return fmt.Errorf("%w: end date range must be positive", ErrInvalidConstraints)
	}
	if c.TargetDaysFromNow < 0 {
		return fmt.Errorf("%w: target days must not be negative", ErrInvalidConstraints)
	}
	if c.TopCount > MaxTopCount {
		c.TopCount = MaxTopCount
	}
	return nil
}

// Window returns the inclusive resolution-date window around now.
func (c Constraints) Window(now time.Time) (from, to time.Time) {
	center := now.Add(time.Duration(c.TargetDaysFromNow) * 24 * time.Hour)
	half := time.Duration(c.EndDateRangeHours) * time.Hour / 2
	return center.Add(-half), center.Add(half)
}

// Selector ranks open markets resolving inside a date window.
type Selector struct {
	markets marketdata.Provider
	now     func() time.Time
}

// New creates a Selector over the given provider.
func New(markets marketdata.Provider) *Selector {
	return &Selector{markets: markets, now: time.Now}
}

// WithClock overrides the clock; used by tests.
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// SelectCandidates returns market IDs ordered by volume descending, then by ID.
// When BalanceCategories is set, markets from rarer categories win volume ties.
// An empty result is not an error.
func (s *Selector) SelectCandidates(ctx context.Context, c Constraints) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	from, to := c.Window(s.now())
	found, err := s.markets.ListOpenMarketsEndingBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	eligible := make([]marketdata.Market, 0, len(found))
	perCategory := make(map[string]int)
	for _, m := range found {
		if !m.Open() || m.EndDate.Before(from) || m.EndDate.After(to) {
			continue
		}
		eligible = append(eligible, m)
		perCategory[m.Category]++
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Volume != b.Volume {
			return a.Volume > b.Volume
		}
		if c.BalanceCategories && perCategory[a.Category] != perCategory[b.Category] {
			return perCategory[a.Category] < perCategory[b.Category]
		}
		return a.ID < b.ID
	})

	if len(eligible) > c.TopCount {
		eligible = eligible[:c.TopCount]
	}

	ids := make([]string, 0, len(eligible))
	for _, m := range eligible {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
