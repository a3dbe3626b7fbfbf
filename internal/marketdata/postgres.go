package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const marketColumns = `id, question, description, event_title, category, outcomes,
	outcome_prices, volume, end_date, active, closed`

// PGProvider serves markets from the markets table through a pgx pool.
type PGProvider struct {
	pool *pgxpool.Pool
}

// NewPGProvider opens a pool against the market read model.
// viaBouncer switches to the simple protocol for PgBouncer transaction pooling.
func NewPGProvider(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*PGProvider, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse market database url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect market database: %w", err)
	}
	return &PGProvider{pool: pool}, nil
}

// Ping checks the pool.
func (p *PGProvider) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *PGProvider) Close() {
	p.pool.Close()
}

func (p *PGProvider) ListOpenMarketsEndingBetween(ctx context.Context, from, to time.Time) ([]Market, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+marketColumns+`
		FROM markets
		WHERE active AND NOT closed
		  AND end_date >= $1 AND end_date <= $2
	`, from, to)
	if err != nil {
		return nil, err
	}
	return collectMarkets(rows)
}

func (p *PGProvider) GetMarkets(ctx context.Context, ids []string) ([]Market, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectMarkets(rows)
}

func collectMarkets(rows pgx.Rows) ([]Market, error) {
	defer rows.Close()

	var out []Market
	for rows.Next() {
		var m Market
		if err := rows.Scan(
			&m.ID, &m.Question, &m.Description, &m.EventTitle, &m.Category,
			&m.Outcomes, &m.OutcomePrices, &m.Volume, &m.EndDate,
			&m.Active, &m.Closed,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
