// Package catalog reads service and part prices. Catalog maintenance lives
// outside this system; the tables are filled by cmd/seed.
package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgCatalog struct {
	pool *pgxpool.Pool
}

func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

func (c *PgCatalog) ServicePrices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	return c.prices(ctx, "service_catalog", ids)
}

func (c *PgCatalog) PartPrices(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	return c.prices(ctx, "parts_catalog", ids)
}

func (c *PgCatalog) prices(ctx context.Context, table string, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	result := make(map[uuid.UUID]int64, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	// table is one of two constants above, never caller input
	rows, err := c.pool.Query(ctx, `
		SELECT id, unit_price
		FROM `+table+`
		WHERE id = ANY($1) AND active
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    uuid.UUID
			price int64
		)
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		result[id] = price
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
