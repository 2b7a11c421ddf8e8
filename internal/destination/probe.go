package destination

import (
	"context"
	"fmt"
	"time"
)

// ProbeResult is the row read back by a connection test.
type ProbeResult struct {
	ID        int       `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Probe verifies a destination end to end: it creates a scratch table if
// absent, inserts one row and reads it back.
func Probe(ctx context.Context, pool Pool, table string) (*ProbeResult, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidConfig, table)
	}

	createQ := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			message TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		)`, table)
	if _, err := pool.Exec(ctx, createQ); err != nil {
		return nil, fmt.Errorf("create probe table %s: %w", table, err)
	}

	insertQ := fmt.Sprintf(`INSERT INTO %s (message) VALUES ($1)`, table)
	if _, err := pool.Exec(ctx, insertQ, "Hello from chainsink!"); err != nil {
		return nil, fmt.Errorf("insert probe row: %w", err)
	}

	selectQ := fmt.Sprintf(`SELECT id, message, created_at FROM %s ORDER BY created_at DESC LIMIT 1`, table)

	var result ProbeResult
	if err := pool.QueryRow(ctx, selectQ).Scan(&result.ID, &result.Message, &result.CreatedAt); err != nil {
		return nil, fmt.Errorf("read probe row: %w", err)
	}
	return &result, nil
}
