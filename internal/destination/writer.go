package destination

import (
	"context"
	"fmt"
	"time"
)

// ProgramInvocationRow is the normalized record written for a program
// invocation event.
type ProgramInvocationRow struct {
	Signature string
	Timestamp time.Time
	Raw       []byte // full provider transaction JSON
}

// TokenPriceRow is the normalized record written for a relevant swap.
type TokenPriceRow struct {
	Signature      string
	Timestamp      time.Time
	InTokenMint    string
	InTokenAmount  float64
	InTokenSymbol  string
	OutTokenMint   string
	OutTokenAmount float64
	OutTokenSymbol string
	Price          float64
	PriceLabel     string
	AMM            string
	Raw            []byte
}

// InsertProgramInvocation writes one row into the live program invocation
// table. The table name must already be validated by EnsureTable.
func InsertProgramInvocation(ctx context.Context, pool Pool, table string, row *ProgramInvocationRow) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (
			signature,
			timestamp,
			data
		) VALUES ($1, $2, $3)`, table)

	if _, err := pool.Exec(ctx, q, row.Signature, row.Timestamp, row.Raw); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// InsertTokenPrice writes one token price row unless a row with the same
// signature already exists. Returns false when the insert was skipped as a
// duplicate.
func InsertTokenPrice(ctx context.Context, pool Pool, table string, row *TokenPriceRow) (bool, error) {
	dupQ := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE signature = $1
		)`, table)

	var exists bool
	if err := pool.QueryRow(ctx, dupQ, row.Signature).Scan(&exists); err != nil {
		return false, fmt.Errorf("check duplicate in %s: %w", table, err)
	}
	if exists {
		return false, nil
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (
			timestamp,
			signature,
			in_token_mint,
			in_token_amount,
			in_token_symbol,
			out_token_mint,
			out_token_amount,
			out_token_symbol,
			price,
			price_label,
			amm,
			raw_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, table)

	_, err := pool.Exec(ctx, q,
		row.Timestamp,
		row.Signature,
		row.InTokenMint,
		row.InTokenAmount,
		row.InTokenSymbol,
		row.OutTokenMint,
		row.OutTokenAmount,
		row.OutTokenSymbol,
		row.Price,
		row.PriceLabel,
		row.AMM,
		row.Raw,
	)
	if err != nil {
		return false, fmt.Errorf("insert into %s: %w", table, err)
	}
	return true, nil
}
