package destination

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// TableShape selects the column set a destination table is created with.
type TableShape int

const (
	// TableProgramInvocation is the live write-path shape: the raw
	// transaction stored verbatim next to its signature and timestamp.
	TableProgramInvocation TableShape = iota

	// TableProgramRegistration is the richer shape provisioned at
	// registration time, with per-instruction columns.
	TableProgramRegistration

	// TableTokenPrice stores one row per relevant swap.
	TableTokenPrice
)

// TablePolicy controls how EnsureTable treats an existing table.
type TablePolicy int

const (
	// PolicyEnsure creates the table and its indexes only if absent.
	PolicyEnsure TablePolicy = iota

	// PolicyRecreate unconditionally drops and recreates the table. On
	// the live program invocation path this runs per event, so the table
	// holds at most one row at a time. Two concurrent deliveries to the
	// same table can race a recreate against an insert; callers accept
	// that.
	PolicyRecreate
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidTableName reports whether name is a safe lowercase identifier.
// Table names are interpolated into DDL, so anything else is rejected.
func ValidTableName(name string) bool {
	return len(name) <= 63 && identPattern.MatchString(name)
}

func createSQL(table string, shape TableShape) string {
	switch shape {
	case TableProgramRegistration:
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				program_id TEXT NOT NULL,
				signature TEXT NOT NULL,
				slot BIGINT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				accounts TEXT[] NOT NULL,
				data TEXT,
				is_inner_instruction BOOLEAN DEFAULT FALSE,
				inner_instruction_index INTEGER,
				transaction_json JSONB,
				created_at TIMESTAMP DEFAULT NOW()
			)`, table)
	case TableTokenPrice:
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				timestamp TIMESTAMP NOT NULL,
				signature TEXT,
				in_token_mint TEXT NOT NULL,
				in_token_amount NUMERIC NOT NULL,
				in_token_symbol TEXT,
				out_token_mint TEXT NOT NULL,
				out_token_amount NUMERIC NOT NULL,
				out_token_symbol TEXT,
				price NUMERIC NOT NULL,
				price_label TEXT,
				amm TEXT,
				raw_data JSONB NOT NULL,
				created_at TIMESTAMP DEFAULT NOW()
			)`, table)
	default:
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				signature TEXT,
				timestamp TIMESTAMP NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP DEFAULT NOW()
			)`, table)
	}
}

func indexSQL(table string, shape TableShape) []string {
	switch shape {
	case TableProgramRegistration:
		return []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_program_id_idx ON %s(program_id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_signature_idx ON %s(signature)`, table, table),
		}
	case TableTokenPrice:
		return []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_timestamp_idx ON %s(timestamp)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_in_token_idx ON %s(in_token_mint)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_out_token_idx ON %s(out_token_mint)`, table, table),
		}
	default:
		return []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_signature_idx ON %s(signature)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_timestamp_idx ON %s(timestamp)`, table, table),
		}
	}
}

// TableExists probes pg_tables for the given table in the public schema.
func TableExists(ctx context.Context, pool Pool, table string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT FROM pg_tables
			WHERE schemaname = 'public'
			AND tablename = $1
		)`

	var exists bool
	if err := pool.QueryRow(ctx, q, strings.ToLower(table)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// EnsureTable materializes a destination table with the shape's column set
// and indexes, according to policy.
func EnsureTable(ctx context.Context, pool Pool, table string, shape TableShape, policy TablePolicy) error {
	if !ValidTableName(table) {
		return fmt.Errorf("%w: invalid table name %q", ErrInvalidConfig, table)
	}

	if policy == PolicyRecreate {
		if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table)); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	} else {
		exists, err := TableExists(ctx, pool, table)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	if _, err := pool.Exec(ctx, createSQL(table, shape)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	for _, q := range indexSQL(table, shape) {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create index on %s: %w", table, err)
		}
	}
	return nil
}
