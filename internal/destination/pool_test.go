package destination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool records executed SQL and answers QueryRow scans from a queue of
// canned boolean results (table existence, duplicate checks).
type fakePool struct {
	mu       sync.Mutex
	execs    []string
	execArgs [][]any
	boolRows []bool
	execErr  error
	closed   bool
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	p.execs = append(p.execs, sql)
	p.execArgs = append(p.execArgs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{scan: func(dest ...any) error {
		if len(dest) == 1 {
			if b, ok := dest[0].(*bool); ok {
				p.mu.Lock()
				defer p.mu.Unlock()
				if len(p.boolRows) > 0 {
					*b = p.boolRows[0]
					p.boolRows = p.boolRows[1:]
				} else {
					*b = false
				}
				return nil
			}
		}
		if len(dest) == 3 {
			if id, ok := dest[0].(*int); ok {
				*id = 1
				*(dest[1].(*string)) = "Hello from chainsink!"
				*(dest[2].(*time.Time)) = time.Now().UTC()
				return nil
			}
		}
		return errors.New("unexpected scan targets")
	}}
}

func (p *fakePool) Ping(ctx context.Context) error { return nil }

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePool) executed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.execs))
	copy(out, p.execs)
	return out
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }
