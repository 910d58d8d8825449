package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultTable = "bill_verdicts"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps the journal in a Postgres table.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects with the pgx driver and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("journal: invalid table name %q", table)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	s := &PostgresStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq         BIGINT PRIMARY KEY,
	verdict_at  TIMESTAMPTZ NOT NULL,
	bill        TEXT NOT NULL,
	amount      TEXT NOT NULL,
	row_count   INTEGER NOT NULL,
	accepted    BOOLEAN NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errors.New("journal: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (seq, verdict_at, bill, amount, row_count, accepted, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	_, err := s.db.ExecContext(ctx, query, e.Seq, e.At, e.Bill, e.Amount, e.Rows, e.Accepted, e.Reason)
	return err
}

func (s *PostgresStore) Entries(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal: nil db")
	}
	query := fmt.Sprintf(`
SELECT seq, verdict_at, bill, amount, row_count, accepted, reason
FROM %s ORDER BY seq`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.At, &e.Bill, &e.Amount, &e.Rows, &e.Accepted, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }
