package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps ledgers in the ledger_entries table, ordered by seq.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore returns a PostgresStore on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const entryColumns = `created_at, created_at_iso, entry_type, credits, mcredits, balance_mcredits, description`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var typ string
	if err := row.Scan(&e.CreatedAt, &e.CreatedAtISO, &typ, &e.Credits, &e.MCredits, &e.BalanceMCredits, &e.Description); err != nil {
		return Entry{}, err
	}
	e.Type = Category(typ)
	e.Balance = float64(e.BalanceMCredits) / 1000
	return e, nil
}

func (s *PostgresStore) Last(ctx context.Context, tenant string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant = $1
		ORDER BY seq DESC
		LIMIT 1
	`, tenant)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Append(ctx context.Context, tenant string, entry Entry) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO ledger_entries (tenant, seq, `+entryColumns+`)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8
			FROM ledger_entries WHERE tenant = $1
			RETURNING seq
		)
		SELECT COUNT(*) + 1 FROM ledger_entries WHERE tenant = $1
	`, tenant, entry.CreatedAt, entry.CreatedAtISO, string(entry.Type), entry.Credits, entry.MCredits, entry.BalanceMCredits, entry.Description).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Entries(ctx context.Context, tenant string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant = $1
		ORDER BY seq ASC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Rotate moves the live rows to ledger_entries_archive and inserts live in a
// single transaction.
func (s *PostgresStore) Rotate(ctx context.Context, tenant string, live []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries_archive (tenant, archived_at, seq, `+entryColumns+`)
		SELECT tenant, $2, seq, `+entryColumns+`
		FROM ledger_entries WHERE tenant = $1
	`, tenant, s.now().Unix()); err != nil {
		return fmt.Errorf("archive entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE tenant = $1`, tenant); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for i, e := range live {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (tenant, seq, `+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, tenant, i+1, e.CreatedAt, e.CreatedAtISO, string(e.Type), e.Credits, e.MCredits, e.BalanceMCredits, e.Description); err != nil {
			return fmt.Errorf("insert summary entry: %w", err)
		}
	}
	return tx.Commit()
}
