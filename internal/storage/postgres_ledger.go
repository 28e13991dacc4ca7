package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// lockPhotographerTx serializes ledger writes for one account. The row is
// created on first use so grants arriving before the auth webhook still
// land.
func (s *PostgresStore) lockPhotographerTx(ctx context.Context, tx *sql.Tx, photographerID string) error {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO photographers (id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO NOTHING
	`, photographerID, now); err != nil {
		return fmt.Errorf("ensure photographer row: %w", err)
	}
	var id string
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM photographers WHERE id = $1 FOR UPDATE
	`, photographerID).Scan(&id); err != nil {
		return fmt.Errorf("lock photographer: %w", err)
	}
	return nil
}

// loadEntriesTx reads the full journal for one photographer inside the
// transaction, locking the rows so concurrent debits serialize on the same
// consumption view.
func (s *PostgresStore) loadEntriesTx(ctx context.Context, tx *sql.Tx, photographerID string) ([]LedgerEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, photographer_id, entry_type, source, amount, expires_at,
		       correlation_kind, correlation_value, note, created_at
		FROM ledger_entries
		WHERE photographer_id = $1
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, photographerID)
	if err != nil {
		return nil, fmt.Errorf("load ledger entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(row rowScanner) (LedgerEntry, error) {
	var e LedgerEntry
	var source, entryType, corrKind string
	err := row.Scan(&e.ID, &e.PhotographerID, &entryType, &source, &e.Amount, &e.ExpiresAt,
		&corrKind, &e.CorrelationValue, &e.Note, &e.CreatedAt)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.Type = EntryType(entryType)
	e.Source = GrantSource(source)
	e.CorrelationKind = CorrelationKind(corrKind)
	return e, nil
}

// insertEntryTx appends a journal row and moves the cached balance by the
// entry amount within the same transaction.
func (s *PostgresStore) insertEntryTx(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, photographer_id, entry_type, source, amount, expires_at,
			correlation_kind, correlation_value, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.PhotographerID, string(e.Type), string(e.Source), e.Amount, e.ExpiresAt,
		string(e.CorrelationKind), e.CorrelationValue, e.Note, e.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE photographers SET balance = balance + $2, updated_at = NOW() WHERE id = $1
	`, e.PhotographerID, e.Amount); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyGrant(ctx context.Context, grant LedgerEntry) (LedgerEntry, bool, error) {
	if grant.Amount <= 0 {
		return LedgerEntry{}, false, ErrConflict
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.lockPhotographerTx(ctx, tx, grant.PhotographerID); err != nil {
		return LedgerEntry{}, false, err
	}

	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.Type = EntryGrant
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	if err := s.insertEntryTx(ctx, tx, grant); err != nil {
		if isUniqueViolation(err) {
			// Replay: the correlation pair already produced an entry.
			// Abandon this transaction and return the stored row.
			_ = tx.Rollback()
			existing, lookupErr := s.GetEntryByCorrelation(ctx, grant.CorrelationKind, grant.CorrelationValue)
			if lookupErr != nil {
				return LedgerEntry{}, false, lookupErr
			}
			return existing, false, nil
		}
		return LedgerEntry{}, false, fmt.Errorf("insert grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("commit grant: %w", err)
	}
	return grant, true, nil
}

func (s *PostgresStore) ApplyRevocation(ctx context.Context, rev RevocationRequest) (LedgerEntry, bool, error) {
	if rev.Amount <= 0 {
		return LedgerEntry{}, false, ErrConflict
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.lockPhotographerTx(ctx, tx, rev.PhotographerID); err != nil {
		return LedgerEntry{}, false, err
	}

	entry := LedgerEntry{
		ID:               uuid.NewString(),
		PhotographerID:   rev.PhotographerID,
		Type:             EntryRevoke,
		Source:           rev.Source,
		Amount:           -rev.Amount,
		CorrelationKind:  rev.CorrelationKind,
		CorrelationValue: rev.CorrelationValue,
		Note:             rev.Note,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.insertEntryTx(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			existing, lookupErr := s.GetEntryByCorrelation(ctx, rev.CorrelationKind, rev.CorrelationValue)
			if lookupErr != nil {
				return LedgerEntry{}, false, lookupErr
			}
			return existing, false, nil
		}
		return LedgerEntry{}, false, fmt.Errorf("insert revocation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("commit revocation: %w", err)
	}
	return entry, true, nil
}

func (s *PostgresStore) ApplyDebit(ctx context.Context, debit DebitRequest) (LedgerEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, applied, err := s.applyDebitTx(ctx, tx, debit, time.Now().UTC())
	if errors.Is(err, ErrDuplicateCorrelation) {
		// Lost the insert race with a concurrent identical debit. The
		// aborted transaction cannot read the winner, so resolve it
		// outside and report a replay, same as the read-then-insert path.
		_ = tx.Rollback()
		existing, lookupErr := s.GetEntryByCorrelation(ctx, debit.CorrelationKind, debit.CorrelationValue)
		if lookupErr != nil {
			return LedgerEntry{}, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, err
	}
	if !applied {
		// Replay resolved inside the transaction; nothing to commit.
		_ = tx.Rollback()
		return entry, false, nil
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("commit debit: %w", err)
	}
	return entry, true, nil
}

// applyDebitTx runs the full consume sequence inside the given transaction:
// lock the account, resolve replays, write off expired grants, plan the
// FIFO consumption and append the debit row.
func (s *PostgresStore) applyDebitTx(ctx context.Context, tx *sql.Tx, debit DebitRequest, now time.Time) (LedgerEntry, bool, error) {
	if debit.Amount <= 0 {
		return LedgerEntry{}, false, ErrConflict
	}

	if err := s.lockPhotographerTx(ctx, tx, debit.PhotographerID); err != nil {
		return LedgerEntry{}, false, err
	}

	existing, err := s.entryByCorrelationTx(ctx, tx, debit.CorrelationKind, debit.CorrelationValue)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return LedgerEntry{}, false, err
	}

	entries, err := s.loadEntriesTx(ctx, tx, debit.PhotographerID)
	if err != nil {
		return LedgerEntry{}, false, err
	}

	// Sweep before planning so expired lots cannot absorb this debit.
	swept, err := s.sweepEntriesTx(ctx, tx, debit.PhotographerID, entries, now)
	if err != nil {
		return LedgerEntry{}, false, err
	}
	entries = append(entries, swept...)

	lots := BuildLots(entries)
	if AvailableCredits(lots, now) < debit.Amount {
		return LedgerEntry{}, false, ErrInsufficientCredits
	}
	inherited, ok := PlanDebit(lots, debit.Amount, now)
	if !ok {
		return LedgerEntry{}, false, ErrInsufficientCredits
	}

	entry := LedgerEntry{
		ID:               uuid.NewString(),
		PhotographerID:   debit.PhotographerID,
		Type:             EntryDebit,
		Amount:           -debit.Amount,
		ExpiresAt:        inherited,
		CorrelationKind:  debit.CorrelationKind,
		CorrelationValue: debit.CorrelationValue,
		Note:             debit.Note,
		CreatedAt:        now,
	}
	if err := s.insertEntryTx(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent identical debit. The
			// violation aborts the transaction, so the caller resolves
			// the winning entry after rollback.
			return LedgerEntry{}, false, ErrDuplicateCorrelation
		}
		return LedgerEntry{}, false, fmt.Errorf("insert debit: %w", err)
	}
	return entry, true, nil
}

// sweepEntriesTx appends write-off rows for every expired grant in the
// already-loaded journal. Returns the appended entries.
func (s *PostgresStore) sweepEntriesTx(ctx context.Context, tx *sql.Tx, photographerID string, entries []LedgerEntry, now time.Time) ([]LedgerEntry, error) {
	lots := BuildLots(entries)
	remainders := ExpiredRemainders(lots, now)
	if len(remainders) == 0 {
		return nil, nil
	}

	var appended []LedgerEntry
	for grantID, remainder := range remainders {
		entry := LedgerEntry{
			ID:               uuid.NewString(),
			PhotographerID:   photographerID,
			Type:             EntryExpiryAdjust,
			Amount:           -remainder,
			CorrelationKind:  CorrExpiryAdjust,
			CorrelationValue: grantID,
			Note:             "expired grant write-off",
			CreatedAt:        now,
		}
		if err := s.insertEntryTx(ctx, tx, entry); err != nil {
			if isUniqueViolation(err) {
				// Another sweep got there first; its row is equivalent.
				continue
			}
			return nil, fmt.Errorf("insert expiry adjustment: %w", err)
		}
		appended = append(appended, entry)
	}
	return appended, nil
}

func (s *PostgresStore) entryByCorrelationTx(ctx context.Context, tx *sql.Tx, kind CorrelationKind, value string) (LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, photographer_id, entry_type, source, amount, expires_at,
		       correlation_kind, correlation_value, note, created_at
		FROM ledger_entries
		WHERE correlation_kind = $1 AND correlation_value = $2
	`, string(kind), value)
	e, err := scanLedgerEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

func (s *PostgresStore) Balance(ctx context.Context, photographerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM photographers WHERE id = $1
	`, photographerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, photographerID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, photographer_id, entry_type, source, amount, expires_at,
		       correlation_kind, correlation_value, note, created_at
		FROM ledger_entries
		WHERE photographer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, photographerID, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEntryByCorrelation(ctx context.Context, kind CorrelationKind, value string) (LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, photographer_id, entry_type, source, amount, expires_at,
		       correlation_kind, correlation_value, note, created_at
		FROM ledger_entries
		WHERE correlation_kind = $1 AND correlation_value = $2
	`, string(kind), value)
	e, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, ErrNotFound
		}
		return LedgerEntry{}, err
	}
	return e, nil
}

func (s *PostgresStore) SweepExpiredGrants(ctx context.Context, now time.Time) ([]LedgerEntry, error) {
	// Find accounts holding grants that expired and may still carry
	// unconsumed capacity, then sweep each under its account lock.
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT g.photographer_id
		FROM ledger_entries g
		LEFT JOIN ledger_entries adj
			ON adj.correlation_kind = 'expiry_adjust' AND adj.correlation_value = g.id
		WHERE g.entry_type = 'grant' AND g.expires_at IS NOT NULL AND g.expires_at <= $1
			AND adj.id IS NULL
	`, now)
	if err != nil {
		return nil, fmt.Errorf("find expired grants: %w", err)
	}
	var photographerIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan photographer id: %w", err)
		}
		photographerIDs = append(photographerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var appended []LedgerEntry
	for _, photographerID := range photographerIDs {
		entries, err := s.sweepPhotographer(ctx, photographerID, now)
		if err != nil {
			return appended, err
		}
		appended = append(appended, entries...)
	}
	return appended, nil
}

func (s *PostgresStore) sweepPhotographer(ctx context.Context, photographerID string, now time.Time) ([]LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.lockPhotographerTx(ctx, tx, photographerID); err != nil {
		return nil, err
	}
	entries, err := s.loadEntriesTx(ctx, tx, photographerID)
	if err != nil {
		return nil, err
	}
	appended, err := s.sweepEntriesTx(ctx, tx, photographerID, entries, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return appended, nil
}
