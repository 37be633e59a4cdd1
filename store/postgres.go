package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `id, name, source_checksum, source_length,
	COALESCE(local_checksum, ''), COALESCE(validation, ''),
	validation_failed, transferred, deleted`

// A metadata change resets every derived field. All SET expressions see the
// pre-update row, so "stale" is evaluated against the old values.
const reconcileSQL = `
INSERT INTO records AS r (name, source_checksum, source_length)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET
	deleted = FALSE,
	source_checksum = EXCLUDED.source_checksum,
	source_length = EXCLUDED.source_length,
	transferred = CASE WHEN ` + staleSQL + ` THEN FALSE ELSE r.transferred END,
	validation_failed = CASE WHEN ` + staleSQL + ` THEN FALSE ELSE r.validation_failed END,
	validation = CASE WHEN ` + staleSQL + ` THEN NULL ELSE r.validation END,
	local_checksum = CASE WHEN ` + staleSQL + ` THEN NULL ELSE r.local_checksum END
RETURNING ` + recordColumns

const staleSQL = `(r.source_checksum <> EXCLUDED.source_checksum OR r.source_length <> EXCLUDED.source_length)`

const claimSQL = `
SELECT ` + recordColumns + `
FROM records
WHERE id > $1 AND NOT transferred AND NOT validation_failed AND NOT deleted
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT 1`

const persistSQL = `
UPDATE records SET
	source_checksum = $2,
	source_length = $3,
	local_checksum = NULLIF($4, ''),
	validation = NULLIF($5, ''),
	validation_failed = $6,
	transferred = $7,
	deleted = $8
WHERE id = $1`

const statsSQL = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE transferred),
	COUNT(*) FILTER (WHERE validation = 'checksum'),
	COUNT(*) FILTER (WHERE validation = 'length'),
	COUNT(*) FILTER (WHERE validation_failed),
	COUNT(*) FILTER (WHERE deleted),
	COUNT(*) FILTER (WHERE NOT transferred AND NOT validation_failed AND NOT deleted),
	COALESCE((SELECT marker FROM marker LIMIT 1), '')
FROM records`

// PostgresStore is the durable multi-process Store. Claims are row locks
// taken with SKIP LOCKED inside a transaction owned by the claim, so a
// worker that dies releases its claim when its connection closes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the tables if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires a connection string")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to set up tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var validation string
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.SourceChecksum, &rec.SourceLength,
		&rec.LocalChecksum, &validation,
		&rec.ValidationFailed, &rec.Transferred, &rec.Deleted,
	)
	if err != nil {
		return nil, err
	}
	rec.Validation = Validation(validation)
	return &rec, nil
}

func (s *PostgresStore) Reconcile(ctx context.Context, obs Observation) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, reconcileSQL, obs.Name, obs.Checksum, obs.Length))
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile %q: %w", obs.Name, err)
	}
	return rec, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, after int64) (Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	rec, err := scanRecord(tx.QueryRow(ctx, claimSQL, after))
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoEligible
		}
		return nil, fmt.Errorf("failed to claim record: %w", err)
	}
	return &pgClaim{tx: tx, rec: rec}, nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", name, err)
	}
	return rec, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, statsSQL).Scan(
		&st.Total, &st.Transferred, &st.ValidatedChecksum, &st.ValidatedLength,
		&st.ValidationFailed, &st.Deleted, &st.Pending, &st.Marker,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Marker(ctx context.Context) (string, error) {
	var marker string
	err := s.pool.QueryRow(ctx, `SELECT marker FROM marker LIMIT 1`).Scan(&marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read marker: %w", err)
	}
	return marker, nil
}

func (s *PostgresStore) SetMarker(ctx context.Context, marker string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE marker IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock marker: %w", err)
		}
		var current string
		err := tx.QueryRow(ctx, `SELECT marker FROM marker LIMIT 1`).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read marker: %w", err)
		}
		if err := checkMarker(current, marker); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM marker`); err != nil {
			return fmt.Errorf("failed to clear marker: %w", err)
		}
		if marker == "" {
			return nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO marker (marker) VALUES ($1)`, marker); err != nil {
			return fmt.Errorf("failed to write marker: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgClaim holds the row lock for the lifetime of its transaction.
type pgClaim struct {
	mu       sync.Mutex
	tx       pgx.Tx
	rec      *Record
	released bool
}

func (c *pgClaim) Record() *Record { return c.rec }

func (c *pgClaim) Persist(ctx context.Context, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrClaimReleased
	}
	if rec.ID != c.rec.ID {
		return fmt.Errorf("persist %q: record %d is not claimed", rec.Name, rec.ID)
	}
	_, err := c.tx.Exec(ctx, persistSQL,
		rec.ID, rec.SourceChecksum, rec.SourceLength, rec.LocalChecksum,
		string(rec.Validation), rec.ValidationFailed, rec.Transferred, rec.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to persist %q: %w", rec.Name, err)
	}
	return nil
}

func (c *pgClaim) MarkDeleted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrClaimReleased
	}
	if _, err := c.tx.Exec(ctx, `UPDATE records SET deleted = TRUE WHERE id = $1`, c.rec.ID); err != nil {
		return fmt.Errorf("failed to mark %q deleted: %w", c.rec.Name, err)
	}
	c.rec.Deleted = true
	return nil
}

func (c *pgClaim) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release claim on %q: %w", c.rec.Name, err)
	}
	return nil
}
