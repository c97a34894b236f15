package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"govScope/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS value_changes (
	id BIGSERIAL PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	key TEXT NOT NULL,
	kind TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	block_number BIGINT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS value_changes_key_idx ON value_changes (chain_id, key, block_number);
CREATE TABLE IF NOT EXISTS operations (
	id BIGSERIAL PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	contract TEXT NOT NULL,
	method TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	states TEXT[] NOT NULL,
	status TEXT NOT NULL,
	cause TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS operations_tx_idx ON operations (chain_id, tx_hash) WHERE tx_hash <> '';
CREATE TABLE IF NOT EXISTS governance_events (
	chain_id BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	tx_hash TEXT NOT NULL,
	log_index INT NOT NULL,
	contract TEXT NOT NULL,
	event TEXT NOT NULL,
	proposal_id TEXT NOT NULL,
	fields JSONB NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS governance_events_proposal_idx ON governance_events (chain_id, proposal_id, block_number);
`

// Store persists the journal in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the journal tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// PutChanges inserts observed value changes in one batch.
func (s *Store) PutChanges(ctx context.Context, changes []model.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range changes {
		batch.Queue(`
			INSERT INTO value_changes (
				chain_id, key, kind, value, error, block_number, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7::timestamptz)
		`,
			int64(c.ChainID),
			c.Key,
			c.Kind,
			c.Value,
			c.Error,
			int64(c.Block),
			c.ObservedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range changes {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert value change: %w", err)
		}
	}
	return nil
}

// PutOperation inserts or updates an operation outcome keyed by its
// transaction hash.
func (s *Store) PutOperation(ctx context.Context, op model.OperationRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operations (
			chain_id, name, contract, method, tx_hash, states, status, cause, error, result, submitted_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::timestamptz,$12::timestamptz)
		ON CONFLICT (chain_id, tx_hash) WHERE tx_hash <> ''
		DO UPDATE SET
			states = EXCLUDED.states,
			status = EXCLUDED.status,
			cause = EXCLUDED.cause,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			finished_at = EXCLUDED.finished_at
	`,
		int64(op.ChainID),
		op.Name,
		op.Contract,
		op.Method,
		op.TxHash,
		op.States,
		op.Status,
		op.Cause,
		op.Error,
		op.Result,
		op.SubmittedAt,
		op.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// PutEvents inserts backfilled events, skipping ones already stored.
func (s *Store) PutEvents(ctx context.Context, events []model.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO governance_events (
				chain_id, block_number, block_timestamp, tx_hash, log_index, contract, event, proposal_id, fields, ingested_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::timestamptz)
			ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
		`,
			int64(e.ChainID),
			int64(e.BlockNumber),
			int64(e.BlockTimestamp),
			e.TxHash,
			int32(e.LogIndex),
			e.Contract,
			e.Event,
			e.ProposalID,
			e.Fields,
			e.IngestedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert governance event: %w", err)
		}
	}
	return nil
}
