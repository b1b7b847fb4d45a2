package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// registryLockID serializes registry updates through a transaction-scoped
// advisory lock.
const registryLockID int64 = 0x69646d696e74

// PostgresState keeps globals and boxes in registry_globals and registry_boxes.
type PostgresState struct {
	db *sql.DB
}

func NewPostgresState(db *sql.DB) *PostgresState {
	return &PostgresState{db: db}
}

func (s *PostgresState) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin registry view: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only transaction
	return fn(&postgresTx{ctx: ctx, tx: tx, readOnly: true})
}

func (s *PostgresState) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, registryLockID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock registry: %w", err)
	}
	if err := fn(&postgresTx{ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback registry update: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registry update: %w", err)
	}
	return nil
}

type postgresTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *postgresTx) Global(key string) ([]byte, bool, error) {
	return t.get(`SELECT value FROM registry_globals WHERE key = $1`, key)
}

func (t *postgresTx) SetGlobal(key string, value []byte) error {
	return t.put(`
		INSERT INTO registry_globals (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
}

func (t *postgresTx) Box(key []byte) ([]byte, bool, error) {
	return t.get(`SELECT value FROM registry_boxes WHERE key = $1`, key)
}

func (t *postgresTx) SetBox(key, value []byte) error {
	return t.put(`
		INSERT INTO registry_boxes (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
}

func (t *postgresTx) get(query string, key any) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read registry state: %w", err)
	}
	return value, true, nil
}

func (t *postgresTx) put(query string, key any, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.tx.ExecContext(t.ctx, query, key, value); err != nil {
		return fmt.Errorf("write registry state: %w", err)
	}
	return nil
}
