package pgxv5

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/outbox"
	"github.com/oggycat-dev/sagabox/saga"
)

const (
	getInstanceSql = "SELECT correlation_id, saga_name, current_state, COALESCE(business_key, ''), fields, steps, version, created_at, completed_at, COALESCE(error_message, ''), retry_count FROM saga_state WHERE correlation_id=$1 FOR UPDATE"

	insertInstanceSql = "INSERT INTO saga_state (correlation_id, saga_name, current_state, business_key, fields, steps, version, created_at, completed_at, error_message, retry_count) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)"

	updateInstanceSql = "UPDATE saga_state SET current_state=$1, business_key=$2, fields=$3, steps=$4, version=$5, completed_at=$6, error_message=$7, retry_count=$8 WHERE correlation_id=$9 AND version=$10"
)

// Store is the pgx implementation of saga.Store. All of its operations
// join the transaction the Transactor placed in the context: a saga row is
// always read with a row lock and written together with the outbox records
// the transition produced.
type Store struct {
	txKey  outbox.TxKey
	logger logger.Logger
}

var _ saga.Store = (*Store)(nil)
var _ logger.Loggable = (*Store)(nil)

func NewStore(txKey outbox.TxKey) *Store {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &Store{
		txKey:  txKey,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l logger.Logger) {
	s.logger = l
}

// Load fetches the instance for the given correlation id with a row lock
// held until the surrounding transaction ends.
func (s *Store) Load(ctx context.Context, correlationId uuid.UUID) (*saga.Instance, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, getInstanceSql, correlationId)
	var i saga.Instance
	var state string
	var fields, steps []byte
	err = row.Scan(&i.CorrelationId, &i.SagaName, &state, &i.BusinessKey, &fields, &steps, &i.Version, &i.CreatedAt, &i.CompletedAt, &i.ErrorMessage, &i.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	i.CurrentState = saga.State(state)
	if err := json.Unmarshal(fields, &i.Fields); err != nil {
		return nil, fmt.Errorf("could not decode the instance fields: %w", err)
	}
	if err := json.Unmarshal(steps, &i.Steps); err != nil {
		return nil, fmt.Errorf("could not decode the instance steps: %w", err)
	}
	return &i, nil
}

// Insert persists a brand new instance with version 1.
func (s *Store) Insert(ctx context.Context, i *saga.Instance) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	fields, steps, err := encode(i)
	if err != nil {
		return err
	}
	i.Version = 1
	_, err = tx.Exec(ctx, insertInstanceSql, i.CorrelationId, i.SagaName, string(i.CurrentState), i.BusinessKey, fields, steps, i.Version, i.CreatedAt, i.CompletedAt, i.ErrorMessage, i.RetryCount)
	if err != nil {
		return fmt.Errorf("could not persist the instance: %w", err)
	}
	return nil
}

// Update persists a mutated instance guarded by its version stamp. Another
// writer that slipped in since Load makes the stamp stale and the update a
// no-op, surfaced as saga.ErrConflict.
func (s *Store) Update(ctx context.Context, i *saga.Instance) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	fields, steps, err := encode(i)
	if err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, updateInstanceSql, string(i.CurrentState), i.BusinessKey, fields, steps, i.Version+1, i.CompletedAt, i.ErrorMessage, i.RetryCount, i.CorrelationId, i.Version)
	if err != nil {
		return fmt.Errorf("could not update the instance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return saga.ErrConflict
	}
	i.Version++
	return nil
}

func (s *Store) tx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(s.txKey).(pgx.Tx)
	if !ok {
		return nil, errors.New("a pgx.Tx transaction was expected")
	}
	return tx, nil
}

func encode(i *saga.Instance) ([]byte, []byte, error) {
	fields := i.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	steps := i.Steps
	if steps == nil {
		steps = []string{}
	}
	fb, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("could not encode the instance fields: %w", err)
	}
	sb, err := json.Marshal(steps)
	if err != nil {
		return nil, nil, fmt.Errorf("could not encode the instance steps: %w", err)
	}
	return fb, sb, nil
}

// beginner is a helper interface to work with pgxpool.Pool.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Transactor opens one store transaction per handled event and exposes it
// to the repositories through the context, under the same TxKey the stores
// were built with.
type Transactor struct {
	txKey outbox.TxKey
	db    beginner
}

var _ saga.Transactor = (*Transactor)(nil)

func NewTransactor(txKey outbox.TxKey, pool beginner) *Transactor {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Transactor{
		txKey: txKey,
		db:    pool,
	}
}

// InTx runs fn inside a transaction placed in the child context. The
// transaction commits only if fn returns nil.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(context.WithValue(ctx, t.txKey, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
