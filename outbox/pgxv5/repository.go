package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/outbox"
)

const (
	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT * FROM outbox_lock WHERE id=1"
	getDueEntriesSql             = "SELECT id, event_type, event_data, created_at, processed_at, next_retry_at, retry_count, COALESCE(last_error, '') FROM outbox WHERE processed_at IS NULL AND next_retry_at <= NOW() AND retry_count < $1 ORDER BY created_at ASC"
	getDueEntriesWithLimitSql    = getDueEntriesSql + " LIMIT $2"
	getDeadLetteredSql           = "SELECT id, event_type, event_data, created_at, processed_at, next_retry_at, retry_count, COALESCE(last_error, '') FROM outbox WHERE processed_at IS NULL AND retry_count >= $1 ORDER BY created_at ASC LIMIT $2"
	insertOutboxSql              = "INSERT INTO outbox (id, event_type, event_data, created_at, next_retry_at) VALUES ($1, $2, $3, $4, $4)"
	markProcessedSql             = "UPDATE outbox SET processed_at=$1 WHERE id = ANY($2) AND processed_at IS NULL"
	markFailedSql                = "UPDATE outbox SET retry_count=retry_count+1, next_retry_at=$1, last_error=$2 WHERE id=$3 AND processed_at IS NULL"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES ($1, $2, $3, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=$1, alive_at=$2, version=$3 WHERE id=$4 AND version=$5"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE version=$5"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=$1"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  outbox.TxKey
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

func New(txKey outbox.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, e *event.Envelope) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize the envelope: %w", err)
	}
	_, err = tx.Exec(ctx, insertOutboxSql, e.Id, e.EventType, payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a
// database lock strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(publisherId uuid.UUID) (bool, error) {
	ctx := context.Background()
	lock, err := r.getOutboxLockRow()
	if err != nil {
		return false, err
	}
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(outbox.LockMaxDuration)
	ct, err := r.db.Exec(ctx, acquireLockSql, publisherId, lockedAt, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}

	if ct.RowsAffected() == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", publisherId.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was
// acquired by the specified publisher.
func (r *Repository) ReleaseLock(publisherId uuid.UUID) error {
	ctx := context.Background()
	lock, err := r.getOutboxLockRow()
	if err != nil {
		return err
	}
	if !lock.locked || uuid.UUID(lock.lockedBy.Bytes).String() != publisherId.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, publisherId)
	}
	_, err = r.db.Exec(ctx, releaseLockSql)
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", publisherId.String()))
	return nil
}

// FindDue retrieves a limited list of due outbox entries to be processed
// in batches.
func (r *Repository) FindDue(batchSize int, limit int, maxRetries int, fc func([]*outbox.Record) error) error {
	ctx := context.Background()
	var rows pgx.Rows
	var err error

	if limit == -1 {
		rows, err = r.db.Query(ctx, getDueEntriesSql, maxRetries)
	} else {
		rows, err = r.db.Query(ctx, getDueEntriesWithLimitSql, maxRetries, limit)
	}

	if err != nil {
		return err
	}
	defer rows.Close()

	var ors []*outbox.Record
	for rows.Next() {
		or, err := scanRecord(rows)
		if err != nil {
			return err
		}
		ors = append(ors, or)
		if len(ors) == batchSize {
			if err := fc(ors); err != nil {
				return err
			}
			ors = nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ors) > 0 {
		if err := fc(ors); err != nil {
			return err
		}
	}

	return nil
}

// MarkBatch persists the delivery outcomes of one publisher pass in a
// single transaction. The processed_at guard makes the update a
// compare-and-set: with redundant publishers only one markProcessed
// persists per record.
func (r *Repository) MarkBatch(processed []uuid.UUID, processedAt time.Time, failures []outbox.Failure) error {
	ctx := context.Background()
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(processed) > 0 {
		if _, err := tx.Exec(ctx, markProcessedSql, processedAt, processed); err != nil {
			return err
		}
	}
	for _, f := range failures {
		if _, err := tx.Exec(ctx, markFailedSql, f.NextRetryAt, f.Error, f.Id); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindDeadLettered retrieves records that exhausted their delivery attempts.
func (r *Repository) FindDeadLettered(maxRetries int, limit int) ([]*outbox.Record, error) {
	ctx := context.Background()
	rows, err := r.db.Query(ctx, getDeadLetteredSql, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ors []*outbox.Record
	for rows.Next() {
		or, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		ors = append(ors, or)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ors, nil
}

// SubscribeDispatcher tries to subscribe a publisher in the
// 'outbox_dispatcher_subscription' table taking into account the max number
// of allowed publishers. If the subscription is successful the function
// returns the assigned subscription to the caller.
func (r *Repository) SubscribeDispatcher(publisherId uuid.UUID, maxPublishers int) (bool, int, error) {
	ctx := context.Background()
	rows, err := r.db.Query(ctx, getSubscriptionsSql)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.id, &ds.dispatcherId, &ds.aliveAt, &ds.version)
		if err != nil {
			return false, 0, err
		}
		dss = append(dss, ds)
	}

	if err := rows.Err(); err != nil {
		return false, 0, err
	}

	subscriptionId, ds := allocateSubscription(dss)
	if subscriptionId > maxPublishers {
		r.logger.Debug("unable to subscribe due to maximum number of publishers reached")
		return false, 0, nil
	}
	now := time.Now()
	if ds != nil {
		ct, err := r.db.Exec(ctx, subscribeDispatcherUpdateSql, publisherId, now, ds.version+1, ds.id, ds.version)
		if err != nil {
			return false, 0, err
		}
		if ct.RowsAffected() == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		_, err := r.db.Exec(ctx, subscribeDispatcherInsertSql, subscriptionId, publisherId, now)
		if err != nil {
			return false, 0, err
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other publishers from stealing the subscription.
func (r *Repository) UpdateSubscription(publisherId uuid.UUID) (bool, error) {
	ctx := context.Background()
	ct, err := r.db.Exec(ctx, updateSubscriptionSql, publisherId)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("the publisher '%s' has no active subscription!", publisherId.String()))
		return false, nil
	}
	return true, nil
}

// allocateSubscription analyzes the current subscriptions and determines the
// next subscription identifier that can be used for a new publisher. If
// there is an expired subscription (determined by aliveAt) it is reused
// instead of allocating a new subscription entry.
func allocateSubscription(dss []dispatcherSubscription) (int, *dispatcherSubscription) {
	for _, ds := range dss {
		if isExpired(ds) {
			return ds.id, &ds
		}
	}
	return len(dss) + 1, nil
}

// isExpired considers expired the subscriptions whose publisher last aliveAt
// mark is above the configured expiration from current time.
func isExpired(ds dispatcherSubscription) bool {
	return ds.aliveAt.Add(outbox.SubsExpirationAfter).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow() (*outboxLock, error) {
	ctx := context.Background()
	row := r.db.QueryRow(ctx, getOutboxLockRowSql)
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func scanRecord(rows pgx.Rows) (*outbox.Record, error) {
	var or outbox.Record
	err := rows.Scan(&or.Id, &or.EventType, &or.Payload, &or.CreatedAt, &or.ProcessedAt, &or.NextRetryAt, &or.RetryCount, &or.LastError)
	if err != nil {
		return nil, err
	}
	return &or, nil
}
