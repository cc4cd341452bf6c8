package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/outbox"
	"gorm.io/gorm"
)

const (
	getSubscriptionsSql          = "SELECT * FROM outbox_dispatcher_subscription ORDER BY id ASC"
	getOutboxLockRowSql          = "SELECT * from outbox_lock WHERE id=1"
	getDueEntriesSql             = "SELECT id, event_type, event_data, created_at, processed_at, next_retry_at, retry_count, COALESCE(last_error, '') FROM outbox WHERE processed_at IS NULL AND next_retry_at <= NOW() AND retry_count < ? ORDER BY created_at ASC"
	getDueEntriesWithLimitSql    = getDueEntriesSql + " LIMIT ?"
	getDeadLetteredSql           = "SELECT id, event_type, event_data, created_at, processed_at, next_retry_at, retry_count, COALESCE(last_error, '') FROM outbox WHERE processed_at IS NULL AND retry_count >= ? ORDER BY created_at ASC LIMIT ?"
	insertOutboxSql              = "INSERT INTO outbox (id, event_type, event_data, created_at, next_retry_at) VALUES (?, ?, ?, ?, ?)"
	markProcessedSql             = "UPDATE outbox SET processed_at=? WHERE id=? AND processed_at IS NULL"
	markFailedSql                = "UPDATE outbox SET retry_count=retry_count+1, next_retry_at=?, last_error=? WHERE id=? AND processed_at IS NULL"
	subscribeDispatcherInsertSql = "INSERT INTO outbox_dispatcher_subscription (id, dispatcher_id, alive_at, version) VALUES (?, ?, ?, 1)"
	subscribeDispatcherUpdateSql = "UPDATE outbox_dispatcher_subscription SET dispatcher_id=?, alive_at=?, version=? WHERE id=? AND version=?"
	acquireLockSql               = "UPDATE outbox_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql               = "UPDATE outbox_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1"
	updateSubscriptionSql        = "UPDATE outbox_dispatcher_subscription SET alive_at=NOW() WHERE dispatcher_id=?"
)

type Repository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

func New(txKey outbox.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, e *event.Envelope) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("could not serialize the envelope: %w", err)
	}
	err = tx.Exec(insertOutboxSql, e.Id, e.EventType, payload, e.OccurredAt, e.OccurredAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// AcquireLock obtains a table lock on the 'outbox' table by employing a
// database lock strategy through the use of the auxiliary table 'outbox_lock'.
func (r *Repository) AcquireLock(publisherId uuid.UUID) (bool, error) {
	lock, err := r.getOutboxLockRow()
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now()
	lockedUntil := lockedAt.Add(outbox.LockMaxDuration)
	res := r.db.Exec(acquireLockSql, publisherId, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, errors.New("race condition detected during the optimistic locking")
	}

	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", publisherId.String()))
	return true, nil
}

// ReleaseLock releases the table lock on the 'outbox' table that was
// acquired by the specified publisher.
func (r *Repository) ReleaseLock(publisherId uuid.UUID) error {
	lock, err := r.getOutboxLockRow()
	if err != nil {
		return err
	}
	if !lock.Locked || lock.LockedBy.String() != publisherId.String() {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, publisherId)
	}
	err = r.db.Exec(releaseLockSql).Error
	if err != nil {
		return err
	}
	r.logger.Debug(fmt.Sprintf("the lock was released by %s", publisherId.String()))
	return nil
}

// FindDue retrieves a limited list of due outbox entries to be processed
// in batches.
func (r *Repository) FindDue(batchSize int, limit int, maxRetries int, fc func([]*outbox.Record) error) error {
	var rows *sql.Rows
	var err error
	if limit == -1 {
		rows, err = r.db.Raw(getDueEntriesSql, maxRetries).Rows()
	} else {
		rows, err = r.db.Raw(getDueEntriesWithLimitSql, maxRetries, limit).Rows()
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
// single transaction. The processed_at guard makes the updates a
// compare-and-set, so redundant publishers never double-mark a record.
func (r *Repository) MarkBatch(processed []uuid.UUID, processedAt time.Time, failures []outbox.Failure) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range processed {
			if err := tx.Exec(markProcessedSql, processedAt, id).Error; err != nil {
				return err
			}
		}
		for _, f := range failures {
			if err := tx.Exec(markFailedSql, f.NextRetryAt, f.Error, f.Id).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindDeadLettered retrieves records that exhausted their delivery attempts.
func (r *Repository) FindDeadLettered(maxRetries int, limit int) ([]*outbox.Record, error) {
	rows, err := r.db.Raw(getDeadLetteredSql, maxRetries, limit).Rows()
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
	rows, err := r.db.Raw(getSubscriptionsSql).Rows()
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var dss []dispatcherSubscription
	for rows.Next() {
		var ds dispatcherSubscription
		err := rows.Scan(&ds.ID, &ds.DispatcherId, &ds.AliveAt, &ds.Version)
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
		res := r.db.Exec(subscribeDispatcherUpdateSql, publisherId, now, ds.Version+1, ds.ID, ds.Version)
		if res.Error != nil {
			return false, 0, res.Error
		}
		if res.RowsAffected == 0 {
			return false, 0, errors.New("race condition detected during the optimistic locking")
		}
	} else {
		res := r.db.Exec(subscribeDispatcherInsertSql, subscriptionId, publisherId, now)
		if res.Error != nil {
			return false, 0, res.Error
		}
	}

	return true, subscriptionId, nil
}

// UpdateSubscription updates 'alive_at' column with current time to prevent
// other publishers from stealing the subscription.
func (r *Repository) UpdateSubscription(publisherId uuid.UUID) (bool, error) {
	res := r.db.Exec(updateSubscriptionSql, publisherId)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
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
			return ds.ID, &ds
		}
	}
	return len(dss) + 1, nil
}

// isExpired considers expired the subscriptions whose publisher last aliveAt
// mark is above the configured expiration from current time.
func isExpired(ds dispatcherSubscription) bool {
	return ds.AliveAt.Time.Add(outbox.SubsExpirationAfter).Before(time.Now())
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (r *Repository) getOutboxLockRow() (*outboxLock, error) {
	var lock outboxLock
	result := r.db.Raw(getOutboxLockRowSql).Scan(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	return &lock, nil
}

func scanRecord(rows *sql.Rows) (*outbox.Record, error) {
	var or outbox.Record
	var processedAt sql.NullTime
	err := rows.Scan(&or.Id, &or.EventType, &or.Payload, &or.CreatedAt, &processedAt, &or.NextRetryAt, &or.RetryCount, &or.LastError)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		or.ProcessedAt = &t
	}
	return &or, nil
}
