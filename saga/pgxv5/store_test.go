package pgxv5

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oggycat-dev/sagabox/logger"
	"github.com/oggycat-dev/sagabox/saga"
	"github.com/oggycat-dev/sagabox/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	database   *postgres.PostgresContainer
	pool       *pgxpool.Pool
	store      *Store
	transactor *Transactor
)

// TestMain prepares the database setup needed to run these tests. The store
// is tested against a real Postgres containerized instance.
func TestMain(m *testing.M) {
	var err error
	var dsn string
	ctx := context.Background()

	database, err = test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err = database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	store = NewStore(test.DefaultCtxKey)
	store.SetLogger(&logger.NopLogger{})
	transactor = NewTransactor(test.DefaultCtxKey, pool)
	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func newInstance() *saga.Instance {
	return &saga.Instance{
		CorrelationId: uuid.New(),
		SagaName:      "RegistrationSaga",
		CurrentState:  "Started",
		BusinessKey:   "ada@example.com",
		Fields:        map[string]string{"email": "ada@example.com"},
		Steps:         []string{},
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestNewStore(t *testing.T) {
	assert.Panics(t, func() {
		NewStore(nil)
	})
	assert.NotPanics(t, func() {
		NewStore(test.DefaultCtxKey)
	})
}

func TestNewTransactor(t *testing.T) {
	assert.Panics(t, func() {
		NewTransactor(nil, pool)
	})
	assert.Panics(t, func() {
		var p *pgxpool.Pool
		NewTransactor(test.DefaultCtxKey, p)
	})
	assert.NotPanics(t, func() {
		NewTransactor(test.DefaultCtxKey, pool)
	})
}

func TestStoreRequiresTransaction(t *testing.T) {
	_, err := store.Load(context.Background(), uuid.New())
	assert.Error(t, err)

	err = store.Insert(context.Background(), newInstance())
	assert.Error(t, err)
}

func TestInsertAndLoad(t *testing.T) {
	ctx := context.Background()
	inst := newInstance()
	inst.Steps = []string{"CreateAuthUser"}

	err := transactor.InTx(ctx, func(ctx context.Context) error {
		return store.Insert(ctx, inst)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.Version)

	var loaded *saga.Instance
	err = transactor.InTx(ctx, func(ctx context.Context) error {
		var err error
		loaded, err = store.Load(ctx, inst.CorrelationId)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, inst.CorrelationId, loaded.CorrelationId)
	assert.Equal(t, inst.SagaName, loaded.SagaName)
	assert.Equal(t, inst.CurrentState, loaded.CurrentState)
	assert.Equal(t, inst.BusinessKey, loaded.BusinessKey)
	assert.Equal(t, inst.Fields, loaded.Fields)
	assert.Equal(t, inst.Steps, loaded.Steps)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Nil(t, loaded.CompletedAt)
}

func TestLoadUnknownInstance(t *testing.T) {
	err := transactor.InTx(context.Background(), func(ctx context.Context) error {
		_, err := store.Load(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	inst := newInstance()
	require.NoError(t, transactor.InTx(ctx, func(ctx context.Context) error {
		return store.Insert(ctx, inst)
	}))

	t.Run("a fresh version stamp wins", func(t *testing.T) {
		err := transactor.InTx(ctx, func(ctx context.Context) error {
			loaded, err := store.Load(ctx, inst.CorrelationId)
			if err != nil {
				return err
			}
			loaded.CurrentState = saga.Completed
			now := time.Now().UTC().Truncate(time.Microsecond)
			loaded.CompletedAt = &now
			loaded.Steps = append(loaded.Steps, "CreateUserProfile")
			return store.Update(ctx, loaded)
		})
		require.NoError(t, err)

		err = transactor.InTx(ctx, func(ctx context.Context) error {
			loaded, err := store.Load(ctx, inst.CorrelationId)
			if err != nil {
				return err
			}
			assert.Equal(t, saga.Completed, loaded.CurrentState)
			assert.Equal(t, int64(2), loaded.Version)
			assert.NotNil(t, loaded.CompletedAt)
			assert.Equal(t, []string{"CreateUserProfile"}, loaded.Steps)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("a stale version stamp is rejected", func(t *testing.T) {
		stale := newInstance()
		stale.CorrelationId = inst.CorrelationId
		stale.Version = 1 // the row is already at version 2

		err := transactor.InTx(ctx, func(ctx context.Context) error {
			return store.Update(ctx, stale)
		})
		assert.ErrorIs(t, err, saga.ErrConflict)
	})
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	inst := newInstance()

	err := transactor.InTx(ctx, func(ctx context.Context) error {
		if err := store.Insert(ctx, inst); err != nil {
			return err
		}
		return fmt.Errorf("something broke after the insert")
	})
	require.Error(t, err)

	err = transactor.InTx(ctx, func(ctx context.Context) error {
		_, err := store.Load(ctx, inst.CorrelationId)
		return err
	})
	assert.ErrorIs(t, err, saga.ErrNotFound, "the insert must have been rolled back")
}
