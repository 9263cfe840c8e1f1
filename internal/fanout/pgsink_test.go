package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/signoff/internal/store"
)

func TestPgSink(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("signoff"),
		postgres.WithUsername("signoff"),
		postgres.WithPassword("signoff"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = store.Migrate(ctx, pool)
	require.NoError(t, err)

	sink := NewPgSink(pool)
	require.NoError(t, sink.HealthCheck(ctx))

	f := newTestFanout(sink)
	_, err = f.Dispatch(ctx, signedProposalEvent())
	require.NoError(t, err)

	// Redelivery of the same event must not add rows.
	_, err = f.Dispatch(ctx, signedProposalEvent())
	require.NoError(t, err)

	all, err := sink.List(ctx, "tenant-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := sink.List(ctx, "tenant-1", "admin@builder.test", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, NotificationID("evt-p-1", "admin@builder.test"), mine[0].ID)
	assert.Equal(t, "proposal_signed", mine[0].Type)
	assert.Equal(t, "https://app.test/subjects/p-1", mine[0].Link)
	assert.False(t, mine[0].Read)

	other, err := sink.List(ctx, "tenant-2", "", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
