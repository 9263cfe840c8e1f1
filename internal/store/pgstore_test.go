package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/signoff/model"
)

func TestPgStore(t *testing.T) {
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
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	applied, err := Migrate(ctx, pool)
	require.NoError(t, err)
	assert.Len(t, applied, 3)

	again, err := Migrate(ctx, pool)
	require.NoError(t, err)
	assert.Empty(t, again, "migrations must only run once")

	s := NewPgStore(pool)
	require.NoError(t, s.HealthCheck(ctx))

	t.Run("Create and Get", func(t *testing.T) {
		subj := testProposal("pg-1")
		require.NoError(t, s.Create(ctx, subj))

		got, err := s.Get(ctx, "tenant-1", "pg-1")
		require.NoError(t, err)
		assert.Equal(t, model.ProposalSent, got.Status)
		assert.Equal(t, "j@x.com", got.Proposal.Recipient.Email)
		assert.Nil(t, got.Signature)

		err = s.Create(ctx, subj)
		assert.True(t, model.IsCode(err, model.ErrConflict), "duplicate create: %v", err)

		_, err = s.Get(ctx, "tenant-2", "pg-1")
		assert.True(t, model.IsCode(err, model.ErrNotFound), "cross-tenant get: %v", err)
	})

	t.Run("Apply decision round trips signature bytes", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, testProposal("pg-2")))
		change := signedChange("J. Smith")
		change.Event.ID = "evt-pg-2"
		change.Event.SubjectID = "pg-2"

		updated, err := s.Apply(ctx, "tenant-1", "pg-2", 0, change)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Version)
		assert.Equal(t, model.ProposalSigned, updated.Status)
		require.NotNil(t, updated.Signature)
		assert.Equal(t, change.Signature.Image, updated.Signature.Image)

		got, err := s.Get(ctx, "tenant-1", "pg-2")
		require.NoError(t, err)
		assert.Equal(t, change.Signature.Image, got.Signature.Image)
		assert.Equal(t, "J. Smith", got.Signature.SignerName)
		assert.True(t, change.DecisionTimestamp.Equal(*got.DecisionTimestamp))

		_, err = s.Apply(ctx, "tenant-1", "pg-2", got.Version, signedChange("Other"))
		assert.True(t, model.IsCode(err, model.ErrConflict), "second decision: %v", err)

		entry, err := s.GetEvent(ctx, "evt-pg-2")
		require.NoError(t, err)
		assert.Equal(t, model.OutboxPending, entry.Status)
		assert.Equal(t, "pg-2", entry.Event.SubjectID)
	})

	t.Run("Apply progress leaves decision fields alone", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, testProposal("pg-3")))
		updated, err := s.Apply(ctx, "tenant-1", "pg-3", 0, model.Change{Status: model.ProposalViewed})
		require.NoError(t, err)
		assert.Equal(t, model.ProposalViewed, updated.Status)
		assert.Nil(t, updated.DecisionTimestamp)

		_, err = s.Apply(ctx, "tenant-1", "pg-3", 0, model.Change{Status: model.ProposalAwaitingSignature})
		assert.True(t, model.IsCode(err, model.ErrConflict), "stale version: %v", err)

		_, err = s.Apply(ctx, "tenant-1", "missing", 0, model.Change{Status: model.ProposalViewed})
		assert.True(t, model.IsCode(err, model.ErrNotFound), "missing subject: %v", err)
	})

	t.Run("concurrent decisions have one winner", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, testProposal("pg-4")))

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ch := signedChange("signer")
				ch.Event.ID = "evt-pg-4-" + string(rune('a'+i))
				ch.Event.SubjectID = "pg-4"
				_, errs[i] = s.Apply(ctx, "tenant-1", "pg-4", 0, ch)
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, model.IsCode(err, model.ErrConflict), "loser error: %v", err)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("List and outbox", func(t *testing.T) {
		list, err := s.List(ctx, "tenant-1", model.SubjectFilters{Status: model.ProposalSigned})
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.RecordAttempt(ctx, "evt-pg-2", model.OutboxPartial, []string{"email:ops@example.com"}))
		pending, err := s.Pending(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, []string{"email:ops@example.com"}, pending[0].FailedRecipients)
		assert.Equal(t, 1, pending[0].Attempts)

		err = s.RecordAttempt(ctx, "nope", model.OutboxDispatched, nil)
		assert.True(t, model.IsCode(err, model.ErrNotFound))
	})
}
