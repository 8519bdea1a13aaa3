package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-coordinator/internal/models"
)

// runStoreSuite checks the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, st Store) {
	ctx := context.Background()
	jobID := "t-" + uuid.NewString()[:8]
	job := models.Job{ID: jobID, SeedURL: "s3://seeds/a.bin", SeedCount: 30, SeedChunk: 10, SeedLength: 0, TargetLength: 3, TicketTimeout: 30}

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return tx.ReplaceSegments(ctx, jobID, []int64{0, 10, 20})
	}))
	t.Cleanup(func() {
		_ = st.InTx(context.Background(), func(tx Tx) error { return tx.DeleteJob(context.Background(), jobID) })
	})

	t.Run("duplicate job conflicts", func(t *testing.T) {
		err := st.InTx(ctx, func(tx Tx) error { return tx.CreateJob(ctx, job) })
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := st.InTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertTicket(ctx, models.Ticket{JobID: jobID, SeedIndex: 0, Token: "x", IssueDate: 100}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			idx, ok, err := tx.NextEligibleSegment(ctx, jobID, 0)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(0), idx)
			return nil
		}))
	})

	t.Run("leases and primaries block eligibility", func(t *testing.T) {
		var ticket models.Ticket
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			var err error
			ticket, err = tx.InsertTicket(ctx, models.Ticket{JobID: jobID, SeedIndex: 0, Token: "tok", IssueDate: 1000, IssuerAddress: "10.0.0.1"})
			return err
		}))
		assert.NotZero(t, ticket.ID)

		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			// Live while issueDate > cutoff.
			idx, ok, err := tx.NextEligibleSegment(ctx, jobID, 999)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(10), idx)

			idx, ok, err = tx.NextEligibleSegment(ctx, jobID, 1000)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(0), idx)

			got, err := tx.LockTicket(ctx, ticket.ID)
			require.NoError(t, err)
			assert.Equal(t, "tok", got.Token)
			assert.Equal(t, "10.0.0.1", got.IssuerAddress)
			return tx.DeleteTicket(ctx, ticket.ID)
		}))

		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			_, err := tx.LockTicket(ctx, ticket.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, tx.DeleteTicket(ctx, ticket.ID), ErrNotFound)
			return nil
		}))
	})

	t.Run("submissions and aggregation", func(t *testing.T) {
		var first models.Submission
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			var err error
			first, err = tx.InsertSubmission(ctx, models.Submission{
				JobID: jobID, SeedIndex: 10, Contributor: "alice", SecondsElapsed: 12,
				SourceAddress: "10.0.0.2", ReceiveDate: 2000, Status: models.StatusPrimary,
				Results: []models.Result{{Length: 1, Value: 7}, {Length: 2, Value: 8}, {Length: 3, Value: 5_000_000_000_000_000_000}},
			})
			if err != nil {
				return err
			}
			_, err = tx.InsertSubmission(ctx, models.Submission{
				JobID: jobID, SeedIndex: 20, Contributor: "bob", SecondsElapsed: 15,
				ReceiveDate: 2001, Status: models.StatusPrimary,
				Results: []models.Result{{Length: 1, Value: 1}, {Length: 2, Value: 2}, {Length: 3, Value: 5_000_000_000_000_000_000}},
			})
			if err != nil {
				return err
			}
			_, err = tx.InsertSubmission(ctx, models.Submission{
				JobID: jobID, SeedIndex: 10, Contributor: "carol", SecondsElapsed: 11,
				ReceiveDate: 2002, Status: models.StatusSuperseded,
				Results: []models.Result{{Length: 1, Value: 100}, {Length: 2, Value: 100}, {Length: 3, Value: 100}},
			})
			return err
		}))

		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			has, err := tx.HasPrimary(ctx, jobID, 10)
			require.NoError(t, err)
			assert.True(t, has)
			has, err = tx.HasPrimary(ctx, jobID, 0)
			require.NoError(t, err)
			assert.False(t, has)

			// Sum exceeds int64.
			sum, err := tx.SumPrimaryResults(ctx, jobID, 3)
			require.NoError(t, err)
			assert.Equal(t, "10000000000000000000", sum.Value.String())
			assert.Equal(t, int64(2), sum.ResultCount)
			assert.Equal(t, int64(27), sum.Seconds)

			empty, err := tx.SumPrimaryResults(ctx, jobID, 9)
			require.NoError(t, err)
			assert.Equal(t, int64(0), empty.ResultCount)
			assert.Equal(t, "0", empty.Value.String())

			series, err := tx.ResultsByLength(ctx, jobID, 2)
			require.NoError(t, err)
			assert.Equal(t, []int64{10, 20}, series.SeedIndices)
			assert.Equal(t, []int64{8, 2}, series.Values)

			subs, err := tx.ListSubmissions(ctx, jobID, 10)
			require.NoError(t, err)
			require.Len(t, subs, 2)
			assert.Equal(t, "alice", subs[0].Contributor)
			assert.Equal(t, models.StatusSuperseded, subs[1].Status)
			assert.Len(t, subs[1].Results, 3)

			got, err := tx.GetSubmission(ctx, jobID, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.2", got.SourceAddress)
			require.Len(t, got.Results, 3)
			assert.Equal(t, 1, got.Results[0].Length)

			_, err = tx.GetSubmission(ctx, "other-job", first.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			upd, err := tx.UpdateSubmission(ctx, jobID, first.ID, models.StatusSuperseded, "alice2")
			require.NoError(t, err)
			assert.Equal(t, "alice2", upd.Contributor)
			assert.Equal(t, models.StatusSuperseded, upd.Status)

			_, err = tx.UpdateSubmission(ctx, jobID, first.ID+100000, models.StatusPrimary, "")
			assert.ErrorIs(t, err, ErrNotFound)
			return tx.AppendAudit(ctx, jobID, "test", "detail", 1_700_000_123)
		}))

		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			has, err := tx.HasPrimary(ctx, jobID, 10)
			require.NoError(t, err)
			assert.False(t, has)
			return nil
		}))
	})

	t.Run("primaries sharing a seed order by submission id", func(t *testing.T) {
		var firstID, secondID int64
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			for i, value := range []int64{7, 3} {
				sub, err := tx.InsertSubmission(ctx, models.Submission{
					JobID: jobID, SeedIndex: 0, ReceiveDate: 3000, Status: models.StatusPrimary,
					Results: []models.Result{{Length: 1, Value: value}, {Length: 2, Value: value}, {Length: 3, Value: value}},
				})
				if err != nil {
					return err
				}
				if i == 0 {
					firstID = sub.ID
				} else {
					secondID = sub.ID
				}
			}
			return nil
		}))
		require.Less(t, firstID, secondID)

		for i := 0; i < 20; i++ {
			require.NoError(t, st.InTx(ctx, func(tx Tx) error {
				series, err := tx.ResultsByLength(ctx, jobID, 2)
				require.NoError(t, err)
				assert.Equal(t, []int64{0, 0, 20}, series.SeedIndices)
				assert.Equal(t, []int64{7, 3, 2}, series.Values)
				return nil
			}))
		}
	})

	t.Run("update and delete job", func(t *testing.T) {
		updated := job
		updated.TicketTimeout = 90
		updated.SeedURL = "https://seeds.example/b.bin"
		require.NoError(t, st.InTx(ctx, func(tx Tx) error { return tx.UpdateJob(ctx, updated) }))
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			got, err := tx.GetJob(ctx, jobID)
			require.NoError(t, err)
			assert.Equal(t, updated, got)

			jobs, err := tx.ListJobs(ctx)
			require.NoError(t, err)
			assert.Contains(t, jobs, updated)
			return nil
		}))

		require.NoError(t, st.InTx(ctx, func(tx Tx) error { return tx.DeleteJob(ctx, jobID) }))
		require.NoError(t, st.InTx(ctx, func(tx Tx) error {
			_, err := tx.GetJob(ctx, jobID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.LockJob(ctx, jobID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, tx.DeleteJob(ctx, jobID), ErrNotFound)
			assert.ErrorIs(t, tx.UpdateJob(ctx, updated), ErrNotFound)

			subs, err := tx.ListSubmissions(ctx, jobID, 10)
			require.NoError(t, err)
			assert.Empty(t, subs)
			_, ok, err := tx.NextEligibleSegment(ctx, jobID, 0)
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})
}

func TestMemoryStore(t *testing.T) {
	mem := NewMemory()
	runStoreSuite(t, mem)

	events := mem.Audit()
	require.Len(t, events, 1)
	assert.Equal(t, "test", events[0].Event)
	assert.Equal(t, int64(1_700_000_123), events[0].Recorded)
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := NewMemory().InTx(ctx, func(Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.RunMigrations(ctx))
	// Migrations are idempotent.
	require.NoError(t, pg.RunMigrations(ctx))

	runStoreSuite(t, pg)
}
