// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/store"
)

// Run exercises s against the store contracts. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("contribution replay does not double count", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := store.Contribution{Key: "cost.accrued:evt-1", EntityID: "X-1", Period: "2026-01-13", Amount: decimal.NewFromInt(5)}

		require.NoError(t, s.UpsertContribution(ctx, c))
		require.NoError(t, s.UpsertContribution(ctx, c))

		total, err := s.Total(ctx, "X-1", "2026-01-13")
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(5)), "total %s", total)
	})

	t.Run("distinct contributions add up", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertContribution(ctx, store.Contribution{Key: "a", EntityID: "X-1", Period: "p", Amount: decimal.RequireFromString("1.10")}))
		require.NoError(t, s.UpsertContribution(ctx, store.Contribution{Key: "b", EntityID: "X-1", Period: "p", Amount: decimal.RequireFromString("2.20")}))
		require.NoError(t, s.UpsertContribution(ctx, store.Contribution{Key: "c", EntityID: "X-2", Period: "p", Amount: decimal.NewFromInt(100)}))

		total, err := s.Total(ctx, "X-1", "p")
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.RequireFromString("3.3")), "total %s", total)

		empty, err := s.Total(ctx, "nobody", "p")
		require.NoError(t, err)
		assert.True(t, empty.IsZero())
	})

	t.Run("contribution replay with new amount overwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := store.Contribution{Key: "k", EntityID: "X-1", Period: "p", Amount: decimal.NewFromInt(5)}
		require.NoError(t, s.UpsertContribution(ctx, c))
		c.Amount = decimal.NewFromInt(7)
		require.NoError(t, s.UpsertContribution(ctx, c))

		total, err := s.Total(ctx, "X-1", "p")
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(7)), "total %s", total)
	})

	t.Run("contribution replay into another bucket moves it", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := store.Contribution{Key: "cost.accrued:evt-1", EntityID: "X-1", Period: "2026-01-13", Amount: decimal.NewFromInt(5)}
		require.NoError(t, s.UpsertContribution(ctx, c))
		c.Period = "2026-01-14"
		require.NoError(t, s.UpsertContribution(ctx, c))

		old, err := s.Total(ctx, "X-1", "2026-01-13")
		require.NoError(t, err)
		assert.True(t, old.IsZero(), "old bucket total %s", old)

		moved, err := s.Total(ctx, "X-1", "2026-01-14")
		require.NoError(t, err)
		assert.True(t, moved.Equal(decimal.NewFromInt(5)), "new bucket total %s", moved)
	})

	t.Run("invalid contribution", func(t *testing.T) {
		s := newStore(t)
		err := s.UpsertContribution(context.Background(), store.Contribution{EntityID: "X-1", Period: "p"})
		assert.ErrorIs(t, err, store.ErrInvalidArgument)
	})

	t.Run("increment once applies a marker once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		applied, err := s.IncrementOnce(ctx, "m-1", "X-1", "p", decimal.NewFromInt(5))
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.IncrementOnce(ctx, "m-1", "X-1", "p", decimal.NewFromInt(5))
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = s.IncrementOnce(ctx, "m-2", "X-1", "p", decimal.NewFromInt(2))
		require.NoError(t, err)
		assert.True(t, applied)

		total, err := s.Counter(ctx, "X-1", "p")
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(7)), "counter %s", total)
	})

	t.Run("increments keep decimal precision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		deltas := []string{"0.1", "0.2", "12345678901234567.000000001"}
		for i, d := range deltas {
			applied, err := s.IncrementOnce(ctx, "m-"+d, "X-1", "p", decimal.RequireFromString(d))
			require.NoError(t, err, i)
			require.True(t, applied)
		}

		total, err := s.Counter(ctx, "X-1", "p")
		require.NoError(t, err)
		assert.Equal(t, "12345678901234567.300000001", total.String())
	})

	t.Run("concurrent increments with the same marker apply once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		results := make(chan bool, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				applied, err := s.IncrementOnce(ctx, "shared", "X-1", "p", decimal.NewFromInt(1))
				assert.NoError(t, err)
				results <- applied
			}()
		}
		wg.Wait()
		close(results)

		appliedCount := 0
		for applied := range results {
			if applied {
				appliedCount++
			}
		}
		assert.Equal(t, 1, appliedCount)

		total, err := s.Counter(ctx, "X-1", "p")
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(1)), "counter %s", total)
	})

	t.Run("membership is a set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateGroup(ctx, "G-1"))
		require.NoError(t, s.CreateGroup(ctx, "G-1"))

		added, err := s.AddMember(ctx, "G-1", "M-1")
		require.NoError(t, err)
		assert.True(t, added)
		for i := 0; i < 2; i++ {
			added, err = s.AddMember(ctx, "G-1", "M-1")
			require.NoError(t, err)
			assert.False(t, added)
		}

		members, err := s.Members(ctx, "G-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"M-1"}, members)

		ok, err := s.IsMember(ctx, "G-1", "M-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.IsMember(ctx, "G-1", "M-2")
		require.NoError(t, err)
		assert.False(t, ok)

		exists, err := s.GroupExists(ctx, "G-1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("linking into a missing group fails permanently", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.AddMember(ctx, "G-404", "M-1")
		assert.ErrorIs(t, err, store.ErrGroupNotFound)

		exists, err := s.GroupExists(ctx, "G-404")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}
