package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/store"
	"github.com/drblury/idemflow/store/storetest"
)

func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	client := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, opts), m
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t, Options{})
		return s
	})
}

func TestKeysAreNamespaced(t *testing.T) {
	s, m := newTestStore(t, Options{Namespace: "tenant-a"})
	ctx := context.Background()

	require.NoError(t, s.UpsertContribution(ctx, store.Contribution{Key: "k1", EntityID: "X-1", Period: "2026-01-13", Amount: decimal.NewFromInt(5)}))
	require.NoError(t, s.CreateGroup(ctx, "G-1"))

	assert.True(t, m.Exists("tenant-a:contrib:X-1:2026-01-13"))
	assert.Equal(t, "5", m.HGet("tenant-a:contrib:X-1:2026-01-13", "k1"))
	assert.True(t, m.Exists("tenant-a:group:G-1"))
	assert.Equal(t, "tenant-a:contrib:X-1:2026-01-13", m.HGet("tenant-a:contrib_index", "k1"))
}

func TestMovedContributionLeavesOldBucket(t *testing.T) {
	s, m := newTestStore(t, Options{})
	ctx := context.Background()
	c := store.Contribution{Key: "k1", EntityID: "X-1", Period: "2026-01-13", Amount: decimal.NewFromInt(5)}

	require.NoError(t, s.UpsertContribution(ctx, c))
	c.EntityID = "X-2"
	require.NoError(t, s.UpsertContribution(ctx, c))

	assert.False(t, m.Exists("idemflow:contrib:X-1:2026-01-13"))
	assert.Equal(t, "5", m.HGet("idemflow:contrib:X-2:2026-01-13", "k1"))
	assert.Equal(t, "idemflow:contrib:X-2:2026-01-13", m.HGet("idemflow:contrib_index", "k1"))
}

func TestMarkerTTL(t *testing.T) {
	s, m := newTestStore(t, Options{MarkerTTL: time.Minute})
	ctx := context.Background()

	applied, err := s.IncrementOnce(ctx, "evt-1", "X-1", "p", decimal.NewFromInt(3))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, time.Minute, m.TTL("idemflow:marker:evt-1"))

	m.FastForward(2 * time.Minute)
	applied, err = s.IncrementOnce(ctx, "evt-1", "X-1", "p", decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.True(t, applied, "expired marker allows reapplication")

	total, err := s.Counter(ctx, "X-1", "p")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(3)), "reused marker replaces its delta, counter %s", total)
}

func TestUnreachableRedisIsUnavailable(t *testing.T) {
	s, m := newTestStore(t, Options{})
	m.Close()

	err := s.UpsertContribution(context.Background(), store.Contribution{Key: "k", EntityID: "X-1", Period: "p", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = s.AddMember(context.Background(), "G-1", "M-1")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	m := miniredis.RunT(t)
	s, err := New(context.Background(), Options{URL: "redis://" + m.Addr()})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
