// Package redis implements the store contracts on Redis. Bucket totals are
// hashes of contributions keyed by idempotency key, with an index hash that
// records which bucket currently holds each key. Counters are hashes of
// deltas keyed by marker and guarded by SET NX markers, so both kinds of
// total are summed as exact decimals in Go. Groups are Redis sets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/drblury/idemflow/store"
)

const defaultNamespace = "idemflow"

// Options configures the Redis store.
type Options struct {
	// URL is a redis:// connection string. Ignored by NewWithClient.
	URL string
	// Namespace prefixes every key. Defaults to "idemflow".
	Namespace string
	// MarkerTTL expires processed markers. Zero keeps them forever. A marker
	// reused after it expired replaces its earlier delta instead of adding.
	MarkerTTL time.Duration
}

// Store implements store.Store.
type Store struct {
	client    goredis.UniversalClient
	namespace string
	markerTTL time.Duration
	owned     bool
}

var _ store.Store = (*Store)(nil)

var incrementOnceScript = goredis.NewScript(`
local ok
if tonumber(ARGV[2]) > 0 then
  ok = redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2])
else
  ok = redis.call('SET', KEYS[1], '1', 'NX')
end
if not ok then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] is the index hash, KEYS[2] the bucket the key belongs to now.
var upsertContributionScript = goredis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
if prev and prev ~= KEYS[2] then
  redis.call('HDEL', prev, ARGV[1])
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], KEYS[2])
return 1
`)

var addMemberScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('SADD', KEYS[2], ARGV[1])
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, errors.New("redis url is required")
	}
	parsed, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := NewWithClient(client, opts)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client goredis.UniversalClient, opts Options) *Store {
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		ns = defaultNamespace
	}
	return &Store{client: client, namespace: ns, markerTTL: opts.MarkerTTL}
}

func (s *Store) key(parts ...string) string {
	return s.namespace + ":" + strings.Join(parts, ":")
}

func (s *Store) contributionsKey(entityID, period string) string {
	return s.key("contrib", entityID, period)
}

func (s *Store) UpsertContribution(ctx context.Context, c store.Contribution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	keys := []string{s.key("contrib_index"), s.contributionsKey(c.EntityID, c.Period)}
	if err := upsertContributionScript.Run(ctx, s.client, keys, c.Key, c.Amount.String()).Err(); err != nil {
		return store.Unavailable("upsert contribution", err)
	}
	return nil
}

func (s *Store) Total(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	return s.sum(ctx, "total", s.contributionsKey(entityID, period))
}

func (s *Store) sum(ctx context.Context, op, key string) (decimal.Decimal, error) {
	values, err := s.client.HVals(ctx, key).Result()
	if err != nil {
		return decimal.Zero, store.Unavailable(op, err)
	}
	total := decimal.Zero
	for _, v := range values {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: corrupt amount %q: %w", op, v, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func (s *Store) IncrementOnce(ctx context.Context, marker, entityID, period string, delta decimal.Decimal) (bool, error) {
	if marker == "" {
		return false, fmt.Errorf("%w: marker is empty", store.ErrInvalidArgument)
	}
	keys := []string{s.key("marker", marker), s.key("counter", entityID, period)}
	applied, err := incrementOnceScript.Run(ctx, s.client, keys, delta.String(), s.markerTTL.Milliseconds(), marker).Int()
	if err != nil {
		return false, store.Unavailable("increment once", err)
	}
	return applied == 1, nil
}

func (s *Store) Counter(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	return s.sum(ctx, "counter", s.key("counter", entityID, period))
}

func (s *Store) CreateGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id is empty", store.ErrInvalidArgument)
	}
	if err := s.client.SetNX(ctx, s.key("group", groupID), "1", 0).Err(); err != nil {
		return store.Unavailable("create group", err)
	}
	return nil
}

func (s *Store) GroupExists(ctx context.Context, groupID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("group", groupID)).Result()
	if err != nil {
		return false, store.Unavailable("group exists", err)
	}
	return n == 1, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, memberID string) (bool, error) {
	if memberID == "" {
		return false, fmt.Errorf("%w: member id is empty", store.ErrInvalidArgument)
	}
	keys := []string{s.key("group", groupID), s.key("members", groupID)}
	res, err := addMemberScript.Run(ctx, s.client, keys, memberID).Int()
	if err != nil {
		return false, store.Unavailable("add member", err)
	}
	switch res {
	case -1:
		return false, store.ErrGroupNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (s *Store) IsMember(ctx context.Context, groupID, memberID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("members", groupID), memberID).Result()
	if err != nil {
		return false, store.Unavailable("is member", err)
	}
	return ok, nil
}

func (s *Store) Members(ctx context.Context, groupID string) ([]string, error) {
	exists, err := s.GroupExists(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrGroupNotFound
	}
	members, err := s.client.SMembers(ctx, s.key("members", groupID)).Result()
	if err != nil {
		return nil, store.Unavailable("members", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
