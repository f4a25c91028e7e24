package persistence

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/fluxhist/internal/testutil"
	"github.com/petrijr/fluxhist/pkg/api"
)

const redisTestPrefix = "fluxhist:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	endpoint string
	client   *redis.Client
	ctx      context.Context
}

func TestRedisTestSuite(t *testing.T) {
	testsuite := new(RedisStoreTestSuite)
	testsuite.endpoint = testutil.GetRedisAddress(t)
	initTestRedisClient(t, testsuite)
	suite.Run(t, testsuite)
}

// initTestRedisClient connects to Redis using the address in ts.
func initTestRedisClient(t *testing.T, ts *RedisStoreTestSuite) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: ts.endpoint,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ts.client = client
	ts.ctx = context.Background()

	if err := client.Ping(ts.ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
}

// flush removes every key under the test prefix.
func (r *RedisStoreTestSuite) flush() {
	iter := r.client.Scan(r.ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		err := r.client.Del(r.ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed", iter.Val())
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.flush()
}

func (r *RedisStoreTestSuite) TestContract() {
	runStoreTests(r.T(), func(t *testing.T) ActivityStore {
		r.flush()
		return NewRedisActivityStore(r.client, redisTestPrefix)
	})
}

func (r *RedisStoreTestSuite) TestCompletionMovesStateIndexes() {
	s := NewRedisActivityStore(r.client, redisTestPrefix)
	inst := newInst("a1", "e1", "x", t0)
	r.Require().NoError(s.CreateOnStart(r.ctx, inst))

	open, err := r.client.SIsMember(r.ctx, s.keyOpen("e1", "x"), "a1").Result()
	r.Require().NoError(err)
	r.True(open, "started row must be in the open set")

	_, err = s.CompleteOnEnd(r.ctx, Completion{ExecutionID: "e1", ActivityID: "x", EndTime: t0.Add(1)})
	r.Require().NoError(err)

	open, _ = r.client.SIsMember(r.ctx, s.keyOpen("e1", "x"), "a1").Result()
	r.False(open, "completed row must leave the open set")
	finished, _ := r.client.SIsMember(r.ctx, s.keyState(true), "a1").Result()
	r.True(finished)
	unfinished, _ := r.client.SIsMember(r.ctx, s.keyState(false), "a1").Result()
	r.False(unfinished)
}

// dropFirstIndexWrite fails the first pipeline that writes an index entry,
// before anything reaches the server.
type dropFirstIndexWrite struct {
	dropped atomic.Bool
}

func (h *dropFirstIndexWrite) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *dropFirstIndexWrite) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h *dropFirstIndexWrite) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() == "sadd" && h.dropped.CompareAndSwap(false, true) {
				return errors.New("connection reset by peer")
			}
		}
		return next(ctx, cmds)
	}
}

func (r *RedisStoreTestSuite) TestFailedStartLeavesNothingBehind() {
	client := redis.NewClient(&redis.Options{Addr: r.endpoint})
	defer client.Close()
	client.AddHook(&dropFirstIndexWrite{})

	s := NewRedisActivityStore(client, redisTestPrefix)
	inst := newInst("a1", "e1", "x", t0)

	r.Require().Error(s.CreateOnStart(r.ctx, inst))
	n, err := r.client.Exists(r.ctx, s.keyInstance("a1")).Result()
	r.Require().NoError(err)
	r.Zero(n, "a failed start must not leave an unindexed row")

	// The retried start is applied in full.
	r.Require().NoError(s.CreateOnStart(r.ctx, inst))
	found, err := s.FindInstances(r.ctx, InstanceFilter{ActivityID: "x"})
	r.Require().NoError(err)
	r.Len(found, 1)

	got, err := s.CompleteOnEnd(r.ctx, Completion{ExecutionID: "e1", ActivityID: "x", EndTime: t0.Add(1)})
	r.Require().NoError(err)
	r.Equal("a1", got.ID)
}

func (r *RedisStoreTestSuite) TestConcurrentDuplicateStart() {
	s := NewRedisActivityStore(r.client, redisTestPrefix)
	inst := newInst("a1", "e1", "x", t0)

	errs := make(chan error, 4)
	for i := 0; i < cap(errs); i++ {
		go func() { errs <- s.CreateOnStart(r.ctx, inst) }()
	}
	var created int
	for i := 0; i < cap(errs); i++ {
		err := <-errs
		if err == nil {
			created++
			continue
		}
		r.ErrorIs(err, api.ErrDuplicateInstance)
	}
	r.Equal(1, created)

	members, err := r.client.SMembers(r.ctx, s.keyAll()).Result()
	r.Require().NoError(err)
	r.Equal([]string{"a1"}, members)
}
