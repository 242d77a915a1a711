package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/observability/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Unix(1700000000, 0)}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	shardA := miniredis.RunT(t)
	shardB := miniredis.RunT(t)
	ca := redis.NewClient(&redis.Options{Addr: shardA.Addr()})
	cb := redis.NewClient(&redis.Options{Addr: shardB.Addr()})
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	sharded, err := NewShardedStore(map[string]redis.Cmdable{"a": ca, "b": cb})
	require.NoError(t, err)

	return map[string]Store{
		"memory":  NewMemoryStore(0),
		"redis":   NewRedisStore(client),
		"sharded": sharded,
	}
}

func TestBucketRefill(t *testing.T) {
	p := Policy{Capacity: 10, RefillPeriod: time.Minute, RefillAmount: 5}
	start := time.Unix(0, 0)

	testCases := []struct {
		name    string
		b       bucket
		elapsed time.Duration
		want    int64
	}{
		{"new bucket is full", bucket{}, 0, 10},
		{"partial period adds nothing", bucket{Tokens: 0, Last: start}, 59 * time.Second, 0},
		{"one period", bucket{Tokens: 0, Last: start}, time.Minute, 5},
		{"two periods", bucket{Tokens: 0, Last: start}, 2*time.Minute + 30*time.Second, 10},
		{"capped", bucket{Tokens: 8, Last: start}, 10 * time.Minute, 10},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.b.refill(p, start.Add(tc.elapsed))
			assert.Equal(t, tc.want, got.Tokens)
		})
	}

	// 不足一个周期的时间保留
	b := bucket{Tokens: 0, Last: start}.refill(p, start.Add(90*time.Second))
	assert.Equal(t, start.Add(time.Minute), b.Last)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, PerMinute(10).Validate())
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{Capacity: 1, RefillAmount: 1}.Validate())

	_, err := NewRateLimiter(NewMemoryStore(0), WithPolicy(RouteLogin, Policy{Capacity: -1}))
	assert.Error(t, err)
}

// 容量10、每60秒补5：前10次成功，第11次失败，60秒后再成功5次
func TestTryAcquireRefillScenario(t *testing.T) {
	p := Policy{Capacity: 10, RefillPeriod: time.Minute, RefillAmount: 5}
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			l, err := NewRateLimiter(store, WithClock(clk.Now), WithLogger(logging.NewNopLogger()))
			require.NoError(t, err)
			ctx := context.Background()
			key := l.Key("test", "alice")

			for i := 0; i < 10; i++ {
				d, err := l.TryAcquire(ctx, key, p)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "request %d", i+1)
				assert.Equal(t, int64(9-i), d.Remaining)
			}
			clk.Advance(20 * time.Second)
			d, err := l.TryAcquire(ctx, key, p)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 40*time.Second, d.RetryAfter)

			clk.Advance(40 * time.Second)
			for i := 0; i < 5; i++ {
				d, err = l.TryAcquire(ctx, key, p)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "refilled request %d", i+1)
			}
			d, err = l.TryAcquire(ctx, key, p)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
		})
	}
}

func TestRemainingAndReset(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			l, err := NewRateLimiter(store, WithClock(clk.Now), WithLogger(logging.NewNopLogger()))
			require.NoError(t, err)
			ctx := context.Background()

			n, err := l.Remaining(ctx, RouteOTPSend, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(5), n)

			for i := 0; i < 3; i++ {
				_, err = l.Allow(ctx, RouteOTPSend, "u1")
				require.NoError(t, err)
			}
			n, err = l.Remaining(ctx, RouteOTPSend, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			require.NoError(t, l.Reset(ctx, RouteOTPSend, "u1"))
			n, err = l.Remaining(ctx, RouteOTPSend, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(5), n)

			_, err = l.Remaining(ctx, "nope", "u1")
			assert.ErrorIs(t, err, auth.ErrValidation)
		})
	}
}

func TestAllowReturnsRateLimited(t *testing.T) {
	clk := newClock()
	l, err := NewRateLimiter(NewMemoryStore(0), WithClock(clk.Now), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err = l.Allow(ctx, RouteLogin, "10.0.0.1")
		require.NoError(t, err)
	}
	d, err := l.Allow(ctx, RouteLogin, "10.0.0.1")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
	assert.Equal(t, int64(60), RetryAfterSeconds(d.RetryAfter))

	// 其他调用方和其他路由互不影响
	_, err = l.Allow(ctx, RouteLogin, "10.0.0.2")
	assert.NoError(t, err)
	_, err = l.Allow(ctx, RouteMFAVerify, "10.0.0.1")
	assert.NoError(t, err)

	// 未配置的路由不限流
	d, err = l.Allow(ctx, "unlisted", "x")
	assert.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestConcurrentAcquireNeverOverspends(t *testing.T) {
	p := Policy{Capacity: 20, RefillPeriod: time.Hour, RefillAmount: 1}
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			l, err := NewRateLimiter(store, WithClock(clk.Now))
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.TryAcquire(context.Background(), "k", p)
					if err != nil {
						t.Error(err)
						return
					}
					if d.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 20, allowed)
		})
	}
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, Policy, int64, time.Time) (Decision, error) {
	return Decision{}, errors.New("redis down")
}
func (failingStore) Peek(context.Context, string, Policy, time.Time) (int64, error) {
	return 0, errors.New("redis down")
}
func (failingStore) Reset(context.Context, string) error { return errors.New("redis down") }

func TestStoreFailurePolicy(t *testing.T) {
	open, err := NewRateLimiter(failingStore{}, WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	d, err := open.Allow(context.Background(), RouteAPI, "x")
	assert.NoError(t, err)
	assert.True(t, d.Allowed)

	closed, err := NewRateLimiter(failingStore{}, WithFailClosed(), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	_, err = closed.Allow(context.Background(), RouteAPI, "x")
	assert.ErrorIs(t, err, auth.ErrRateLimited)
}

func TestShardedStoreDistributesKeys(t *testing.T) {
	stores := testStores(t)
	sharded := stores["sharded"].(*ShardedStore)
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		seen[sharded.Node(fmt.Sprintf("rate_limit:api:user-%d", i))] = true
	}
	assert.Len(t, seen, 2)

	_, err := NewShardedStore(nil)
	assert.Error(t, err)
}

func TestLimitUnary(t *testing.T) {
	l, err := NewRateLimiter(NewMemoryStore(0),
		WithPolicy("rpc", Policy{Capacity: 1, RefillPeriod: time.Minute, RefillAmount: 1}),
		WithClock(newClock().Now))
	require.NoError(t, err)
	info := &grpc.UnaryServerInfo{FullMethod: "/idguard.Auth/Login"}
	handler := func(ctx context.Context, req any) (any, error) {
		return IsLimited(ctx), nil
	}
	key := WithKeyFunc(func(context.Context, *grpc.UnaryServerInfo) string { return "same" })

	reject := l.LimitUnary("rpc", key)
	resp, err := reject(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, false, resp)
	_, err = reject(context.Background(), nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	mark := l.LimitUnary("rpc", key, MarkFailed())
	resp, err = mark(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, true, resp)
}

func TestEchoMiddleware(t *testing.T) {
	l, err := NewRateLimiter(NewMemoryStore(0),
		WithPolicy(RouteOTPSend, Policy{Capacity: 2, RefillPeriod: time.Minute, RefillAmount: 2}),
		WithClock(newClock().Now))
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		_ = c.JSON(auth.KindOf(err).HTTPStatus(), map[string]interface{}{"code": auth.KindOf(err).Code()})
	}
	e.POST("/send", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, l.Middleware(RouteOTPSend, nil))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/send", nil)
		req.Header.Set(echo.HeaderXRealIP, "203.0.113.7")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 2; i++ {
		rec := do()
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"code":4290}`, rec.Body.String())
}
