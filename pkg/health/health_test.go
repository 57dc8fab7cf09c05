package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

// toggle fails while its flag is set.
type toggle struct {
	mu   sync.Mutex
	fail bool
}

func (tg *toggle) set(fail bool) {
	tg.mu.Lock()
	tg.fail = fail
	tg.mu.Unlock()
}

func (tg *toggle) check(context.Context) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.fail {
		return errors.New("down")
	}
	return nil
}

func probe(t *testing.T, endpoint http.HandlerFunc) (int, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var rep Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	return w.Code, rep
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passing)
	h.AddLivenessCheck("db", time.Second, failing("connection refused"))

	// Checks start healthy and need three failures to flip.
	code, rep := probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", rep.Status)

	runN(h.liveness[1], 2)
	code, _ = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)

	runN(h.liveness[1], 1)
	code, rep = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "connection refused", rep.Checks["db"])
	assert.Equal(t, "ok", rep.Checks["goroutines"])
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		checks map[string]CheckFunc
		status int
	}{
		{name: "not marked ready", ready: false, status: http.StatusServiceUnavailable},
		{name: "ready without checks", ready: true, status: http.StatusOK},
		{name: "ready and passing", ready: true, checks: map[string]CheckFunc{"postgres": passing}, status: http.StatusOK},
		{name: "one failing", ready: true, checks: map[string]CheckFunc{"postgres": passing, "redis": failing("refused")}, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, fn := range tt.checks {
				h.AddReadinessCheck(name, time.Second, fn, WithThresholds(1, 1))
			}
			for _, c := range h.readiness {
				runN(c, 1)
			}
			h.SetReady(tt.ready)

			code, _ := probe(t, h.ReadyEndpoint)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.status == http.StatusOK, h.IsReady())
		})
	}
}

func TestOptionalCheckDegradesOnly(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing)
	h.AddReadinessCheck("kafka", time.Second, failing("no brokers"), Optional(), WithThresholds(1, 1))
	h.SetReady(true)
	runN(h.readiness[1], 1)

	code, rep := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded: no brokers", rep.Checks["kafka"])
	assert.True(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	tg := &toggle{fail: true}
	c := newCheck("flaky", time.Second, tg.check, []CheckOption{WithThresholds(2, 2)})

	assert.False(t, c.run(context.Background()))
	assert.True(t, c.run(context.Background()), "second failure flips")
	assert.False(t, c.healthy.Load())
	require.EqualError(t, c.err(), "down")

	tg.set(false)
	assert.False(t, c.run(context.Background()))
	assert.True(t, c.run(context.Background()), "second success flips back")
	assert.True(t, c.healthy.Load())
	assert.NoError(t, c.err())
}

func TestStartAndStop(t *testing.T) {
	tg := &toggle{fail: true}
	h := New()
	h.AddReadinessCheck("dep", time.Second, tg.check, WithThresholds(1, 1))
	h.SetReady(true)

	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.IsReady() }, time.Second, 5*time.Millisecond)

	tg.set(false)
	require.Eventually(t, h.IsReady, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestCheckTimeout(t *testing.T) {
	c := newCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, []CheckOption{WithThresholds(1, 1)})

	c.run(context.Background())
	assert.False(t, c.healthy.Load())
	assert.ErrorIs(t, c.err(), context.DeadlineExceeded)
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, passing)
	h.AddReadinessCheck("ready", time.Second, failing("x"))
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 50 {
				_ = h.IsReady()
				probe(t, h.LiveEndpoint)
				probe(t, h.ReadyEndpoint)
			}
		})
	}
	wg.Wait()
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisCheck(client)
	require.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPostgresCheck(t *testing.T) {
	assert.NoError(t, PostgresCheck(pingerFunc(passing))(context.Background()))
	assert.ErrorContains(t, PostgresCheck(pingerFunc(failing("refused")))(context.Background()), "postgres ping")
}

func TestKafkaCheck_NoBrokers(t *testing.T) {
	assert.Error(t, KafkaCheck(nil)(context.Background()))
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}
