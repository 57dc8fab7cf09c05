//go:build integration

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

const (
	testPepper   = "integration-pepper"
	shopperKey   = "shopper-key"
	adminKey     = "admin-key"
	shopperID    = 42
	idempotency  = "7b0f1f5e-checkout-1"
	waffleID     = 1
	waffleStock  = 5
	shippingCost = "10.00"
)

type testEnv struct {
	baseURL string
	client  *http.Client
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "checkout",
				"POSTGRES_DB":       "checkout",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port())
}

func seed(t *testing.T, databaseURL string) {
	t.Helper()
	ctx := t.Context()

	pool, err := postgres.NewPool(ctx, databaseURL)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, postgres.RunMigrations(ctx, pool))

	products := postgres.NewProductRepository(pool)
	require.NoError(t, products.Upsert(ctx, product.Product{
		ID: waffleID, Name: "Waffle", Price: decimal.RequireFromString("6.50"), StockQuantity: waffleStock,
	}, ""))

	require.NoError(t, postgres.NewCouponRepository(pool).Create(ctx, &coupon.Rule{
		Code:         "FREESHIP",
		DiscountType: coupon.DiscountFreeShipping,
		Active:       true,
	}))

	keys := postgres.NewAPIKeyRepository(pool)
	require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      "shopper",
		KeyHash: handler.HashAPIKey([]byte(testPepper), shopperKey),
		Name:    "shopper",
		UserID:  shopperID,
		Scopes:  []string{auth.ScopeCheckout},
	}))
	require.NoError(t, keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: handler.HashAPIKey([]byte(testPepper), adminKey),
		Name:    "admin",
		Scopes:  []string{auth.ScopeAdmin},
	}))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startApp(t *testing.T) *testEnv {
	t.Helper()

	databaseURL := startPostgres(t)
	seed(t, databaseURL)
	mr := miniredis.RunT(t)

	cfg := &Config{
		Addr:         freeAddr(t),
		DatabaseURL:  databaseURL,
		APIKeyPepper: testPepper,
		Redis:        RedisConfig{URL: "redis://" + mr.Addr() + "/0", CartTTL: time.Hour},
		Gateway:      GatewayConfig{Mode: GatewaySandbox, WebhookTolerance: 5 * time.Minute, Timeout: time.Second},
		Checkout: CheckoutConfig{
			Currency:        "usd",
			TaxRate:         "0.10",
			ShippingCost:    shippingCost,
			HoldTTL:         30 * time.Minute,
			FinalizeTimeout: 5 * time.Second,
			CouponFilter:    true,
		},
		Sweeper:   SweeperConfig{Interval: time.Hour, PendingTTL: time.Hour, ReconcileGrace: time.Minute, BatchSize: 10},
		RateLimit: RateLimitConfig{Max: 1000, Window: time.Minute, Shared: true},
		Graceful:  GracefulConfig{ShutdownTimeout: 5 * time.Second},
	}
	require.NoError(t, cfg.validate())

	lg := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(zctx.Base(context.Background(), lg))
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, lg, cfg, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("app did not stop")
		}
	})

	env := &testEnv{baseURL: "http://" + cfg.Addr, client: &http.Client{Timeout: 10 * time.Second}}
	require.Eventually(t, func() bool {
		resp, err := env.client.Get(env.baseURL + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 100*time.Millisecond)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any, headers ...string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(handler.APIKeyHeader, key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func field[T any](t *testing.T, m map[string]any, path ...string) T {
	t.Helper()
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "no object at %q", p)
		cur = obj[p]
	}
	v, ok := cur.(T)
	require.True(t, ok, "unexpected type %T at %v", cur, path)
	return v
}

func TestCheckoutEndToEnd(t *testing.T) {
	env := startApp(t)

	t.Run("probes", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/livez", "", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("requires api key", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/cart", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "unauthorized", body["error"])

		status, _ = env.do(t, http.MethodGet, "/api/admin/coupons", shopperKey, nil)
		assert.Equal(t, http.StatusForbidden, status)
	})

	status, _ := env.do(t, http.MethodPost, "/api/cart/items", shopperKey,
		map[string]any{"product_id": waffleID, "quantity": 2, "price": "6.50"})
	require.Equal(t, http.StatusCreated, status)

	status, cartBody := env.do(t, http.MethodGet, "/api/cart", shopperKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "13.00", cartBody["subtotal"])

	checkoutReq := map[string]any{
		"coupon_code":      "freeship",
		"shipping_address": "1 Market St, San Francisco",
		"phone":            "+15550100",
	}
	status, receipt := env.do(t, http.MethodPost, "/api/checkout", shopperKey, checkoutReq,
		"Idempotency-Key", idempotency)
	require.Equal(t, http.StatusCreated, status, receipt)

	orderID := int64(field[float64](t, receipt, "order", "id"))
	intentID := field[string](t, receipt, "payment", "intent_id")
	assert.Equal(t, "pending_payment", field[string](t, receipt, "order", "status"))
	assert.Equal(t, "pending", field[string](t, receipt, "payment", "status"))
	assert.NotEmpty(t, field[string](t, receipt, "payment", "client_secret"))
	// 13.00 + 1.30 tax, shipping waived.
	assert.Equal(t, "14.30", field[string](t, receipt, "order", "totals", "total"))
	assert.Equal(t, "14.30", field[string](t, receipt, "payment", "amount"))

	t.Run("replay returns the same order", func(t *testing.T) {
		status, again := env.do(t, http.MethodPost, "/api/checkout", shopperKey, checkoutReq,
			"Idempotency-Key", idempotency)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, field[bool](t, again, "replayed"))
		assert.Equal(t, float64(orderID), field[float64](t, again, "order", "id"))
	})

	t.Run("held stock blocks oversell", func(t *testing.T) {
		status, body := env.do(t, http.MethodPost, "/api/checkout", shopperKey, map[string]any{
			"items":            []map[string]any{{"product_id": waffleID, "quantity": waffleStock - 1, "price": "6.50"}},
			"shipping_address": "2 Market St",
			"phone":            "+15550101",
		}, "Idempotency-Key", "oversell")
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "insufficient_stock", body["error"])
	})

	status, _ = env.do(t, http.MethodPost, "/api/sandbox/intents/"+intentID+"/complete", shopperKey, nil)
	require.Equal(t, http.StatusOK, status)

	orderPath := fmt.Sprintf("/api/orders/%d", orderID)
	status, paid := env.do(t, http.MethodGet, orderPath, shopperKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processing", paid["status"])
	assert.NotEmpty(t, paid["paid_at"])

	t.Run("cart cleared after payment", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/cart", shopperKey, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "0.00", body["subtotal"])
	})

	t.Run("duplicate webhook is harmless", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/api/sandbox/intents/"+intentID+"/complete", shopperKey, nil)
		assert.Equal(t, http.StatusOK, status)
	})

	status, shipment := env.do(t, http.MethodPost, fmt.Sprintf("/api/admin/orders/%d/ship", orderID), adminKey,
		map[string]any{"courier_name": "Speedy"})
	require.Equal(t, http.StatusCreated, status, shipment)
	assert.NotEmpty(t, shipment["tracking_number"])

	status, tracking := env.do(t, http.MethodGet, orderPath+"/tracking", shopperKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, shipment["tracking_number"], tracking["tracking_number"])

	status, shipped := env.do(t, http.MethodGet, orderPath, shopperKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "shipped", shipped["status"])
}
