package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"flowershop-bot/internal/ledger"
	"flowershop-bot/migrations"
)

func newTestServer(t *testing.T) (*httptest.Server, ledger.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := ledger.NewSQLite(ctx, filepath.Join(t.TempDir(), "http.db"), slog.Default())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	server := New(":0", slog.Default(), Dependencies{Ledger: store})
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, store
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestRecentErrorsEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	store.LogError(ctx, "order_processing_failed", "boom", 1234)

	res, err := http.Get(ts.URL + "/admin/recent-errors?hours=1")
	if err != nil {
		t.Fatalf("get recent errors: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var body struct {
		Count  int `json:"count"`
		Errors []struct {
			Type    string `json:"type"`
			OrderID int64  `json:"order_id"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Errors[0].Type != "order_processing_failed" || body.Errors[0].OrderID != 1234 {
		t.Fatalf("body = %+v", body)
	}
}

func TestRecentErrorsRejectsPost(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Post(ts.URL+"/admin/recent-errors", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestReloadProductCacheWithoutClient(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Post(ts.URL+"/admin/reload-product-cache", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestDatabaseStatsEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	store.LogError(ctx, "order_processing_failed", "boom", 7)

	res, err := http.Get(ts.URL + "/admin/database-stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var stats map[string]int64
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["error_log"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestMonitoringStatsEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	store.LogMonitoringCheck(ctx, ledger.MonitoringCheck{OrdersFound: 2, OrdersNotified: 1, Success: true})

	res, err := http.Get(ts.URL + "/admin/monitoring-stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}

	var stats ledger.MonitoringStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalChecks != 1 || stats.OrdersFound != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}
