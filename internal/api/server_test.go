package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeBroker struct {
	connected bool
}

func (b *fakeBroker) IsConnected() bool { return b.connected }

type fakePool struct {
	pending, running, waiting int
}

func (p *fakePool) Pending() int { return p.pending }
func (p *fakePool) Running() int { return p.running }
func (p *fakePool) Waiting() int { return p.waiting }

func getHealth(t *testing.T, h *HealthHandler) (int, HealthResponse) {
	t.Helper()
	r := newRouter(h, zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	r.ServeHTTP(rec, req)

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("health response is not valid JSON: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHealthy(t *testing.T) {
	h := NewHealthHandler(&fakeBroker{connected: true}, &fakePool{pending: 5, running: 2, waiting: 3},
		"1.2.3", time.Now().Add(-90*time.Second))

	code, resp := getHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.UptimeSeconds < 89 {
		t.Errorf("uptime_seconds = %d, want >= 89", resp.UptimeSeconds)
	}
	if resp.Checks["mqtt"] != "ok" {
		t.Errorf("checks.mqtt = %q, want ok", resp.Checks["mqtt"])
	}
	want := PoolStatus{Pending: 5, Running: 2, Waiting: 3}
	if resp.Pool != want {
		t.Errorf("pool = %+v, want %+v", resp.Pool, want)
	}
}

func TestHealthDegradedWhenBrokerDown(t *testing.T) {
	h := NewHealthHandler(&fakeBroker{connected: false}, &fakePool{}, "dev", time.Now())

	code, resp := getHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Checks["mqtt"] != "disconnected" {
		t.Errorf("checks.mqtt = %q, want disconnected", resp.Checks["mqtt"])
	}
}

func TestHealthWithoutBroker(t *testing.T) {
	h := NewHealthHandler(nil, nil, "dev", time.Now())

	_, resp := getHealth(t, h)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Checks["mqtt"] != "not_configured" {
		t.Errorf("checks.mqtt = %q, want not_configured", resp.Checks["mqtt"])
	}
	if resp.Pool != (PoolStatus{}) {
		t.Errorf("pool = %+v, want zero", resp.Pool)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHealthHandler(&fakeBroker{connected: true}, &fakePool{}, "dev", time.Now())
	r := newRouter(h, zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tr_consumer_mqtt_messages_total") {
		t.Error("metrics exposition missing tr_consumer_mqtt_messages_total")
	}
}
