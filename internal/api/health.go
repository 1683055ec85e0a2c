package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// PoolStats reports live worker pool depth.
type PoolStats interface {
	Pending() int
	Running() int
	Waiting() int
}

// Broker reports broker connectivity.
type Broker interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Pool          PoolStatus        `json:"pool"`
}

type PoolStatus struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

type HealthHandler struct {
	broker    Broker
	pool      PoolStats
	version   string
	startTime time.Time
}

// NewHealthHandler builds the health endpoint. broker and pool may be nil
// when the corresponding subsystem is not running.
func NewHealthHandler(broker Broker, pool PoolStats, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		broker:    broker,
		pool:      pool,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	// A lost broker connection is terminal for the process, so a degraded
	// report is usually the last scrape before exit.
	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.pool != nil {
		resp.Pool = PoolStatus{
			Pending: h.pool.Pending(),
			Running: h.pool.Running(),
			Waiting: h.pool.Waiting(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
