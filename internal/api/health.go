package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/snarg/eke-engine/internal/database"
)

// BrokerStatus reports broker connectivity for the health check.
type BrokerStatus interface {
	IsConnected() bool
	PendingCount() int
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	PendingAcks   int               `json:"pending_acks,omitempty"`
}

type HealthHandler struct {
	db        *database.DB
	broker    BrokerStatus
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, broker BrokerStatus, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		broker:    broker,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	pendingAcks := 0
	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
		pendingAcks = h.broker.PendingCount()
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		PendingAcks:   pendingAcks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
