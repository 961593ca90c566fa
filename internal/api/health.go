package api

import (
	"net/http"
	"time"

	"github.com/ocx/auth-sidecar/internal/core"
)

type checkStatus struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleLiveness answers whenever the process can serve at all.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness gates on the gateway health probe within its operation
// budget.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.gateway.HealthCheck(r.Context())

	if health.Healthy {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ready": true,
			"checks": map[string]checkStatus{
				"gateway": {Status: "healthy", ResponseTimeMs: health.ResponseTimeMs},
			},
		})
		return
	}

	writeJSONUnavailable(w, map[string]interface{}{
		"ready": false,
		"checks": map[string]checkStatus{
			"gateway": {Status: "unhealthy", ResponseTimeMs: health.ResponseTimeMs, Error: health.Error},
		},
	})
}

// handleHealth is the dependency rollup: the worst dependency wins. Gateway
// failure is fatal; a missing telemetry configuration is not, so a gateway
// outage with no telemetry configured reports "degraded" rather than
// "unhealthy" only when the gateway itself is fine.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gwHealth := s.gateway.HealthCheck(r.Context())
	telemetry := s.telemetryStatus(r)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !gwHealth.Healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case telemetry.Status == "unreachable":
		status = "degraded"
	}

	body := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": map[string]interface{}{
			"gateway":   gatewayCheck(gwHealth),
			"telemetry": telemetry,
		},
	}
	if httpStatus == http.StatusServiceUnavailable {
		writeJSONUnavailable(w, body)
		return
	}
	writeJSON(w, httpStatus, body)
}

func gatewayCheck(h *core.GatewayHealth) checkStatus {
	if h.Healthy {
		return checkStatus{Status: "healthy", ResponseTimeMs: h.ResponseTimeMs}
	}
	return checkStatus{Status: "unhealthy", ResponseTimeMs: h.ResponseTimeMs, Error: h.Error}
}

type telemetryStatus struct {
	Status   string `json:"status"` // configured, not_configured, unreachable
	Endpoint string `json:"endpoint,omitempty"`
}

// telemetryStatus reports the OTLP exporter endpoint's configuration state.
// The exporter pipeline itself is external; a missing endpoint is non-fatal.
func (s *Server) telemetryStatus(r *http.Request) telemetryStatus {
	endpoint := s.cfg.Telemetry.OTLPEndpoint
	if endpoint == "" {
		return telemetryStatus{Status: "not_configured"}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		return telemetryStatus{Status: "unreachable", Endpoint: endpoint}
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return telemetryStatus{Status: "unreachable", Endpoint: endpoint}
	}
	resp.Body.Close()
	return telemetryStatus{Status: "configured", Endpoint: endpoint}
}

// handleTelemetryHealth never fails; telemetry problems degrade telemetry
// only.
func (s *Server) handleTelemetryHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"telemetry": s.telemetryStatus(r),
		"prometheus": map[string]string{
			"exposition": "/metrics/prometheus",
		},
	})
}
