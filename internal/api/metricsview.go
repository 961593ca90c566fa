package api

import (
	"net/http"
	"time"
)

// handleMetricsView serves operational JSON snapshots. Prometheus exposition
// lives at /metrics/prometheus; this endpoint is for humans and dashboards.
func (s *Server) handleMetricsView(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	if view == "" {
		view = "summary"
	}

	switch view {
	case "summary":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"breakers":    s.breakers.Snapshots(),
			"cardinality": s.governor.Stats(),
			"volume":      s.volume.Stats(),
			"cache": map[string]interface{}{
				"entries": len(s.cache.Entries(r.Context())),
			},
		})
	case "breakers":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"breakers": s.breakers.Snapshots(),
		})
	case "cache":
		entries := s.cache.Entries(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":   len(entries),
			"entries": entries,
		})
	case "cardinality":
		writeJSON(w, http.StatusOK, s.governor.Stats())
	case "volume":
		writeJSON(w, http.StatusOK, s.volume.Stats())
	default:
		writeError(w, r, http.StatusBadRequest, "Invalid metrics view: "+view)
	}
}
