package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
)

// buildOpenAPIDoc renders the static API document once at startup and
// derives a strong ETag from its bytes.
func buildOpenAPIDoc() ([]byte, string) {
	doc := map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Gateway Auth Sidecar",
			"version":     "1.0.0",
			"description": "Issues signed bearer tokens to gateway-authenticated consumers.",
		},
		"paths": map[string]interface{}{
			"/tokens": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Issue a bearer token for the authenticated consumer",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "Token issued"},
						"401": map[string]interface{}{"description": "Invalid or anonymous consumer"},
						"503": map[string]interface{}{"description": "Gateway admin API unavailable"},
					},
				},
			},
			"/health":           map[string]interface{}{"get": map[string]interface{}{"summary": "Dependency rollup health"}},
			"/health/live":      map[string]interface{}{"get": map[string]interface{}{"summary": "Liveness probe"}},
			"/health/ready":     map[string]interface{}{"get": map[string]interface{}{"summary": "Readiness probe"}},
			"/health/telemetry": map[string]interface{}{"get": map[string]interface{}{"summary": "Telemetry pipeline status"}},
			"/metrics":          map[string]interface{}{"get": map[string]interface{}{"summary": "Operational metrics views"}},
		},
	}

	body, _ := json.MarshalIndent(doc, "", "  ")
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	return body, etag
}

// handleOpenAPI serves the document with ETag revalidation.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", s.openapiETag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == s.openapiETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(s.openapiDoc)
}
