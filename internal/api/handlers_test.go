package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/auth-sidecar/internal/cache"
	"github.com/ocx/auth-sidecar/internal/cardinality"
	"github.com/ocx/auth-sidecar/internal/circuitbreaker"
	"github.com/ocx/auth-sidecar/internal/config"
	"github.com/ocx/auth-sidecar/internal/gateway"
	"github.com/ocx/auth-sidecar/internal/metrics"
	"github.com/ocx/auth-sidecar/internal/token"
)

// fakeAdmin stands in for the gateway admin API. The handler is swappable
// per test; the default answers every credential lookup with a credential
// whose consumer id matches the requested path segment.
type fakeAdmin struct {
	mu      sync.Mutex
	handler http.HandlerFunc
	calls   int
}

func (f *fakeAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls++
	h := f.handler
	f.mu.Unlock()
	h(w, r)
}

func (f *fakeAdmin) set(h http.HandlerFunc) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeAdmin) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func echoCredentials(w http.ResponseWriter, r *http.Request) {
	// Path shape: /consumers/{id}/jwt
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "consumers" || parts[2] != "jwt" {
		http.NotFound(w, r)
		return
	}
	id := parts[1]
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":[{"id":"cred-%s","key":"key-%s","secret":"secret-%s","consumer":{"id":"%s"}}]}`,
		id, id, id, id)
}

type harness struct {
	admin   *fakeAdmin
	router  http.Handler
	breaker *circuitbreaker.Registry
	local   *cache.Local
	cfg     *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	admin := &fakeAdmin{handler: echoCredentials}
	adminSrv := httptest.NewServer(admin)
	t.Cleanup(adminSrv.Close)

	cfg := config.Default()
	cfg.Gateway.AdminURL = adminSrv.URL
	cfg.Token.Issuer = "auth-sidecar"
	cfg.Token.Audience = "platform-api"
	cfg.Token.Authority = "https://auth.example.com"

	m := metrics.New()
	governor := cardinality.NewGovernor(cfg.Telemetry.CardinalityMaxUnique, cfg.Telemetry.CardinalityHashBuckets)
	governor.OnWarn(m.CardinalityWarnings.Inc)
	governor.OnLimitExceeded(m.CardinalityLimitHits.Inc)
	volume := cardinality.NewVolumeClassifier()
	local := cache.NewLocal(time.Hour)
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.BuildPolicies(nil),
		circuitbreaker.WithBenignErrors(gateway.Benign),
	)
	client := gateway.NewClient(adminSrv.URL, "")
	resilient := gateway.NewResilient(client, breakers, local, m, cfg.Breaker.Enabled)
	signer := token.NewSigner(cfg.Token.KeyClaim)

	srv := NewServer(cfg, signer, resilient, governor, volume, breakers, local, m)
	return &harness{
		admin:   admin,
		router:  srv.Router(),
		breaker: breakers,
		local:   local,
		cfg:     cfg,
	}
}

func (h *harness) tokensRequest(consumerID, username string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/tokens", nil)
	if consumerID != "" {
		req.Header.Set("x-consumer-id", consumerID)
	}
	if username != "" {
		req.Header.Set("x-consumer-username", username)
	}
	return req
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTokens_HappyPath(t *testing.T) {
	h := newHarness(t)

	rec := h.do(h.tokensRequest("c1", "alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, float64(900), body["expires_in"])

	tok, _ := body["access_token"].(string)
	segments := strings.Split(tok, ".")
	require.Len(t, segments, 3, "compact JWS has three segments")

	payload, err := base64.RawURLEncoding.DecodeString(segments[1])
	require.NoError(t, err)
	var claims map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "auth-sidecar", claims["iss"])
	assert.Equal(t, "platform-api", claims["aud"])
	assert.Equal(t, "key-c1", claims["key"])
}

func TestTokens_AnonymousRejected(t *testing.T) {
	h := newHarness(t)

	req := h.tokensRequest("c1", "alice")
	req.Header.Set("x-anonymous-consumer", "true")
	rec := h.do(req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Anonymous consumers are not allowed", body["error"])
	assert.NotEmpty(t, body["requestId"])
	assert.Zero(t, h.admin.callCount(), "rejected before any admin call")
}

func TestTokens_MissingHeaders(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		consumerID string
		username   string
	}{
		{"no headers", "", ""},
		{"missing username", "c1", ""},
		{"missing consumer id", "", "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(h.tokensRequest(tt.consumerID, tt.username))
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Missing consumer identification headers", decodeBody(t, rec)["error"])
		})
	}
}

func TestTokens_HeaderLengthBoundary(t *testing.T) {
	h := newHarness(t)

	atLimit := strings.Repeat("a", 256)
	rec := h.do(h.tokensRequest(atLimit, "alice"))
	assert.Equal(t, http.StatusOK, rec.Code, "256 bytes is within the limit")

	overLimit := strings.Repeat("a", 257)
	rec = h.do(h.tokensRequest(overLimit, "alice"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Consumer identification headers exceed maximum length", decodeBody(t, rec)["error"])
}

func TestTokens_UnknownConsumer(t *testing.T) {
	h := newHarness(t)
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := h.do(h.tokensRequest("ghost", "nobody"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid consumer credentials", decodeBody(t, rec)["error"])
}

func TestTokens_AdminUnavailable(t *testing.T) {
	h := newHarness(t)
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := h.do(h.tokensRequest("c1", "alice"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	assert.Equal(t, "Service Unavailable", body["error"])
	assert.Equal(t, float64(30), body["retryAfter"])
}

func TestTokens_PollutedAdminResponseRejected(t *testing.T) {
	h := newHarness(t)
	// Admin answers for a different consumer than the one requested.
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"cred-x","key":"kx","secret":"sx","consumer":{"id":"someone-else"}}]}`))
	})

	rec := h.do(h.tokensRequest("c1", "alice"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid consumer credentials", decodeBody(t, rec)["error"])
}

func TestTokens_OpenBreakerServesFromCache(t *testing.T) {
	h := newHarness(t)

	// Prime the stale cache with a validated success for c1.
	rec := h.do(h.tokensRequest("c1", "alice"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Admin starts failing; drive the breaker open.
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	for i := 0; i < 12; i++ {
		h.do(h.tokensRequest("c9", "bob"))
	}
	require.Equal(t, circuitbreaker.StateOpen, h.breaker.Get("getConsumerSecret").State())

	// c1 has a cached credential: issuance still works, without the admin.
	callsBefore := h.admin.callCount()
	rec = h.do(h.tokensRequest("c1", "alice"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, callsBefore, h.admin.callCount(), "open breaker must not reach the admin API")

	// c2 was never cached: clean rejection, not a 503.
	rec = h.do(h.tokensRequest("c2", "carol"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid consumer credentials", decodeBody(t, rec)["error"])
	assert.Equal(t, callsBefore, h.admin.callCount())
}

func TestHealthLiveness(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeBody(t, rec)["status"])
}

func TestHealthReadiness(t *testing.T) {
	h := newHarness(t)
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ready"])

	checks := body["checks"].(map[string]interface{})
	gw := checks["gateway"].(map[string]interface{})
	assert.Equal(t, "healthy", gw["status"])
}

func TestHealthReadiness_GatewayDown(t *testing.T) {
	h := newHarness(t)
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, false, decodeBody(t, rec)["ready"])
}

func TestHealthRollup(t *testing.T) {
	h := newHarness(t)
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["timestamp"])

	checks := body["checks"].(map[string]interface{})
	telemetry := checks["telemetry"].(map[string]interface{})
	assert.Equal(t, "not_configured", telemetry["status"])
}

func TestHealthRollup_GatewayDown(t *testing.T) {
	h := newHarness(t)
	h.admin.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "unhealthy", decodeBody(t, rec)["status"])
}

func TestTelemetryHealthNeverFails(t *testing.T) {
	h := newHarness(t)
	h.cfg.Telemetry.OTLPEndpoint = "http://127.0.0.1:1" // nothing listens here

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health/telemetry", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	telemetry := body["telemetry"].(map[string]interface{})
	assert.Equal(t, "unreachable", telemetry["status"])
}

func TestMetricsViews(t *testing.T) {
	h := newHarness(t)
	h.do(h.tokensRequest("c1", "alice"))

	t.Run("default summary", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body, "breakers")
		assert.Contains(t, body, "cardinality")
		assert.Contains(t, body, "volume")
		assert.Contains(t, body, "cache")
	})

	t.Run("cache view counts entries", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics?view=cache", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
	})

	t.Run("invalid view", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics?view=bogus", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid metrics view: bogus", decodeBody(t, rec)["error"])
	})
}

func TestPrometheusExposition(t *testing.T) {
	h := newHarness(t)
	h.do(h.tokensRequest("c1", "alice"))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jwt_tokens_issued_total")
	assert.Contains(t, rec.Body.String(), "authentication_attempts_total")
}

func TestNotFoundProblemDetails(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, "about:blank", body["type"])
	assert.Equal(t, "Not Found", body["title"])
	assert.Equal(t, float64(404), body["status"])
	assert.Equal(t, "/nope", body["instance"])
	assert.NotEmpty(t, body["requestId"])
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodOptions, "/tokens", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagation(t *testing.T) {
	h := newHarness(t)

	t.Run("generated when absent", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	})

	t.Run("inbound id reused", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
		req.Header.Set("X-Request-Id", "req-abc")
		rec := h.do(req)
		assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))
	})
}

func TestOpenAPIDocETag(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", etag)
	rec = h.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/tokens", strings.NewReader("x"))
	req.ContentLength = h.cfg.Server.MaxBodyBytes + 1
	req.Header.Set("x-consumer-id", "c1")
	req.Header.Set("x-consumer-username", "alice")

	rec := h.do(req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Request body too large", decodeBody(t, rec)["error"])
}

func TestTokens_CardinalityOverflowStillIssues(t *testing.T) {
	h := newHarness(t)
	h.cfg.Telemetry.CardinalityMaxUnique = 100

	// Push past the governor's limit; issuance must be unaffected.
	for i := 0; i < 105; i++ {
		rec := h.do(h.tokensRequest(fmt.Sprintf("consumer-%03d", i), "user"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics?view=cardinality", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(100), body["tracked"])
	assert.Equal(t, true, body["limit_exceeded"])

	rec = h.do(httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cardinality_limit_exceeded_total 5",
		"one hit per consumer past the limit")
	assert.Contains(t, rec.Body.String(), "cardinality_warning_total 1")
}
