package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/auth-sidecar/internal/core"
	"github.com/ocx/auth-sidecar/internal/gateway"
	"github.com/ocx/auth-sidecar/internal/metrics"
	"github.com/ocx/auth-sidecar/internal/token"
)

const maxHeaderValueBytes = 256

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleTokens orchestrates one issuance: header validation, metric tagging,
// resilient credential lookup, signing.
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	identity, errMsg := s.validateConsumerHeaders(r)
	if identity == nil {
		s.metrics.RecordAuthAttempt(metrics.ResultHeaderValidationFailed)
		writeError(w, r, http.StatusUnauthorized, errMsg)
		return
	}

	boundedID := s.governor.Bound(identity.ConsumerID)
	s.volume.Increment(identity.ConsumerID)
	volumeClass := s.volume.BucketOf(identity.ConsumerID)
	s.metrics.RecordConsumerRequest(boundedID, volumeClass)

	secret, err := s.gateway.GetConsumerSecret(r.Context(), identity.ConsumerID)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrConsumerNotFound):
			s.metrics.RecordAuthAttempt(metrics.ResultConsumerLookupFailed)
			writeError(w, r, http.StatusUnauthorized, "Invalid consumer credentials")
		default:
			s.metrics.RecordAuthAttempt(metrics.ResultGatewayUnavailable)
			writeUnavailable(w, r)
		}
		return
	}

	signed, err := s.signer.Sign(token.SignRequest{
		Subject:   identity.Username,
		KeyID:     secret.Key,
		Secret:    []byte(secret.Secret),
		Authority: s.cfg.Token.Authority,
		Audience:  s.cfg.Token.Audience,
		Issuer:    s.cfg.Token.Issuer,
		TTL:       time.Duration(s.cfg.Token.TTLMinutes) * time.Minute,
	})
	if err != nil {
		slog.Error("token signing failed", "consumer_id", identity.ConsumerID,
			"request_id", RequestID(r.Context()), "error", err)
		s.metrics.RecordAuthAttempt(metrics.ResultSigningFailed)
		writeError(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	s.metrics.TokensIssued.Inc()
	s.metrics.RecordAuthAttempt(metrics.ResultSuccess)
	s.metrics.ObserveLatency(volumeClass, time.Since(started).Seconds())

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed.Token,
		ExpiresIn:   signed.ExpiresIn,
	})
}

// validateConsumerHeaders extracts the identity the gateway injected. Both
// headers must be present and at most 256 bytes, and the anonymous marker
// must not be "true".
func (s *Server) validateConsumerHeaders(r *http.Request) (*core.ConsumerIdentity, string) {
	if r.Header.Get(s.cfg.Headers.Anonymous) == "true" {
		return nil, "Anonymous consumers are not allowed"
	}

	consumerID := r.Header.Get(s.cfg.Headers.ConsumerID)
	username := r.Header.Get(s.cfg.Headers.ConsumerUsername)

	if consumerID == "" || username == "" {
		return nil, "Missing consumer identification headers"
	}
	if len(consumerID) > maxHeaderValueBytes || len(username) > maxHeaderValueBytes {
		return nil, "Consumer identification headers exceed maximum length"
	}

	return &core.ConsumerIdentity{ConsumerID: consumerID, Username: username}, ""
}
