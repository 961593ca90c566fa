// Package token builds and signs compact HMAC-SHA256 bearer tokens for
// authenticated gateway consumers.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptySecret  = errors.New("token: signing secret is empty")
	ErrMalformed    = errors.New("token: malformed token")
	ErrBadSignature = errors.New("token: signature mismatch")
	ErrExpired      = errors.New("token: expired")
)

// SignRequest carries everything needed to mint one token.
type SignRequest struct {
	Subject   string
	KeyID     string
	Secret    []byte
	Authority string
	Audience  string
	Issuer    string
	TTL       time.Duration
}

// SignedToken is the issuance result returned to the HTTP layer.
type SignedToken struct {
	Token     string
	ExpiresIn int64 // seconds
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// Signer mints HS256 tokens. KeyClaim names the claim that carries the
// gateway credential key (the upstream validates tokens by looking the
// credential up under that claim).
type Signer struct {
	keyClaim string
	now      func() time.Time
}

func NewSigner(keyClaim string) *Signer {
	if keyClaim == "" {
		keyClaim = "key"
	}
	return &Signer{keyClaim: keyClaim, now: time.Now}
}

// Sign produces header.payload.signature with base64url segments. The secret
// never appears in errors or logs.
func (s *Signer) Sign(req SignRequest) (*SignedToken, error) {
	if len(req.Secret) == 0 {
		return nil, ErrEmptySecret
	}

	now := s.now()
	exp := now.Add(req.TTL)

	h, err := json.Marshal(header{Alg: "HS256", Typ: "JWT", Kid: req.KeyID})
	if err != nil {
		return nil, fmt.Errorf("token: marshal header: %w", err)
	}

	claims := map[string]interface{}{
		"iss":      req.Issuer,
		"aud":      req.Audience,
		"sub":      req.Subject,
		"iat":      now.Unix(),
		"exp":      exp.Unix(),
		s.keyClaim: req.KeyID,
	}
	if req.Authority != "" {
		claims["authority"] = req.Authority
	}
	p, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("token: marshal claims: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(h) + "." + enc.EncodeToString(p)
	sig := sign([]byte(signingInput), req.Secret)

	return &SignedToken{
		Token:     signingInput + "." + enc.EncodeToString(sig),
		ExpiresIn: int64(req.TTL / time.Second),
	}, nil
}

// Verify checks the signature and expiry of a token minted by Sign and
// returns the decoded claims. Used by tests and diagnostic tooling; the
// sidecar itself never validates inbound tokens.
func (s *Signer) Verify(tok string, secret []byte) (map[string]interface{}, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	enc := base64.RawURLEncoding
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}

	expected := sign([]byte(parts[0]+"."+parts[1]), secret)
	if !hmac.Equal(sig, expected) {
		return nil, ErrBadSignature
	}

	payload, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}

	if exp, ok := claims["exp"].(float64); ok {
		if s.now().Unix() >= int64(exp) {
			return nil, ErrExpired
		}
	}
	return claims, nil
}

func sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
