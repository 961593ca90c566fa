// Package gateway talks to the API gateway's admin interface: a typed client
// for credential lookup plus the resilience layer that wraps it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ocx/auth-sidecar/internal/core"
)

var (
	// ErrConsumerNotFound is the clean null result: the consumer does not
	// exist or has no JWT credentials. Not a failure for the breaker.
	ErrConsumerNotFound = errors.New("gateway: consumer not found")

	// ErrGatewayUnavailable marks transport-level failures and denied
	// fallbacks; surfaced as 503 at the boundary.
	ErrGatewayUnavailable = errors.New("gateway: admin API unavailable")
)

// TransportError wraps connect failures, timeouts and 5xx responses.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport error in %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClientError wraps non-404 4xx responses; a misconfiguration, not an outage.
type ClientError struct {
	Op     string
	Status int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("gateway client error in %s: status %d", e.Op, e.Status)
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const adminTokenHeader = "Kong-Admin-Token"

// Client is the typed admin API client. It carries no retry logic; retries
// and fallbacks live in the resilient wrapper.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		adminToken: adminToken,
		// Per-call deadlines come from the operation policies; this is
		// only a hard upper bound.
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type jwtCredential struct {
	ID       string           `json:"id"`
	Key      string           `json:"key"`
	Secret   string           `json:"secret"`
	Consumer core.ConsumerRef `json:"consumer"`
}

type jwtCredentialList struct {
	Data []jwtCredential `json:"data"`
}

// GetConsumerSecret fetches the consumer's first JWT credential. A 404 or an
// empty credential list yields ErrConsumerNotFound.
func (c *Client) GetConsumerSecret(ctx context.Context, consumerID string) (*core.ConsumerSecret, error) {
	const op = "getConsumerSecret"

	endpoint := fmt.Sprintf("%s/consumers/%s/jwt", c.baseURL, url.PathEscape(consumerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if c.adminToken != "" {
		req.Header.Set(adminTokenHeader, c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrConsumerNotFound
	case resp.StatusCode >= 500:
		return nil, &TransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &ClientError{Op: op, Status: resp.StatusCode}
	}

	var list jwtCredentialList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(list.Data) == 0 {
		return nil, ErrConsumerNotFound
	}

	cred := list.Data[0]
	return &core.ConsumerSecret{
		CredentialID: cred.ID,
		Key:          cred.Key,
		Secret:       cred.Secret,
		Consumer:     cred.Consumer,
	}, nil
}

// HealthCheck probes the admin API root with a short budget.
func (c *Client) HealthCheck(ctx context.Context) (*core.GatewayHealth, error) {
	const op = "healthCheck"

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if c.adminToken != "" {
		req.Header.Set(adminTokenHeader, c.adminToken)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		return &core.GatewayHealth{Healthy: false, ResponseTimeMs: elapsed, Error: err.Error()},
			&TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &core.GatewayHealth{Healthy: false, ResponseTimeMs: elapsed, Error: fmt.Sprintf("status %d", resp.StatusCode)},
			&TransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	return &core.GatewayHealth{Healthy: true, ResponseTimeMs: elapsed}, nil
}
