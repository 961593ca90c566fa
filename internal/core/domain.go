// Package core holds the domain types shared across the sidecar's packages.
package core

// ConsumerRef is the consumer identity embedded in a credential.
type ConsumerRef struct {
	ID string `json:"id"`
}

// ConsumerSecret is the signing credential fetched from the gateway admin
// API. Consumer.ID must always equal the consumer the credential was
// requested for; the resilience layer enforces this on every read and write.
type ConsumerSecret struct {
	CredentialID string      `json:"credential_id"`
	Key          string      `json:"key"`
	Secret       string      `json:"secret"`
	Consumer     ConsumerRef `json:"consumer"`
}

// ConsumerIdentity is extracted from the gateway-injected request headers.
// Immutable per request.
type ConsumerIdentity struct {
	ConsumerID string
	Username   string
}

// GatewayHealth is the result of an admin API health probe.
type GatewayHealth struct {
	Healthy        bool   `json:"healthy"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}
