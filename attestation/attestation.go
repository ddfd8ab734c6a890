package attestation

import (
	"context"
	"encoding/json"
)

// Evidence is the verified attestation record for one connection. It is
// produced by the engine during the handshake and relayed to callers as-is;
// nothing in this module inspects or recomputes its contents.
type Evidence struct {
	Trusted bool   `json:"trusted"`
	TEEType string `json:"tee_type"`

	// Report carries engine-defined detail (quote status, measurements,
	// advisories). Opaque to this module.
	Report json.RawMessage `json:"report,omitempty"`
}

// EngineConn is one established attested connection. The byte stream runs
// inside the TLS session the engine negotiated; the engine also governs all
// I/O deadlines on it.
type EngineConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Attestation returns the evidence captured during the handshake.
	Attestation() *Evidence
}

// Engine establishes attested connections. Implementations perform the
// full handshake — TCP, TLS, quote verification and session binding —
// against the supplied policy before returning.
type Engine interface {
	Connect(ctx context.Context, host string, port int, serverName string, policyJSON []byte) (EngineConn, error)
}
