package atls

import "fmt"

// ConfigurationError reports an invalid client construction, such as an
// attempt to override the transport that aTLS routing owns.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "atls configuration: " + e.Reason
}

// VerificationError reports that the attestation engine failed to establish
// or verify a connection to a policy-governed host. The underlying engine
// failure is preserved as the cause; a failed attestation never falls back
// to plain TLS.
type VerificationError struct {
	Host string
	Port int
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("aTLS connection to %s:%d failed: %v", e.Host, e.Port, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }
