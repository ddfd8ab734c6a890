//go:build !ratls

package attestation

import (
	"context"
	"fmt"
)

// RATLSAvailable reports whether the in-process RA-TLS engine is compiled in.
func RATLSAvailable() bool { return false }

// RATLSEngine stub used when built without `-tags ratls`.
type RATLSEngine struct{}

func NewRATLSEngine() *RATLSEngine {
	return &RATLSEngine{}
}

func (e *RATLSEngine) Connect(_ context.Context, _ string, _ int, _ string, _ []byte) (EngineConn, error) {
	return nil, fmt.Errorf("RA-TLS engine unavailable: rebuild with -tags ratls")
}
