// Package policy builds attestation policies for aTLS connections.
//
// A policy is a JSON-serializable record that tells the attestation engine
// which verification checks to perform during the handshake. The exchange
// form is a tagged JSON object whose "type" field selects the verifier;
// "dstack_tdx" is the only variant in use today.
package policy

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates policy variants in the JSON exchange form.
type Kind string

// KindDstackTDX selects TDX attestation via the dstack verifier.
const KindDstackTDX Kind = "dstack_tdx"

// DefaultPCCSURL is the default PCCS endpoint for TDX collateral fetching.
const DefaultPCCSURL = "https://pccs.phala.network/tdx/certification/v4"

// Bootchain holds expected boot-time measurements (hex strings) recorded by
// the TDX module during guest boot.
type Bootchain struct {
	MRTD  string `json:"mrtd"`
	RTMR0 string `json:"rtmr0"`
	RTMR1 string `json:"rtmr1"`
	RTMR2 string `json:"rtmr2"`
}

// Policy is an immutable attestation policy. Build one with DstackTDX or
// Dev; do not mutate it afterwards — a Policy registered with a client is
// read concurrently by every dial.
type Policy struct {
	Type                       Kind           `json:"type"`
	AllowedTCBStatus           []string       `json:"allowed_tcb_status"`
	CacheCollateral            bool           `json:"cache_collateral"`
	DisableRuntimeVerification bool           `json:"disable_runtime_verification"`
	PCCSURL                    string         `json:"pccs_url,omitempty"`
	AppCompose                 map[string]any `json:"app_compose,omitempty"`
	ExpectedBootchain          *Bootchain     `json:"expected_bootchain,omitempty"`
	OSImageHash                string         `json:"os_image_hash,omitempty"`
}

// ValidationError reports a policy that cannot be built.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid attestation policy: " + e.Reason
}

// Options configures DstackTDX. The zero value builds a production policy
// that requires an up-to-date TCB and the default app compose configuration.
type Options struct {
	// AppCompose is the base app compose record. Defaults are filled in
	// for any missing fields; see MergeWithDefaultAppCompose.
	AppCompose map[string]any

	// ExpectedBootchain pins boot measurements. Must be set together with
	// OSImageHash.
	ExpectedBootchain *Bootchain

	// OSImageHash is the expected OS image hash (SHA256 hex). Must be set
	// together with ExpectedBootchain.
	OSImageHash string

	// AllowedTCBStatus lists acceptable TCB status values. Defaults to
	// ["UpToDate"]. An explicitly empty list is rejected.
	AllowedTCBStatus []string

	// DisableRuntimeVerification skips bootchain, app compose and OS image
	// checks. Not recommended outside development.
	DisableRuntimeVerification bool

	// DockerComposeFile overrides the docker_compose_file key of the app
	// compose record after defaults and AppCompose are applied.
	DockerComposeFile string

	// AllowedEnvs overrides the allowed_envs key of the app compose record
	// after defaults and AppCompose are applied.
	AllowedEnvs []string

	// PCCSURL is the PCCS endpoint for collateral fetching. Empty means
	// the engine's default (see DefaultPCCSURL).
	PCCSURL string

	// CacheCollateral caches collateral between verifications.
	CacheCollateral bool
}

// DstackTDX builds a dstack_tdx policy from opts.
//
// ExpectedBootchain and OSImageHash are paired: supplying exactly one of
// them returns a *ValidationError. With DisableRuntimeVerification set, the
// runtime fields (app_compose, expected_bootchain, os_image_hash) are still
// validated but left out of the built policy and its JSON form.
func DstackTDX(opts Options) (*Policy, error) {
	if (opts.ExpectedBootchain == nil) != (opts.OSImageHash == "") {
		return nil, &ValidationError{
			Reason: "expected_bootchain and os_image_hash must be provided together",
		}
	}

	allowed := opts.AllowedTCBStatus
	if allowed == nil {
		allowed = []string{"UpToDate"}
	}
	if len(allowed) == 0 {
		return nil, &ValidationError{Reason: "allowed_tcb_status must not be empty"}
	}

	p := &Policy{
		Type:                       KindDstackTDX,
		AllowedTCBStatus:           append([]string(nil), allowed...),
		CacheCollateral:            opts.CacheCollateral,
		DisableRuntimeVerification: opts.DisableRuntimeVerification,
		PCCSURL:                    opts.PCCSURL,
	}

	// The compose record is always assembled so that a broken base surfaces
	// at build time, but it only lands in the policy when runtime
	// verification is on.
	compose := MergeWithDefaultAppCompose(opts.AppCompose)
	if opts.DockerComposeFile != "" {
		compose["docker_compose_file"] = opts.DockerComposeFile
	}
	if opts.AllowedEnvs != nil {
		compose["allowed_envs"] = append([]string(nil), opts.AllowedEnvs...)
	}

	if !opts.DisableRuntimeVerification {
		p.AppCompose = compose
		p.ExpectedBootchain = opts.ExpectedBootchain
		p.OSImageHash = opts.OSImageHash
	}

	return p, nil
}

// Dev builds a relaxed policy for development: runtime verification is off
// and common degraded TCB statuses are accepted. Not for production.
func Dev() *Policy {
	p, err := DstackTDX(Options{
		DisableRuntimeVerification: true,
		AllowedTCBStatus:           []string{"UpToDate", "SWHardeningNeeded", "OutOfDate"},
	})
	if err != nil {
		// Unreachable: the fixed options above always validate.
		panic(fmt.Sprintf("policy: dev policy failed to build: %v", err))
	}
	return p
}

// MarshalExchange serializes the policy to the JSON form consumed by the
// attestation engine.
func (p *Policy) MarshalExchange() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("serialize policy: %w", err)
	}
	return b, nil
}
