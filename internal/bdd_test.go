//go:build bdd

package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/aspect-build/tongdao/atls"
	"github.com/aspect-build/tongdao/attestation"
	"github.com/aspect-build/tongdao/policy"
)

const (
	bddMRTD        = "c68518a0ebb42136c12b2275164f8c72f25fa9a34392228687ed6e9caeb9c0f1"
	bddOSImageHash = "e41835b8c14fdc79f67b75bc1c11eb2c4152362dca6c3d72f27d51064cd8ec41"
)

// bddEngine fakes the attestation engine over plain TCP to the scenario's
// upstream server.
type bddEngine struct {
	target   string
	evidence *attestation.Evidence
	failWith error
}

func (e *bddEngine) Connect(_ context.Context, _ string, _ int, _ string, _ []byte) (attestation.EngineConn, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	c, err := net.Dial("tcp", e.target)
	if err != nil {
		return nil, err
	}
	return &bddEngineConn{Conn: c, evidence: e.evidence}, nil
}

type bddEngineConn struct {
	net.Conn
	evidence *attestation.Evidence
}

func (c *bddEngineConn) Attestation() *attestation.Evidence { return c.evidence }

// bddContext holds per-scenario state.
type bddContext struct {
	ts     *httptest.Server
	engine *bddEngine
	client *atls.Client

	// policy scenarios
	pol    *policy.Policy
	polErr error

	// fetch scenarios
	lastBody     string
	lastEvidence *attestation.Evidence
	lastErr      error
}

func (b *bddContext) reset() {
	if b.ts != nil {
		b.ts.Close()
	}
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	*b = bddContext{}
}

// ── Policy steps ────────────────────────────────────────────────────

func (b *bddContext) iBuildTheDevelopmentPolicy() error {
	b.pol = policy.Dev()
	return nil
}

func (b *bddContext) iBuildAPinnedPolicy() error {
	b.pol, b.polErr = policy.DstackTDX(policy.Options{
		ExpectedBootchain: &policy.Bootchain{MRTD: bddMRTD, RTMR0: "00", RTMR1: "01", RTMR2: "02"},
		OSImageHash:       bddOSImageHash,
	})
	return b.polErr
}

func (b *bddContext) iBuildAPolicyWithOnlyBootchain() error {
	b.pol, b.polErr = policy.DstackTDX(policy.Options{
		ExpectedBootchain: &policy.Bootchain{MRTD: bddMRTD, RTMR0: "00", RTMR1: "01", RTMR2: "02"},
	})
	return nil
}

func (b *bddContext) iBuildAPinnedPolicyWithRuntimeDisabled() error {
	b.pol, b.polErr = policy.DstackTDX(policy.Options{
		ExpectedBootchain:          &policy.Bootchain{MRTD: bddMRTD, RTMR0: "00", RTMR1: "01", RTMR2: "02"},
		OSImageHash:                bddOSImageHash,
		DisableRuntimeVerification: true,
	})
	return b.polErr
}

func (b *bddContext) thePolicyTypeShouldBe(want string) error {
	if b.pol == nil {
		return fmt.Errorf("no policy was built")
	}
	if string(b.pol.Type) != want {
		return fmt.Errorf("policy type is %q, want %q", b.pol.Type, want)
	}
	return nil
}

func (b *bddContext) runtimeVerificationShouldBeDisabled() error {
	if !b.pol.DisableRuntimeVerification {
		return fmt.Errorf("runtime verification is enabled")
	}
	return nil
}

func (b *bddContext) allowedTCBStatusesShouldInclude(table *godog.Table) error {
	have := make(map[string]bool, len(b.pol.AllowedTCBStatus))
	for _, s := range b.pol.AllowedTCBStatus {
		have[s] = true
	}
	for _, row := range table.Rows {
		status := strings.TrimSpace(row.Cells[0].Value)
		if !have[status] {
			return fmt.Errorf("allowed_tcb_status %v is missing %q", b.pol.AllowedTCBStatus, status)
		}
	}
	return nil
}

func (b *bddContext) thePolicyShouldCarryBootchain() error {
	if b.pol.ExpectedBootchain == nil || b.pol.ExpectedBootchain.MRTD != bddMRTD {
		return fmt.Errorf("expected_bootchain missing or wrong: %+v", b.pol.ExpectedBootchain)
	}
	return nil
}

func (b *bddContext) thePolicyShouldCarryOSImageHash() error {
	if b.pol.OSImageHash != bddOSImageHash {
		return fmt.Errorf("os_image_hash is %q", b.pol.OSImageHash)
	}
	return nil
}

func (b *bddContext) policyBuildingShouldFailWith(substr string) error {
	if b.polErr == nil {
		return fmt.Errorf("expected policy building to fail")
	}
	var verr *policy.ValidationError
	if !errors.As(b.polErr, &verr) {
		return fmt.Errorf("expected ValidationError, got %T", b.polErr)
	}
	if !strings.Contains(b.polErr.Error(), substr) {
		return fmt.Errorf("error %q does not contain %q", b.polErr.Error(), substr)
	}
	return nil
}

func (b *bddContext) thePolicyJSONShouldNotContain(key string) error {
	raw, err := b.pol.MarshalExchange()
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if _, ok := fields[key]; ok {
		return fmt.Errorf("policy JSON unexpectedly contains %q: %s", key, raw)
	}
	return nil
}

// ── Routing steps ───────────────────────────────────────────────────

func (b *bddContext) anUpstreamServerResponding(body string) error {
	b.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}))
	b.engine = &bddEngine{
		target:   b.ts.Listener.Addr().String(),
		evidence: &attestation.Evidence{Trusted: true, TEEType: "tdx"},
	}
	return nil
}

func (b *bddContext) hostnameIsGoverned(host string) error {
	client, err := atls.New(atls.Config{
		Policies: atls.Registry{host: policy.Dev()},
		Engine:   b.engine,
	})
	if err != nil {
		return err
	}
	b.client = client
	return nil
}

func (b *bddContext) noHostnamesAreGoverned() error {
	client, err := atls.New(atls.Config{})
	if err != nil {
		return err
	}
	b.client = client
	return nil
}

func (b *bddContext) theEngineFailsWith(msg string) error {
	b.engine.failWith = errors.New(msg)
	return nil
}

func (b *bddContext) iFetch(url string) error {
	return b.fetch(url)
}

func (b *bddContext) iFetchTheUpstreamDirectly() error {
	return b.fetch(b.ts.URL)
}

func (b *bddContext) fetch(url string) error {
	resp, err := b.client.Get(url)
	if err != nil {
		b.lastErr = err
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	b.lastBody = string(body)
	b.lastEvidence = resp.Attestation
	return nil
}

func (b *bddContext) theResponseBodyShouldBe(want string) error {
	if b.lastErr != nil {
		return fmt.Errorf("request failed: %v", b.lastErr)
	}
	if b.lastBody != want {
		return fmt.Errorf("body is %q, want %q", b.lastBody, want)
	}
	return nil
}

func (b *bddContext) theResponseShouldCarryEvidence() error {
	if b.lastEvidence == nil {
		return fmt.Errorf("response carries no attestation evidence")
	}
	if !b.lastEvidence.Trusted || b.lastEvidence.TEEType != "tdx" {
		return fmt.Errorf("unexpected evidence: %+v", b.lastEvidence)
	}
	return nil
}

func (b *bddContext) theResponseShouldCarryNoEvidence() error {
	if b.lastEvidence != nil {
		return fmt.Errorf("standard-path response unexpectedly carries evidence: %+v", b.lastEvidence)
	}
	return nil
}

func (b *bddContext) theRequestShouldFailWith(substr string) error {
	if b.lastErr == nil {
		return fmt.Errorf("expected the request to fail")
	}
	if !strings.Contains(b.lastErr.Error(), substr) {
		return fmt.Errorf("error %q does not contain %q", b.lastErr.Error(), substr)
	}
	return nil
}

// ── Suite runner ────────────────────────────────────────────────────

func TestBDD(t *testing.T) {
	b := &bddContext{}

	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				b.reset()
				return ctx, nil
			})

			// Given
			sc.Step(`^an upstream server responding with "([^"]*)"$`, b.anUpstreamServerResponding)
			sc.Step(`^the hostname "([^"]*)" is governed by the development policy$`, b.hostnameIsGoverned)
			sc.Step(`^no hostnames are governed$`, b.noHostnamesAreGoverned)
			sc.Step(`^the attestation engine fails with "([^"]*)"$`, b.theEngineFailsWith)

			// When
			sc.Step(`^I build the development policy$`, b.iBuildTheDevelopmentPolicy)
			sc.Step(`^I build a policy with bootchain measurements and OS image hash$`, b.iBuildAPinnedPolicy)
			sc.Step(`^I build a policy with only bootchain measurements$`, b.iBuildAPolicyWithOnlyBootchain)
			sc.Step(`^I build a policy with bootchain measurements and runtime verification disabled$`, b.iBuildAPinnedPolicyWithRuntimeDisabled)
			sc.Step(`^I fetch "([^"]*)"$`, b.iFetch)
			sc.Step(`^I fetch the upstream server directly$`, b.iFetchTheUpstreamDirectly)

			// Then
			sc.Step(`^the policy type should be "([^"]*)"$`, b.thePolicyTypeShouldBe)
			sc.Step(`^runtime verification should be disabled$`, b.runtimeVerificationShouldBeDisabled)
			sc.Step(`^the allowed TCB statuses should include:$`, b.allowedTCBStatusesShouldInclude)
			sc.Step(`^the policy should carry the bootchain measurements$`, b.thePolicyShouldCarryBootchain)
			sc.Step(`^the policy should carry the OS image hash$`, b.thePolicyShouldCarryOSImageHash)
			sc.Step(`^policy building should fail with "([^"]*)"$`, b.policyBuildingShouldFailWith)
			sc.Step(`^the policy JSON should not contain "([^"]*)"$`, b.thePolicyJSONShouldNotContain)
			sc.Step(`^the response body should be "([^"]*)"$`, b.theResponseBodyShouldBe)
			sc.Step(`^the response should carry attestation evidence$`, b.theResponseShouldCarryEvidence)
			sc.Step(`^the response should carry no attestation evidence$`, b.theResponseShouldCarryNoEvidence)
			sc.Step(`^the request should fail with "([^"]*)"$`, b.theRequestShouldFailWith)
			sc.Step(`^the request failure should mention "([^"]*)"$`, b.theRequestShouldFailWith)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("BDD tests failed")
	}

	b.reset()
}
