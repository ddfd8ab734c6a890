//go:build ratls

package attestation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	dstackratls "github.com/Dstack-TEE/dstack/sdk/go/ratls"
	"github.com/aspect-build/tongdao/internal/logx"
	"github.com/aspect-build/tongdao/policy"
)

// RATLSAvailable reports whether the in-process RA-TLS engine is compiled in.
func RATLSAvailable() bool { return true }

// RATLSEngine establishes attested connections using dstack RA-TLS: the TLS
// handshake runs against the peer's self-signed certificate and trust is
// derived from the embedded TDX quote instead of a CA chain.
type RATLSEngine struct {
	// Dialer for the underlying TCP connection. Defaults to a plain
	// net.Dialer.
	Dialer *net.Dialer
}

func NewRATLSEngine() *RATLSEngine {
	return &RATLSEngine{}
}

func (e *RATLSEngine) Connect(ctx context.Context, host string, port int, serverName string, policyJSON []byte) (EngineConn, error) {
	var pol policy.Policy
	if err := json.Unmarshal(policyJSON, &pol); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if pol.Type != policy.KindDstackTDX {
		return nil, fmt.Errorf("unsupported policy type %q", pol.Type)
	}

	dialer := e.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	var evidence *Evidence
	conf := &tls.Config{
		ServerName: serverName,
		// TEEs present self-signed certificates, so CA chain validation
		// always fails. Trust comes from the verified quote below; the
		// handshake still proves possession of the certificate key.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			result, err := dstackratls.VerifyCert(cert)
			if err != nil {
				return fmt.Errorf("RA-TLS certificate verification failed: %w", err)
			}
			ev, err := evaluateVerifyResult(result, &pol)
			if err != nil {
				return err
			}
			evidence = ev
			return nil
		},
	}

	tconn := tls.Client(raw, conf)
	if err := tconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return &ratlsConn{conn: tconn, evidence: evidence}, nil
}

// ratlsReport is the engine-defined detail attached to Evidence.
type ratlsReport struct {
	Status      string   `json:"status"`
	AdvisoryIDs []string `json:"advisory_ids,omitempty"`
	MRTD        string   `json:"mrtd,omitempty"`
	RTMR0       string   `json:"rtmr0,omitempty"`
	RTMR1       string   `json:"rtmr1,omitempty"`
	RTMR2       string   `json:"rtmr2,omitempty"`
	RTMR3       string   `json:"rtmr3,omitempty"`
}

func evaluateVerifyResult(result *dstackratls.VerifyResult, pol *policy.Policy) (*Evidence, error) {
	if result == nil || result.Report == nil {
		return nil, fmt.Errorf("RA-TLS verification returned no quote report")
	}
	report := result.Report
	qr := report.Report

	if !statusAllowed(report.Status, pol.AllowedTCBStatus) {
		return nil, fmt.Errorf("TCB status %q not in allowed set %v", report.Status, pol.AllowedTCBStatus)
	}

	if !pol.DisableRuntimeVerification && pol.ExpectedBootchain != nil {
		if err := checkBootchain(pol.ExpectedBootchain, qr.MrTD, qr.RTMR0, qr.RTMR1, qr.RTMR2); err != nil {
			return nil, err
		}
	}

	logx.Debugf("ratls.verify status=%s qe_status=%s platform_status=%s advisory_ids=%v",
		report.Status, report.QEStatus.Status, report.PlatformStatus.Status, report.AdvisoryIDs)
	logx.Debugf("ratls.measurements type=%s mr_td=%s rtmr0=%s rtmr1=%s rtmr2=%s rtmr3=%s",
		qr.Type, fmtHex(qr.MrTD), fmtHex(qr.RTMR0), fmtHex(qr.RTMR1), fmtHex(qr.RTMR2), fmtHex(qr.RTMR3))

	detail, err := json.Marshal(ratlsReport{
		Status:      report.Status,
		AdvisoryIDs: report.AdvisoryIDs,
		MRTD:        hex.EncodeToString(qr.MrTD),
		RTMR0:       hex.EncodeToString(qr.RTMR0),
		RTMR1:       hex.EncodeToString(qr.RTMR1),
		RTMR2:       hex.EncodeToString(qr.RTMR2),
		RTMR3:       hex.EncodeToString(qr.RTMR3),
	})
	if err != nil {
		return nil, fmt.Errorf("encode attestation report: %w", err)
	}

	return &Evidence{Trusted: true, TEEType: "tdx", Report: detail}, nil
}

func statusAllowed(status string, allowed []string) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func checkBootchain(expected *policy.Bootchain, mrtd, rtmr0, rtmr1, rtmr2 []byte) error {
	measured := []struct {
		name string
		want string
		got  []byte
	}{
		{"mrtd", expected.MRTD, mrtd},
		{"rtmr0", expected.RTMR0, rtmr0},
		{"rtmr1", expected.RTMR1, rtmr1},
		{"rtmr2", expected.RTMR2, rtmr2},
	}
	for _, m := range measured {
		if !strings.EqualFold(m.want, hex.EncodeToString(m.got)) {
			return fmt.Errorf("bootchain mismatch: %s is %s, expected %s", m.name, hex.EncodeToString(m.got), m.want)
		}
	}
	return nil
}

func fmtHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	x := hex.EncodeToString(b)
	if logx.IsDebug() || len(x) <= 32 {
		return x
	}
	return x[:32] + "..."
}

type ratlsConn struct {
	conn      *tls.Conn
	evidence  *Evidence
	closeOnce sync.Once
	closeErr  error
}

func (c *ratlsConn) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *ratlsConn) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *ratlsConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.conn.Close() })
	return c.closeErr
}

func (c *ratlsConn) Attestation() *Evidence { return c.evidence }
