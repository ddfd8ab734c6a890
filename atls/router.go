package atls

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/aspect-build/tongdao/attestation"
	"github.com/aspect-build/tongdao/internal/logx"
	"github.com/aspect-build/tongdao/policy"
)

// Registry maps hostname to attestation policy. Matching is exact and
// case-sensitive as supplied — no wildcarding, no normalization — so
// registry keys must match request URLs character for character. The
// registry is read-only once handed to a client and safe for concurrent
// dials.
type Registry map[string]*policy.Policy

type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// router decides, per dial, between the attestation engine and the default
// network backend. Both the plain and the TLS dial path consult the
// registry, so a policy-governed host is never reached unattested.
type router struct {
	registry Registry
	engine   attestation.Engine
	plain    contextDialer
	secure   contextDialer
}

func newRouter(registry Registry, engine attestation.Engine) *router {
	base := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &router{
		registry: registry,
		engine:   engine,
		plain:    base,
		secure:   &tls.Dialer{NetDialer: base},
	}
}

// DialContext serves the transport's plain-TCP path.
func (r *router) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if host, port, ok := r.governed(addr); ok {
		return r.dialAttested(ctx, host, port)
	}
	return r.plain.DialContext(ctx, network, addr)
}

// DialTLSContext serves the transport's TLS path. For unregistered hosts
// the default backend performs a standard TLS handshake; arguments pass
// through untouched and its connection is returned verbatim.
func (r *router) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if host, port, ok := r.governed(addr); ok {
		return r.dialAttested(ctx, host, port)
	}
	return r.secure.DialContext(ctx, network, addr)
}

func (r *router) governed(addr string) (host string, port int, ok bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	if _, registered := r.registry[host]; !registered {
		return "", 0, false
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

func (r *router) dialAttested(ctx context.Context, host string, port int) (net.Conn, error) {
	policyJSON, err := r.registry[host].MarshalExchange()
	if err != nil {
		return nil, &VerificationError{Host: host, Port: port, Err: err}
	}

	logx.Debugf("aTLS connecting to %s:%d", host, port)
	ec, err := r.engine.Connect(ctx, host, port, host, policyJSON)
	if err != nil {
		return nil, &VerificationError{Host: host, Port: port, Err: err}
	}

	if ev := ec.Attestation(); ev != nil {
		logx.Debugf("aTLS connected to %s:%d, attestation: trusted=%v tee_type=%s", host, port, ev.Trusted, ev.TEEType)
	}
	return &Conn{engine: ec, host: host, port: port}, nil
}
