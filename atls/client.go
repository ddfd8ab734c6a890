// Package atls provides an HTTP client that routes requests to selected
// hostnames through an attested TLS engine while all other hostnames use
// ordinary TLS.
//
// For every hostname registered with a policy the connection is established
// by the attestation engine, which proves the remote endpoint runs inside a
// verified confidential-computing environment before any request bytes
// flow. A failed attestation aborts the request; it never degrades to plain
// TLS. Responses carry the attestation evidence of the connection that
// served them.
package atls

import (
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/aspect-build/tongdao/attestation"
)

// Config configures a Client.
type Config struct {
	// Policies maps hostnames to the attestation policy to enforce.
	// Hostnames not in the map use standard TLS.
	Policies Registry

	// Engine establishes attested connections. Required when Policies is
	// non-empty.
	Engine attestation.Engine

	// Timeout bounds each whole request on the standard path. On attested
	// connections the engine governs I/O deadlines and this timeout cannot
	// interrupt an in-flight read or write.
	Timeout time.Duration

	// Transport must be nil. The client builds its own transport so that
	// policy routing cannot be bypassed; supplying one is a construction
	// error.
	Transport http.RoundTripper
}

// Client is an HTTP client with per-hostname attested TLS.
type Client struct {
	hc *http.Client
}

// Response wraps http.Response with the attestation evidence of the
// connection that served it. Attestation is nil when the response came over
// a standard connection.
type Response struct {
	*http.Response
	Attestation *attestation.Evidence
}

// New builds a Client from cfg. The client owns transport construction;
// see Config.Transport.
func New(cfg Config) (*Client, error) {
	if cfg.Transport != nil {
		return nil, &ConfigurationError{Reason: "transport cannot be overridden, aTLS routing owns the transport"}
	}
	if len(cfg.Policies) > 0 && cfg.Engine == nil {
		return nil, &ConfigurationError{Reason: "an attestation engine is required when policies are registered"}
	}

	rt := newRouter(cfg.Policies, cfg.Engine)
	transport := &http.Transport{
		// No proxy support: a CONNECT proxy would carry policy-governed
		// hosts around the engine.
		Proxy:                 nil,
		DialContext:           rt.DialContext,
		DialTLSContext:        rt.DialTLSContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		hc: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// Do sends the request and attaches attestation evidence to the response
// when the connection that served it is an attested one. The check is
// structural — the type of the serving connection — not hostname-based, so
// it stays correct when connections are substituted by test doubles.
func (c *Client) Do(req *http.Request) (*Response, error) {
	var served net.Conn
	trace := &httptrace.ClientTrace{
		// On redirects GotConn fires per attempt; the last call is the
		// connection that produced the returned response.
		GotConn: func(info httptrace.GotConnInfo) {
			served = info.Conn
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}

	out := &Response{Response: resp}
	if ac, ok := served.(*Conn); ok {
		out.Attestation = ac.Evidence()
	}
	return out, nil
}

// Get issues a GET to the given URL.
func (c *Client) Get(url string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST to the given URL.
func (c *Client) Post(url, contentType string, body io.Reader) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// CloseIdleConnections closes idle pooled connections, attested ones
// included.
func (c *Client) CloseIdleConnections() {
	c.hc.CloseIdleConnections()
}
