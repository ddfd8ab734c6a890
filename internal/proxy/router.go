// Package proxy is a local HTTP gateway in front of the aTLS client. It
// lets tools that cannot link the client library (curl, browsers, legacy
// services) reach policy-governed hosts: requests to /proxy/<host>/<path>
// are replayed upstream over attested TLS and the evidence comes back in a
// response header.
//
// The gateway is meant to listen on loopback; it performs no caller
// authentication of its own.
package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/tongdao/atls"
	"github.com/aspect-build/tongdao/internal/audit"
	"github.com/aspect-build/tongdao/internal/logx"
)

// AttestationHeader carries the evidence record, JSON-encoded, on proxied
// responses served over an attested connection. Absent otherwise.
const AttestationHeader = "X-Tongdao-Attestation"

// hop-by-hop headers are meaningful per connection and must not be
// replayed upstream or echoed downstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NewRouter creates and configures the Gin router. store may be nil to
// disable audit logging.
func NewRouter(client *atls.Client, store *audit.Store) *gin.Engine {
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	if store != nil {
		r.GET("/audit", handleAudit(store))
	}

	r.Any("/proxy/:host/*path", handleProxy(client, store))

	return r
}

func handleAudit(store *audit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		entries, err := store.Recent(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func handleProxy(client *atls.Client, store *audit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := c.Param("host")
		if host == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing target host"})
			return
		}

		target := "https://" + host + c.Param("path")
		if q := c.Request.URL.RawQuery; q != "" {
			target += "?" + q
		}

		req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		copyHeaders(req.Header, c.Request.Header)

		resp, err := client.Do(req)
		if err != nil {
			status := http.StatusBadGateway
			var verr *atls.VerificationError
			if errors.As(err, &verr) {
				logx.Warnf("proxy: attestation failed for %s: %v", host, err)
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		defer resp.Body.Close()

		copyHeaders(c.Writer.Header(), resp.Header)

		if resp.Attestation != nil {
			if raw, err := json.Marshal(resp.Attestation); err == nil {
				c.Header(AttestationHeader, string(raw))
			}
			if store != nil {
				h, p := splitTarget(host)
				if err := store.Record(h, p, resp.Attestation); err != nil {
					logx.Warnf("proxy: audit record failed: %v", err)
				}
			}
		}

		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			logx.Warnf("proxy: streaming response from %s: %v", host, err)
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// splitTarget separates an optional :port suffix; the default is 443.
func splitTarget(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostport, 443
	}
	return host, port
}
