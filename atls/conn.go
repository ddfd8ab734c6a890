package atls

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aspect-build/tongdao/attestation"
)

// Conn adapts an attested engine connection to net.Conn so net/http can
// frame HTTP/1.1 over it. The engine owns the TLS session, so Conn carries
// no tls.ConnectionState and the transport treats it as an opaque byte
// stream; no second handshake is performed.
//
// Limitation: deadlines set through SetDeadline and friends are accepted
// but not forwarded — the engine schedules its own I/O and applies its own
// timeouts. Client-level timeouts therefore cannot preempt an in-flight
// attested read or write.
type Conn struct {
	engine attestation.EngineConn
	host   string
	port   int

	closeOnce sync.Once
	closeErr  error
}

func (c *Conn) Read(p []byte) (int, error)  { return c.engine.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.engine.Write(p) }

// Close releases the engine connection. Closing more than once is not an
// error; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.engine.Close() })
	return c.closeErr
}

// Evidence returns the attestation evidence captured when the connection
// was established.
func (c *Conn) Evidence() *attestation.Evidence {
	return c.engine.Attestation()
}

func (c *Conn) LocalAddr() net.Addr {
	return atlsAddr("")
}

func (c *Conn) RemoteAddr() net.Addr {
	return atlsAddr(net.JoinHostPort(c.host, strconv.Itoa(c.port)))
}

// Deadlines are not forwarded to the engine; see the type comment.
func (c *Conn) SetDeadline(time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

type atlsAddr string

func (atlsAddr) Network() string  { return "atls" }
func (a atlsAddr) String() string { return string(a) }
