package atls

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspect-build/tongdao/attestation"
)

type scriptedEngineConn struct {
	readBuf    bytes.Buffer
	written    bytes.Buffer
	evidence   *attestation.Evidence
	closeCount int
	closeErr   error
}

func (c *scriptedEngineConn) Read(p []byte) (int, error)  { return c.readBuf.Read(p) }
func (c *scriptedEngineConn) Write(p []byte) (int, error) { return c.written.Write(p) }

func (c *scriptedEngineConn) Close() error {
	c.closeCount++
	return c.closeErr
}

func (c *scriptedEngineConn) Attestation() *attestation.Evidence { return c.evidence }

func TestConnDelegatesReadWrite(t *testing.T) {
	ec := &scriptedEngineConn{}
	ec.readBuf.WriteString("hello")
	conn := &Conn{engine: ec, host: "tee.example.com", port: 443}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = conn.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, "data", ec.written.String())
}

func TestConnCloseIsIdempotent(t *testing.T) {
	ec := &scriptedEngineConn{closeErr: errors.New("engine close failed")}
	conn := &Conn{engine: ec}

	err1 := conn.Close()
	err2 := conn.Close()

	assert.Equal(t, 1, ec.closeCount, "engine must be closed exactly once")
	assert.Equal(t, err1, err2)
}

func TestConnDeadlinesAcceptedNotForwarded(t *testing.T) {
	conn := &Conn{engine: &scriptedEngineConn{}}

	deadline := time.Now().Add(time.Second)
	assert.NoError(t, conn.SetDeadline(deadline))
	assert.NoError(t, conn.SetReadDeadline(deadline))
	assert.NoError(t, conn.SetWriteDeadline(deadline))
}

func TestConnExposesEvidence(t *testing.T) {
	ev := &attestation.Evidence{Trusted: true, TEEType: "tdx"}
	conn := &Conn{engine: &scriptedEngineConn{evidence: ev}}

	assert.Same(t, ev, conn.Evidence())
}

func TestConnAddrs(t *testing.T) {
	conn := &Conn{engine: &scriptedEngineConn{}, host: "tee.example.com", port: 443}

	assert.Equal(t, "atls", conn.RemoteAddr().Network())
	assert.Equal(t, "tee.example.com:443", conn.RemoteAddr().String())
	assert.Equal(t, "atls", conn.LocalAddr().Network())
}
