package wire

import (
	"bufio"
	"io"
	"net"

	"github.com/TomMelt/mdb-go/internal/message"
)

// Connection owns one peer's byte streams and is the unit of peer identity
// at the exchange (spec §3.3): the exchange tells "this peer" apart by the
// Connection value, not by address. Framing and (de)serialisation happen
// per call; Connection itself holds no semantic protocol state.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewConnection wraps an established net.Conn (already past any TLS
// handshake) as a Connection.
func NewConnection(c net.Conn) *Connection {
	return &Connection{conn: c, r: bufio.NewReaderSize(c, 32*1024)}
}

// Send encodes and writes one Message.
func (c *Connection) Send(m message.Message) error {
	return WriteMessage(c.conn, m)
}

// Receive reads and decodes exactly one Message, blocking until a full
// frame has arrived or the connection errors/closes.
func (c *Connection) Receive() (message.Message, error) {
	return ReadMessage(c.r)
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer's network address, used only for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Raw exposes the underlying stream for callers that need direct
// io.Reader/io.Writer access outside the framed protocol (the worker
// tests use it to set read deadlines). Unused by the exchange, worker and
// controller themselves.
func (c *Connection) Raw() io.ReadWriter {
	return c.conn
}
