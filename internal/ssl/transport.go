package ssl

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatls/internal/sslerr"
)

// Transport carries encrypted records between a Connection and its peer. The
// implementations are MemoryTransport and SocketTransport.
type Transport interface {
	io.Closer

	read(s *scheduler, p []byte) (int, error)
	write(p []byte) (int, error)
	// eofDelivered reports whether end of stream was handed to the engine.
	eofDelivered() bool
	// writable reports whether another record may be queued.
	writable() bool
	addrs() (local, remote net.Addr)
}

// memoryAddr is the address reported for in-memory transports.
type memoryAddr struct{}

func (memoryAddr) Network() string { return "memory" }
func (memoryAddr) String() string  { return "memory" }

// MemoryTransport is a pair of byte buffers: the application feeds records
// received from the peer with BIOWrite and drains records for the peer with
// BIORead.
type MemoryTransport struct {
	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	limit    int
	shutdown bool
	eof      bool
	closed   bool
}

// MemoryOption configures a MemoryTransport.
type MemoryOption func(*MemoryTransport)

// WithOutgoingLimit makes Send report WantWrite while at least limit bytes
// are waiting to be drained with BIORead. Zero disables the limit.
func WithOutgoingLimit(limit int) MemoryOption {
	return func(m *MemoryTransport) {
		m.limit = limit
	}
}

// NewMemoryTransport creates an empty memory transport.
func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	m := &MemoryTransport{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BIOWrite queues bytes received from the peer.
func (m *MemoryTransport) BIOWrite(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return 0, sslerr.NewStateError("bio_write", "closed")
	case m.shutdown:
		return 0, sslerr.NewStateError("bio_write", "bio shut down")
	}
	return m.in.Write(p)
}

// BIORead removes up to max bytes of output destined for the peer. It returns
// WantRead when nothing is pending.
func (m *MemoryTransport) BIORead(maxBytes int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out.Len() == 0 {
		return nil, sslerr.ErrWantRead
	}
	if maxBytes <= 0 || maxBytes > m.out.Len() {
		maxBytes = m.out.Len()
	}
	p := make([]byte, maxBytes)
	n, _ := m.out.Read(p)
	return p[:n], nil
}

// BIOShutdown signals that the peer will send no more bytes. Once the queued
// input is consumed the engine sees end of stream.
func (m *MemoryTransport) BIOShutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

// Pending returns the number of output bytes waiting for BIORead.
func (m *MemoryTransport) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Len()
}

// Buffered returns the number of input bytes not yet consumed by the engine.
func (m *MemoryTransport) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in.Len()
}

// Close discards both buffers.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.in.Reset()
	m.out.Reset()
	return nil
}

func (m *MemoryTransport) read(s *scheduler, p []byte) (int, error) {
	for {
		m.mu.Lock()
		switch {
		case m.closed:
			m.mu.Unlock()
			return 0, net.ErrClosed
		case m.in.Len() > 0:
			n, _ := m.in.Read(p)
			m.mu.Unlock()
			return n, nil
		case m.shutdown:
			m.eof = true
			m.mu.Unlock()
			return 0, io.EOF
		}
		m.mu.Unlock()

		if err := s.park(sslerr.ErrWantRead); err != nil {
			return 0, err
		}
	}
}

func (m *MemoryTransport) write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	return m.out.Write(p)
}

func (m *MemoryTransport) eofDelivered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eof
}

func (m *MemoryTransport) writable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit <= 0 || m.out.Len() < m.limit
}

func (m *MemoryTransport) addrs() (net.Addr, net.Addr) {
	return memoryAddr{}, memoryAddr{}
}

// SocketTransport runs the connection over a net.Conn. Writes block. Reads
// block too unless a timeout is set, in which case a read that sees no data
// within the timeout reports WantRead and resumes on the next call.
type SocketTransport struct {
	conn    net.Conn
	timeout time.Duration
	eof     bool
}

// NewSocketTransport wraps conn. A zero timeout makes reads fully blocking.
func NewSocketTransport(conn net.Conn, timeout time.Duration) *SocketTransport {
	return &SocketTransport{conn: conn, timeout: timeout}
}

// Conn returns the wrapped socket.
func (t *SocketTransport) Conn() net.Conn {
	return t.conn
}

// Close closes the socket.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

func (t *SocketTransport) read(s *scheduler, p []byte) (int, error) {
	for {
		if t.timeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.timeout))
		}
		n, err := t.conn.Read(p)
		if err == nil {
			return n, nil
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if n > 0 {
				return n, nil
			}
			if perr := s.park(sslerr.ErrWantRead); perr != nil {
				return 0, perr
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			t.eof = true
		}
		return n, err
	}
}

func (t *SocketTransport) write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *SocketTransport) eofDelivered() bool {
	return t.eof
}

func (t *SocketTransport) writable() bool {
	return true
}

func (t *SocketTransport) addrs() (net.Addr, net.Addr) {
	return t.conn.LocalAddr(), t.conn.RemoteAddr()
}

// engineConn presents a Transport to crypto/tls as a net.Conn. Reads park
// on the scheduler instead of failing when no input is available.
type engineConn struct {
	t     Transport
	sched *scheduler
}

func (c *engineConn) Read(p []byte) (int, error)  { return c.t.read(c.sched, p) }
func (c *engineConn) Write(p []byte) (int, error) { return c.t.write(p) }

// Close is a no-op: the Connection closes the transport during teardown.
func (c *engineConn) Close() error { return nil }

func (c *engineConn) LocalAddr() net.Addr {
	local, _ := c.t.addrs()
	return local
}

func (c *engineConn) RemoteAddr() net.Addr {
	_, remote := c.t.addrs()
	return remote
}

func (c *engineConn) SetDeadline(time.Time) error      { return nil }
func (c *engineConn) SetReadDeadline(time.Time) error  { return nil }
func (c *engineConn) SetWriteDeadline(time.Time) error { return nil }
