// Package transport supplies the TCP primitives used by the session and
// the transfer worker. It generalizes the teacher library's scattered
// net.Listen/net.Dial call sites (server.go, transfer_active.go,
// transfer_pasv.go) into one façade, and carries over its control_unix.go
// / control_fallback.go SO_REUSEADDR dance as the reuseControl hook below.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Common façade errors, mapped from the underlying net package's errors.
var (
	ErrTimeout    = errors.New("timeout")
	ErrPeerClosed = errors.New("peer closed connection")
	ErrOverflow   = errors.New("line exceeds maximum length")
	ErrExhausted  = errors.New("no port available in range")
)

// Listener wraps a net.Listener.
type Listener struct {
	net.Listener
}

// Listen opens a TCP listener on addr:port with SO_REUSEADDR set.
func Listen(addr string, port int, backlog int) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseControl}

	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", addr, port, err)
	}

	_ = backlog // the stdlib does not expose a tunable backlog past net.Listen's default

	return &Listener{Listener: ln}, nil
}

// ListenRange tries each port in [portMin, portMax] in order and returns
// the first that binds successfully, along with the port it landed on.
func ListenRange(addr string, portMin, portMax, backlog int) (*Listener, int, error) {
	for port := portMin; port <= portMax; port++ {
		ln, err := Listen(addr, port, backlog)
		if err == nil {
			return ln, port, nil
		}
	}

	return nil, 0, ErrExhausted
}

// Accept waits for and returns the next incoming connection along with
// the peer's address.
func (l *Listener) Accept() (*Conn, string, int, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, "", 0, err
	}

	host, port := splitAddr(c.RemoteAddr())

	return newConn(c), host, port, nil
}

// Connect tries every address host resolves to, in order, and returns a
// Conn for the first that accepts, mirroring spec.md 4.1's connect().
func Connect(host string, port int) (*Conn, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		// host may already be a literal IP/unresolvable name; let DialTCP
		// attempt it directly via the address form.
		c, dialErr := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
		if dialErr != nil {
			return nil, dialErr
		}

		return newConn(c), nil
	}

	var lastErr error

	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))

		c, dialErr := net.DialTimeout("tcp", addr, 10*time.Second)
		if dialErr == nil {
			return newConn(c), nil
		}

		lastErr = dialErr
	}

	return nil, lastErr
}

func splitAddr(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}

	return tcpAddr.IP.String(), tcpAddr.Port
}

// Conn wraps a net.Conn with the line/exact/some read primitives spec.md
// 4.1 calls for, buffered the same way the teacher buffers its control
// connection reader in client_handler.go.
type Conn struct {
	net.Conn
	reader *bufio.Reader
}

func newConn(c net.Conn) *Conn {
	return &Conn{Conn: c, reader: bufio.NewReader(c)}
}

// NewConn wraps an already-established net.Conn in the façade.
func NewConn(c net.Conn) *Conn {
	return newConn(c)
}

// LocalAddrParts returns the local address as (ip, port).
func (c *Conn) LocalAddrParts() (string, int) {
	return splitAddr(c.Conn.LocalAddr())
}

// RemoteAddrParts returns the peer address as (ip, port).
func (c *Conn) RemoteAddrParts() (string, int) {
	return splitAddr(c.Conn.RemoteAddr())
}

// RecvLine reads a single CRLF-terminated line, the terminator included
// in the returned bytes, bounded by maxLen and timeout.
func (c *Conn) RecvLine(maxLen int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}

		defer c.Conn.SetReadDeadline(time.Time{})
	}

	var line []byte

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrTimeout
			}

			return nil, mapIOErr(err)
		}

		line = append(line, b)

		if len(line) > maxLen {
			return nil, ErrOverflow
		}

		if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
			return line, nil
		}
	}
}

func mapIOErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}

	return err
}

// RecvExact fills buf completely or returns an error.
func (c *Conn) RecvExact(buf []byte) error {
	_, err := io.ReadFull(c.reader, buf)
	if err != nil {
		return mapIOErr(err)
	}

	return nil
}

// RecvSome reads at least one byte into buf, returning the count read.
func (c *Conn) RecvSome(buf []byte) (int, error) {
	return c.reader.Read(buf)
}

// SendAll writes the entirety of buf to the connection.
func (c *Conn) SendAll(buf []byte) error {
	total := 0

	for total < len(buf) {
		n, err := c.Conn.Write(buf[total:])
		if err != nil {
			return err
		}

		total += n
	}

	return nil
}

// SetRecvTimeout sets the read deadline d in the future (zero disables it).
func (c *Conn) SetRecvTimeout(d time.Duration) error {
	if d <= 0 {
		return c.Conn.SetReadDeadline(time.Time{})
	}

	return c.Conn.SetReadDeadline(time.Now().Add(d))
}

// SetSendTimeout sets the write deadline d in the future (zero disables it).
func (c *Conn) SetSendTimeout(d time.Duration) error {
	if d <= 0 {
		return c.Conn.SetWriteDeadline(time.Time{})
	}

	return c.Conn.SetWriteDeadline(time.Now().Add(d))
}

// SetTCPNoDelay toggles Nagle's algorithm on the underlying TCP socket.
func (c *Conn) SetTCPNoDelay(on bool) error {
	tcpConn, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	return tcpConn.SetNoDelay(on)
}

// SetKeepAlive toggles TCP keepalive on the underlying socket.
func (c *Conn) SetKeepAlive(on bool) error {
	tcpConn, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	return tcpConn.SetKeepAlive(on)
}

// ShutdownSend half-closes the write side of the connection.
func (c *Conn) ShutdownSend() error {
	tcpConn, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return c.Conn.Close()
	}

	return tcpConn.CloseWrite()
}

// ShutdownRecv half-closes the read side of the connection.
func (c *Conn) ShutdownRecv() error {
	tcpConn, ok := c.Conn.(*net.TCPConn)
	if !ok {
		return c.Conn.Close()
	}

	return tcpConn.CloseRead()
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}
