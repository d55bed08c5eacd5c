package memcached

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-memcached/memcached/mcerr"
)

// Connection owns exactly one TCP socket plus a line-buffered reader and a
// write buffer (§4.C). It belongs to a Pool: callers only ever hold a
// borrow between checkout and check-in.
type Connection struct {
	mu   sync.Mutex
	host string
	conn net.Conn
	rd   *bufio.Reader
	wr   *bufio.Writer

	pool *Pool

	createdAt    time.Time
	lastActivity time.Time
	checkoutAt   time.Time
	closed       bool
}

// dialConnection implements §4.C's connect(): it opens the TCP socket,
// optionally bounding the dial with a polled background worker when
// connectTimeoutMs > 0 (0 means blocking, matching the teacher's
// net.Dialer{Timeout: 0} convention), then sets the read timeout and Nagle
// option before wrapping the socket in buffered readers/writers.
func dialConnection(host string, connectTimeoutMs, readTimeoutMs int, nagle bool) (*Connection, error) {
	var (
		nc  net.Conn
		err error
	)

	if connectTimeoutMs > 0 {
		nc, err = dialWithPolling(host, time.Duration(connectTimeoutMs)*time.Millisecond)
	} else {
		nc, err = net.Dial("tcp", host)
	}
	if err != nil {
		return nil, mcerr.Wrap(mcerr.KindIO, "dial "+host, err)
	}

	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(!nagle)
	}

	now := time.Now()
	c := &Connection{
		host:         host,
		conn:         nc,
		rd:           bufio.NewReader(nc),
		wr:           bufio.NewWriter(nc),
		createdAt:    now,
		lastActivity: now,
	}

	if readTimeoutMs > 0 {
		nc.SetReadDeadline(time.Now().Add(time.Duration(readTimeoutMs) * time.Millisecond))
	}

	return c, nil
}

// dialWithPolling runs the connect on a background goroutine and polls it at
// 25ms intervals, failing with connect-timeout if the deadline elapses
// first, per §4.C.
func dialWithPolling(host string, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := net.Dial("tcp", host)
		ch <- result{nc, err}
	}()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ticker.C:
			if time.Now().After(deadline) {
				go func() {
					// drain so the dialer goroutine doesn't leak blocked on ch
					if r := <-ch; r.conn != nil {
						r.conn.Close()
					}
				}()
				return nil, mcerr.New(mcerr.KindConnectTimeout, "dial "+host)
			}
		}
	}
}

// writeBytes appends to the write buffer (§4.C).
func (c *Connection) writeBytes(b []byte) error {
	_, err := c.wr.Write(b)
	if err != nil {
		return mcerr.Wrap(mcerr.KindIO, "write", err)
	}
	return nil
}

// flush flushes the write buffer to the socket (§4.C).
func (c *Connection) flush() error {
	if err := c.wr.Flush(); err != nil {
		return mcerr.Wrap(mcerr.KindIO, "flush", err)
	}
	return nil
}

// readLine reads until CRLF and returns the text with CRLF stripped (§4.C).
func (c *Connection) readLine() (string, error) {
	if !c.isConnected() {
		return "", mcerr.New(mcerr.KindIO, "readLine: closed")
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", mcerr.Wrap(mcerr.KindIO, "readLine", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readN reads exactly len(buf) bytes, looping over short reads (§4.C).
func (c *Connection) readN(buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := c.rd.Read(buf[n:])
		if err != nil {
			return mcerr.Wrap(mcerr.KindIO, "readN", err)
		}
		n += m
	}
	return nil
}

// clearEOL drains the stream until the next CRLF, discarding data (§4.C).
func (c *Connection) clearEOL() error {
	_, err := c.rd.ReadString('\n')
	if err != nil {
		return mcerr.Wrap(mcerr.KindIO, "clearEOL", err)
	}
	return nil
}

// isConnected reports whether the underlying socket is live (§4.C).
func (c *Connection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// trueClose flushes the writer and closes the socket, keeping the first
// error, then notifies its pool to remove itself from busy (§4.C). The
// buffered reader holds no resource of its own and is simply abandoned.
func (c *Connection) trueClose() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var firstErr error
	if err := c.wr.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if c.pool != nil {
		c.pool.removeBusy(c)
	}

	if firstErr != nil {
		return mcerr.Wrap(mcerr.KindIO, "trueClose", firstErr)
	}
	return nil
}

// release relinquishes this connection to its pool (§4.C, §4.D check-in).
func (c *Connection) release() {
	if c.pool != nil {
		c.pool.checkIn(c, true)
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) markCheckedOut() {
	c.mu.Lock()
	c.checkoutAt = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) checkedOutSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkoutAt
}
