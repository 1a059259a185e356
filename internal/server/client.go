package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"chatter/internal/protocol"
)

const (
	sendBufSize  = 256             // buffered send channel capacity
	writeTimeout = 10 * time.Second
	readBufSize  = 4096
)

// Client represents one TCP connection.
//
// The connection's read loop runs in serveConn; writePump runs in its own
// goroutine and drains the send channel.  This decouples reading from
// writing so a broadcast from another connection's goroutine never blocks
// on a slow peer: Deliver enqueues without waiting, and a full buffer is
// reported as a delivery failure.
type Client struct {
	id   string
	conn net.Conn
	send chan []byte // outbound JSON envelopes

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(id string, conn net.Conn) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		closed: make(chan struct{}),
	}
}

// writePump drains the send channel and writes each envelope to the TCP
// connection.  A write deadline is set for every write so a stuck client
// cannot pin the goroutine.  On Close it flushes whatever is already
// queued (a logout acknowledgement, a kick notice) before releasing the
// socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(data); err != nil {
				return
			}
		case <-c.closed:
			for {
				select {
				case data := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if _, err := c.conn.Write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Deliver queues env for writing.  It never blocks: a closed connection or
// a full send buffer is reported as an error so the registry can treat
// this peer as dead.
func (c *Client) Deliver(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = errors.New("send buffer full")

// Close releases the connection exactly once.  Safe to call from any
// goroutine: a kick issued on another connection's goroutine races with
// this connection's own read loop teardown.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Unblock a pending Read; writePump closes the conn for good
		// after flushing.
		c.conn.SetReadDeadline(time.Now())
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// RemoteHost returns the connection's remote address without the port;
// bans are host-based.
func (c *Client) RemoteHost() string {
	return hostOnly(c.conn.RemoteAddr())
}

func hostOnly(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
