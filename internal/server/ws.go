package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatter/internal/frame"
	"chatter/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufSize,
	WriteBufferSize: readBufSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient adapts a WebSocket connection onto the same session engine as a
// raw TCP client.  Payloads are fed through the brace-delimited frame
// decoder too, so a peer batching several requests into one WebSocket
// message behaves identically to a TCP peer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// WSHandler upgrades HTTP requests to WebSocket chat sessions.  Mount it
// on any mux; bans are enforced before the upgrade, so a banned address
// never gets a handshake response.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if s.reg.IsBanned(host) {
			log.Printf("[ws] dropped banned host %s", host)
			hj, ok := w.(http.Hijacker)
			if !ok {
				return
			}
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade: %v", err)
			return
		}
		c := &wsClient{
			id:     fmt.Sprintf("ws-%d", s.connID.Add(1)),
			conn:   conn,
			send:   make(chan []byte, sendBufSize),
			closed: make(chan struct{}),
		}
		go c.writePump()
		s.serveWS(c)
	})
}

// ListenAndServeWS serves the WebSocket transport on addr at path /ws.
func (s *Server) ListenAndServeWS(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.WSHandler())
	log.Printf("[ws] listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// serveWS is the WebSocket twin of serveConn.
func (s *Server) serveWS(c *wsClient) {
	log.Printf("[ws] +%s from %s", c.id, c.conn.RemoteAddr())
	defer func() {
		if username, had := s.reg.Disconnect(c); had {
			log.Printf("[ws] session %q torn down with the connection", username)
		}
		c.Close()
		log.Printf("[ws] -%s", c.id)
	}()

	var dec frame.Decoder
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		dec.Feed(data)
		for {
			span, ok := dec.Next()
			if !ok {
				break
			}
			if s.dispatch(c, span) {
				return
			}
		}
		if c.isClosed() {
			return
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	write := func(data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	for {
		select {
		case data := <-c.send:
			if !write(data) {
				return
			}
		case <-c.closed:
			for {
				select {
				case data := <-c.send:
					if !write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *wsClient) Deliver(env protocol.Envelope) error {
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

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.SetReadDeadline(time.Now())
	})
	return nil
}

func (c *wsClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *wsClient) RemoteHost() string {
	return hostOnly(c.conn.RemoteAddr())
}
