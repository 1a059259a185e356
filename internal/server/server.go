// Package server implements the TCP chat server.
//
// Concurrency overview
// --------------------
//
//	┌──────────────────────────────────────────────────────────┐
//	│  Listener goroutine                                      │
//	│  Accepts TCP connections; runs one serveConn goroutine   │
//	│  plus one writePump goroutine per Client.                │
//	└───────────────────┬──────────────────────────────────────┘
//	                    │  registry operations (one mutex)
//	                    ▼
//	┌──────────────────────────────────────────────────────────┐
//	│  Registry                                                │
//	│  Sessions, room directory, history logs, ban list.       │
//	│  Every mutating command runs under its single lock, so   │
//	│  commands from different connections are linearizable.   │
//	└──────────────────────────────────────────────────────────┘
//
// Each serveConn goroutine owns its connection's read buffer and frame
// decoder outright; nothing else touches them.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"

	"chatter/internal/frame"
	"chatter/internal/registry"
)

// Server accepts TCP connections and runs the session protocol engine on
// each of them.
type Server struct {
	reg      *registry.Registry
	listener net.Listener

	connID atomic.Uint64 // monotonically increasing connection counter
}

// New creates a Server around reg.
func New(reg *registry.Registry) *Server {
	return &Server{reg: reg}
}

// Registry exposes the shared state engine, used by the WebSocket
// transport and by tests.
func (s *Server) Registry() *registry.Registry { return s.reg }

// ListenAndServe accepts TCP connections on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln; mainly split out so tests can listen
// on an ephemeral port.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	log.Printf("[server] listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closed by Shutdown.
			return nil
		}
		go s.serveConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// serveConn runs the per-connection loop: ban check, then
// read → frame decode → dispatch until the peer goes away or the session
// is closed by logout, kick, or ban.
func (s *Server) serveConn(conn net.Conn) {
	host := hostOnly(conn.RemoteAddr())
	if s.reg.IsBanned(host) {
		// Banned addresses get no response at all.
		log.Printf("[server] dropped banned host %s", host)
		conn.Close()
		return
	}

	c := newClient(fmt.Sprintf("conn-%d", s.connID.Add(1)), conn)
	go c.writePump()
	log.Printf("[server] +%s from %s", c.id, conn.RemoteAddr())

	defer func() {
		if username, had := s.reg.Disconnect(c); had {
			log.Printf("[server] session %q torn down with the connection", username)
		}
		c.Close()
		log.Printf("[server] -%s", c.id)
	}()

	var dec frame.Decoder
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				span, ok := dec.Next()
				if !ok {
					break
				}
				if s.dispatch(c, span) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Printf("[server] %s read: %v", c.id, err)
			}
			return
		}
		if c.isClosed() {
			// Kicked or banned from another connection's goroutine.
			return
		}
	}
}
