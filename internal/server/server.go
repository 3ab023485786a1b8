// Package server implements the revmux rendezvous server.
//
// The server:
//  1. Listens on a UDP port for identity requests.
//  2. Authenticates each datagram via the shared-secret MAC; failures are
//     dropped without any wire response.
//  3. Resolves the identity's tunnel port through the persistent store,
//     allocating the lowest free port of the configured range for new
//     identities and re-homing stale out-of-range bindings.
//  4. Spawns a responder that repeats the authenticated response to the
//     requester's address along the retry schedule, absorbing packet loss.
//
// The binding is durable in the store before the first response send, so a
// crash between allocation and send still preserves the identity→port pair.
// At most one responder runs per identity: duplicate requests arriving while
// one is in flight are dropped, since its remaining sends already carry the
// same allocation back to the peer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/revmux/revmux/internal/identstore"
	"github.com/revmux/revmux/internal/schedule"
	"github.com/revmux/revmux/pkg/protocol"
)

// Options holds server startup configuration.
type Options struct {
	// Bind is the address to listen on ("::" for all interfaces).
	Bind string

	// MuxPort is the UDP port to listen for requests.
	MuxPort uint16

	// SSHPort is the sshd port advertised to clients in responses.
	SSHPort uint16

	// TunPortLo and TunPortHi bound the tunnel port range, inclusive.
	TunPortLo uint16
	TunPortHi uint16

	// Attempts is the number of times each response is repeated.
	Attempts int

	// Timeout is the wall-clock budget the response repeats are spread over.
	Timeout time.Duration

	// Secret is the pre-shared MAC key.
	Secret []byte

	// Store is the persistent identity→port map.
	Store *identstore.Store

	// Log is the structured logger.
	Log *slog.Logger
}

// Server is a running rendezvous instance.
type Server struct {
	opts       *Options
	responders *responders
}

// New creates a Server with the given options.
func New(opts *Options) *Server {
	return &Server{
		opts:       opts,
		responders: newResponders(),
	}
}

// Run binds the UDP socket and serves requests until ctx is cancelled.
// On shutdown, in-flight responders are drained to completion rather than
// cancelled mid-send, so the last requester still learns its port.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Bind, fmt.Sprint(s.opts.MuxPort))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listening UDP %s: %w", addr, err)
	}

	s.opts.Log.Info("revmux server listening",
		"addr", conn.LocalAddr(),
		"ssh_port", s.opts.SSHPort,
		"tun_range", fmt.Sprintf("%d:%d", s.opts.TunPortLo, s.opts.TunPortHi),
	)

	// On cancellation only the read is unblocked; the socket stays open so
	// draining responders can still deliver their remaining repeats.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	delays := schedule.Series(s.opts.Attempts, s.opts.Timeout)

	buf := make([]byte, 1024)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.opts.Log.Warn("UDP read error", "err", err)
			continue
		}
		s.handleRequest(conn, buf[:n], peer, delays)
	}

	s.responders.drain()
	conn.Close()
	return nil
}

// handleRequest runs on the receive loop. It owns all mutation of the store
// and the responder registry; only the repeat sends happen concurrently.
func (s *Server) handleRequest(conn net.PacketConn, raw []byte, peer net.Addr, delays []time.Duration) {
	ident, err := protocol.ParseRequest(s.opts.Secret, raw)
	if err != nil {
		s.opts.Log.Debug("dropping datagram", "src", peer, "size", len(raw))
		return
	}
	key := identstore.Key(ident)

	if !s.responders.reap(key) {
		s.opts.Log.Debug("response already in flight", "ident", key, "src", peer)
		return
	}

	tunPort, err := s.opts.Store.Allocate(ident, s.opts.TunPortLo, s.opts.TunPortHi)
	if err != nil {
		if errors.Is(err, identstore.ErrRangeFull) {
			s.opts.Log.Warn("tunnel port range exhausted", "ident", key, "src", peer)
			return
		}
		s.opts.Log.Error("identity store", "ident", key, "err", err)
		return
	}

	resp, err := protocol.BuildResponse(s.opts.Secret, ident, s.opts.SSHPort, tunPort)
	if err != nil {
		s.opts.Log.Error("building response", "ident", key, "err", err)
		return
	}

	s.opts.Log.Info("port assigned",
		"ident", key, "src", peer,
		"tun_port", tunPort, "ssh_port", s.opts.SSHPort,
	)

	s.responders.spawn(key, func() {
		s.respond(conn, resp, peer, delays, key)
	})
}

// respond repeats the response bytes to peer along the delay schedule.
// Sends are best-effort; a failed send only costs one repeat.
func (s *Server) respond(conn net.PacketConn, resp []byte, peer net.Addr, delays []time.Duration, key string) {
	for i, delay := range delays {
		time.Sleep(delay)
		if _, err := conn.WriteTo(resp, peer); err != nil {
			s.opts.Log.Debug("response send failed",
				"ident", key, "dst", peer, "attempt", i+1, "err", err)
			continue
		}
		s.opts.Log.Debug("response sent", "ident", key, "dst", peer, "attempt", i+1)
	}
}
