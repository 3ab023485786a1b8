// Package client implements the revmux negotiation loop.
//
// One invocation performs one exchange:
//  1. Build the authenticated request once; the same bytes are resent.
//  2. Send it and listen until the current schedule slot expires.
//  3. On a datagram, try to verify it as a response for our identity; the
//     first valid response wins and ends the exchange.
//  4. On slot expiry, resend and move to the next slot.
//  5. When the schedule is exhausted, give up with ErrTimeout.
//
// Duplicate responses arriving after the first valid one are ignored: the
// socket is already closed by then. A transport-level send error closes the
// socket and a fresh one is opened for the next slot.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/revmux/revmux/internal/schedule"
	"github.com/revmux/revmux/pkg/protocol"
)

// ErrTimeout is returned when every scheduled attempt elapsed without an
// authenticated response.
var ErrTimeout = errors.New("negotiation timed out")

// Options holds the parameters for a single negotiation.
type Options struct {
	// Secret is the pre-shared MAC key.
	Secret []byte

	// Ident is this node's identity, 1-255 bytes.
	Ident []byte

	// Host is the server hostname or IP address.
	Host string

	// Port is the server's mux UDP port.
	Port uint16

	// Attempts is the number of request sends across the exchange.
	Attempts int

	// Timeout is the total wall-clock budget for the exchange.
	Timeout time.Duration

	// Log is the structured logger.
	Log *slog.Logger
}

// Negotiate performs the exchange and returns the ports granted by the
// server. It returns ErrTimeout when the schedule is exhausted and
// ctx.Err() when cancelled mid-exchange.
func Negotiate(ctx context.Context, opts *Options) (*protocol.Response, error) {
	req, err := protocol.BuildRequest(opts.Secret, opts.Ident)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	delays := schedule.ClientSeries(opts.Attempts, opts.Timeout)

	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer func() { conn.Close() }()

	// Close the socket when cancelled so blocked reads return promptly. The
	// closure reads conn through the variable, so a socket reopened after a
	// transport error is still the one closed.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 1024)
	for i, delay := range delays {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if _, err := conn.Write(req); err != nil {
			opts.Log.Debug("send failed, reopening socket", "attempt", i+1, "err", err)
			conn.Close()
			if conn, err = dial(addr); err != nil {
				return nil, err
			}
			continue
		}
		opts.Log.Debug("request sent", "attempt", i+1, "next_delay", delay)

		deadline := time.Now().Add(delay)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}

		for {
			n, err := conn.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if errors.Is(err, net.ErrClosed) || !isTimeout(err) {
					opts.Log.Debug("receive failed, reopening socket", "attempt", i+1, "err", err)
					conn.Close()
					if conn, err = dial(addr); err != nil {
						return nil, err
					}
					// Wait out the rest of the slot before resending.
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(time.Until(deadline)):
					}
				}
				break // slot expired, resend
			}

			resp, err := protocol.ParseResponse(opts.Secret, opts.Ident, buf[:n])
			if err != nil {
				opts.Log.Debug("dropping datagram", "attempt", i+1, "size", n)
				continue
			}
			opts.Log.Debug("response verified",
				"ssh_port", resp.SSHPort, "tun_port", resp.TunPort)
			return resp, nil
		}
	}

	return nil, ErrTimeout
}

// dial opens a connected UDP socket to addr, resolving the hostname.
func dial(addr string) (net.Conn, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing UDP %s: %w", addr, err)
	}
	return conn, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
