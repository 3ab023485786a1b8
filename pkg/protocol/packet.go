// Package protocol defines the revmux rendezvous wire format.
//
// Request datagram (variable, 82–336 bytes total):
//
//	[ident_len(1)] [ident(1..255)] [salt(16)] [mac(64)]
//
// Response datagram (85 bytes total):
//
//	[payload_len(1)=4] [ssh_port(2)] [tun_port(2)] [salt(16)] [mac(64)]
//
// All multi-byte integers are big-endian. The MAC is a keyed BLAKE2b-512 over
// salt ‖ message, where the message is the raw ident for requests and
// ident ‖ ssh_port ‖ tun_port for responses. Binding the response MAC to the
// requester's identity means a response issued for client A never verifies on
// client B, even though the identity itself is not echoed on the wire.
//
// The salt is drawn fresh for every build call, so two datagrams carrying the
// same logical message still differ byte-for-byte. There is no encryption:
// the exchange carries only port numbers, and the protocol guarantees
// integrity and peer authentication, not confidentiality.
package protocol

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2b"
)

const (
	// SaltSize is the number of random bytes mixed into every MAC.
	SaltSize = 16

	// MACSize is the BLAKE2b-512 digest size in bytes.
	MACSize = blake2b.Size

	// MaxIdentSize is the largest identity the single-byte length prefix can carry.
	MaxIdentSize = 255

	// ResponsePayloadSize is the fixed response payload: ssh_port(2) + tun_port(2).
	ResponsePayloadSize = 4

	// MinRequestSize is the wire size of a request with a one-byte identity.
	MinRequestSize = 1 + 1 + SaltSize + MACSize

	// ResponseSize is the exact wire size of a response datagram.
	ResponseSize = 1 + ResponsePayloadSize + SaltSize + MACSize
)

// Response holds the two ports carried by a verified response datagram.
type Response struct {
	// SSHPort is the TCP port the server's sshd listens on.
	SSHPort uint16

	// TunPort is the remote port allocated for the client's reverse tunnel.
	TunPort uint16
}

// BuildRequest assembles an authenticated request datagram for ident.
// A fresh random salt is drawn per call, so repeated builds differ on the wire.
func BuildRequest(secret, ident []byte) ([]byte, error) {
	if len(ident) == 0 || len(ident) > MaxIdentSize {
		return nil, ErrIdentSize
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	mac, err := computeMAC(secret, salt, ident)
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, 0, 1+len(ident)+SaltSize+MACSize)
	pkt = append(pkt, byte(len(ident)))
	pkt = append(pkt, ident...)
	pkt = append(pkt, salt...)
	pkt = append(pkt, mac...)
	return pkt, nil
}

// ParseRequest validates a request datagram and returns the authenticated
// identity. Any structural defect or MAC mismatch yields ErrNotAuthenticated;
// callers drop such datagrams silently and never answer on the wire.
func ParseRequest(secret, raw []byte) ([]byte, error) {
	if len(raw) < MinRequestSize {
		return nil, ErrNotAuthenticated
	}

	identLen := int(raw[0])
	if identLen == 0 || len(raw) != 1+identLen+SaltSize+MACSize {
		return nil, ErrNotAuthenticated
	}

	ident := raw[1 : 1+identLen]
	salt := raw[1+identLen : 1+identLen+SaltSize]
	mac := raw[1+identLen+SaltSize:]

	want, err := computeMAC(secret, salt, ident)
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	if subtle.ConstantTimeCompare(mac, want) != 1 {
		return nil, ErrNotAuthenticated
	}

	out := make([]byte, identLen)
	copy(out, ident)
	return out, nil
}

// BuildResponse assembles an authenticated response datagram for ident.
// The identity is folded into the MAC but not carried on the wire.
func BuildResponse(secret, ident []byte, sshPort, tunPort uint16) ([]byte, error) {
	if len(ident) == 0 || len(ident) > MaxIdentSize {
		return nil, ErrIdentSize
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	payload := make([]byte, ResponsePayloadSize)
	binary.BigEndian.PutUint16(payload[0:], sshPort)
	binary.BigEndian.PutUint16(payload[2:], tunPort)

	mac, err := computeMAC(secret, salt, ident, payload)
	if err != nil {
		return nil, err
	}

	pkt := make([]byte, 0, ResponseSize)
	pkt = append(pkt, ResponsePayloadSize)
	pkt = append(pkt, payload...)
	pkt = append(pkt, salt...)
	pkt = append(pkt, mac...)
	return pkt, nil
}

// ParseResponse validates a response datagram against the caller's own
// identity and returns the carried ports. Structural defects and MAC
// mismatches yield ErrNotAuthenticated.
func ParseResponse(secret, ident, raw []byte) (*Response, error) {
	if len(raw) != ResponseSize || raw[0] != ResponsePayloadSize {
		return nil, ErrNotAuthenticated
	}

	payload := raw[1 : 1+ResponsePayloadSize]
	salt := raw[1+ResponsePayloadSize : 1+ResponsePayloadSize+SaltSize]
	mac := raw[1+ResponsePayloadSize+SaltSize:]

	want, err := computeMAC(secret, salt, ident, payload)
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	if subtle.ConstantTimeCompare(mac, want) != 1 {
		return nil, ErrNotAuthenticated
	}

	return &Response{
		SSHPort: binary.BigEndian.Uint16(payload[0:]),
		TunPort: binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// computeMAC returns the keyed BLAKE2b-512 digest over salt followed by the
// message parts. blake2b rejects keys over 64 bytes, which surfaces here as
// a build/parse error rather than a panic.
func computeMAC(secret, salt []byte, msg ...[]byte) ([]byte, error) {
	h, err := blake2b.New512(secret)
	if err != nil {
		return nil, err
	}
	h.Write(salt)
	for _, m := range msg {
		h.Write(m)
	}
	return h.Sum(nil), nil
}
