package protocol_test

import (
	"bytes"
	"testing"

	"github.com/revmux/revmux/pkg/protocol"
)

func TestRequestRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	idents := [][]byte{
		[]byte("x"),
		[]byte("node-A"),
		bytes.Repeat([]byte{0xAB}, 32),
		bytes.Repeat([]byte("i"), protocol.MaxIdentSize),
	}

	for _, ident := range idents {
		pkt, err := protocol.BuildRequest(secret, ident)
		if err != nil {
			t.Fatalf("BuildRequest(%d bytes) error = %v", len(ident), err)
		}
		got, err := protocol.ParseRequest(secret, pkt)
		if err != nil {
			t.Fatalf("ParseRequest error = %v", err)
		}
		if !bytes.Equal(got, ident) {
			t.Errorf("ident = %x, want %x", got, ident)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	ident := []byte("node-A")

	pkt, err := protocol.BuildResponse(secret, ident, 22, 22000)
	if err != nil {
		t.Fatalf("BuildResponse error = %v", err)
	}
	if len(pkt) != protocol.ResponseSize {
		t.Fatalf("response size = %d, want %d", len(pkt), protocol.ResponseSize)
	}

	resp, err := protocol.ParseResponse(secret, ident, pkt)
	if err != nil {
		t.Fatalf("ParseResponse error = %v", err)
	}
	if resp.SSHPort != 22 || resp.TunPort != 22000 {
		t.Errorf("ports = (%d, %d), want (22, 22000)", resp.SSHPort, resp.TunPort)
	}
}

func TestBuildRequest_IdentSizeLimits(t *testing.T) {
	secret := []byte("s")

	if _, err := protocol.BuildRequest(secret, nil); err != protocol.ErrIdentSize {
		t.Errorf("empty ident: err = %v, want ErrIdentSize", err)
	}
	if _, err := protocol.BuildRequest(secret, bytes.Repeat([]byte("i"), 256)); err != protocol.ErrIdentSize {
		t.Errorf("256-byte ident: err = %v, want ErrIdentSize", err)
	}
}

func TestBuildRequest_FreshSalt(t *testing.T) {
	secret := []byte("s")
	ident := []byte("node-A")

	p1, _ := protocol.BuildRequest(secret, ident)
	p2, _ := protocol.BuildRequest(secret, ident)
	if bytes.Equal(p1, p2) {
		t.Error("successive requests are byte-identical (salt not fresh)")
	}

	r1, _ := protocol.BuildResponse(secret, ident, 22, 22000)
	r2, _ := protocol.BuildResponse(secret, ident, 22, 22000)
	if bytes.Equal(r1, r2) {
		t.Error("successive responses are byte-identical (salt not fresh)")
	}
}

func TestParseRequest_BitFlip(t *testing.T) {
	secret := []byte("shared-secret")
	pkt, err := protocol.BuildRequest(secret, []byte("node-A"))
	if err != nil {
		t.Fatal(err)
	}

	for i := range pkt {
		for bit := 0; bit < 8; bit++ {
			mut := make([]byte, len(pkt))
			copy(mut, pkt)
			mut[i] ^= 1 << bit
			if _, err := protocol.ParseRequest(secret, mut); err != protocol.ErrNotAuthenticated {
				t.Fatalf("flip byte %d bit %d: err = %v, want ErrNotAuthenticated", i, bit, err)
			}
		}
	}
}

func TestParseResponse_BitFlip(t *testing.T) {
	secret := []byte("shared-secret")
	ident := []byte("node-A")
	pkt, err := protocol.BuildResponse(secret, ident, 22, 22001)
	if err != nil {
		t.Fatal(err)
	}

	for i := range pkt {
		mut := make([]byte, len(pkt))
		copy(mut, pkt)
		mut[i] ^= 0x01
		if _, err := protocol.ParseResponse(secret, ident, mut); err != protocol.ErrNotAuthenticated {
			t.Fatalf("flip byte %d: err = %v, want ErrNotAuthenticated", i, err)
		}
	}
}

func TestParseRequest_WrongSecret(t *testing.T) {
	pkt, _ := protocol.BuildRequest([]byte("A"), []byte("node-A"))
	if _, err := protocol.ParseRequest([]byte("B"), pkt); err != protocol.ErrNotAuthenticated {
		t.Errorf("wrong secret: err = %v, want ErrNotAuthenticated", err)
	}
}

func TestParseResponse_WrongIdent(t *testing.T) {
	// A response minted for node-A must not verify under node-B's identity.
	secret := []byte("shared-secret")
	pkt, _ := protocol.BuildResponse(secret, []byte("node-A"), 22, 22000)
	if _, err := protocol.ParseResponse(secret, []byte("node-B"), pkt); err != protocol.ErrNotAuthenticated {
		t.Errorf("wrong ident: err = %v, want ErrNotAuthenticated", err)
	}
}

func TestParseRequest_Structural(t *testing.T) {
	secret := []byte("s")
	pkt, _ := protocol.BuildRequest(secret, []byte("node-A"))

	cases := map[string][]byte{
		"empty":          {},
		"short":          pkt[:protocol.MinRequestSize-1],
		"truncated mac":  pkt[:len(pkt)-1],
		"trailing bytes": append(append([]byte{}, pkt...), 0x00),
		"zero ident_len": append([]byte{0}, pkt[1:]...),
	}
	for name, raw := range cases {
		if _, err := protocol.ParseRequest(secret, raw); err != protocol.ErrNotAuthenticated {
			t.Errorf("%s: err = %v, want ErrNotAuthenticated", name, err)
		}
	}
}

func TestParseResponse_Structural(t *testing.T) {
	secret := []byte("s")
	ident := []byte("node-A")
	pkt, _ := protocol.BuildResponse(secret, ident, 22, 22000)

	bad := make([]byte, len(pkt))
	copy(bad, pkt)
	bad[0] = 5 // payload_len must be exactly 4

	cases := map[string][]byte{
		"empty":            {},
		"truncated":        pkt[:len(pkt)-1],
		"trailing bytes":   append(append([]byte{}, pkt...), 0x00),
		"bad payload_len":  bad,
		"request as reply": mustBuildRequest(t, secret, ident),
	}
	for name, raw := range cases {
		if _, err := protocol.ParseResponse(secret, ident, raw); err != protocol.ErrNotAuthenticated {
			t.Errorf("%s: err = %v, want ErrNotAuthenticated", name, err)
		}
	}
}

func mustBuildRequest(t *testing.T, secret, ident []byte) []byte {
	t.Helper()
	pkt, err := protocol.BuildRequest(secret, ident)
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func TestSizeConstants(t *testing.T) {
	if protocol.MinRequestSize != 1+1+protocol.SaltSize+protocol.MACSize {
		t.Error("MinRequestSize constant mismatch")
	}
	if protocol.ResponseSize != 1+protocol.ResponsePayloadSize+protocol.SaltSize+protocol.MACSize {
		t.Error("ResponseSize constant mismatch")
	}
	// Both shapes must fit a single unfragmented datagram comfortably.
	if protocol.ResponseSize > 96 {
		t.Errorf("ResponseSize = %d, want <= 96", protocol.ResponseSize)
	}
}
