// Package identity derives the stable identity string a client presents to
// the server.
//
// Sources, in the order the CLI consults them: a literal string given by the
// operator, the Serial line of /proc/cpuinfo (Raspberry Pi and similar
// boards), the trimmed stdout of an arbitrary shell command, and finally the
// contents of /etc/machine-id. File-derived identities are hashed with a
// keyed BLAKE2b so the raw machine identifier never travels on the wire, and
// a deployment's shared secret keys the hash so distinct deployments see
// unrelated identities for the same machine.
package identity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the digest size of derived identities, well under the
// protocol's 255-byte identity cap.
const HashSize = 32

// MachineIDPath is the default identity source.
const MachineIDPath = "/etc/machine-id"

// CPUInfoPath is the source for --ident-rpi.
const CPUInfoPath = "/proc/cpuinfo"

var serialRe = regexp.MustCompile(`(?m)^Serial\s*:\s*(\S+)`)

// Literal returns the operator-supplied identity verbatim.
func Literal(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("identity string is empty")
	}
	return []byte(s), nil
}

// FromMachineID hashes the contents of path (normally /etc/machine-id) with
// a BLAKE2b keyed by secret.
func FromMachineID(secret []byte, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading machine id %s: %w", path, err)
	}
	return hashIdent(secret, bytes.TrimSpace(data))
}

// FromCPUSerial extracts the Serial line from path (normally /proc/cpuinfo)
// and hashes it with a BLAKE2b keyed by secret.
func FromCPUSerial(secret []byte, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cpuinfo %s: %w", path, err)
	}
	m := serialRe.FindSubmatch(data)
	if m == nil {
		return nil, fmt.Errorf("no Serial line in %s", path)
	}
	return hashIdent(secret, m[1])
}

// FromCommand runs shellCmd via `sh -c` and returns its trimmed stdout as
// the identity. A non-zero exit or empty output is fatal to the caller.
func FromCommand(ctx context.Context, shellCmd string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", shellCmd)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ident command %q: %w", shellCmd, err)
	}
	ident := bytes.TrimSpace(out)
	if len(ident) == 0 {
		return nil, fmt.Errorf("ident command %q produced no output", shellCmd)
	}
	if len(ident) > 255 {
		return nil, fmt.Errorf("ident command %q output exceeds 255 bytes", shellCmd)
	}
	return ident, nil
}

// hashIdent computes the keyed BLAKE2b-256 of msg. blake2b caps keys at 64
// bytes, so oversized secrets are themselves hashed down first.
func hashIdent(secret, msg []byte) ([]byte, error) {
	if len(secret) > 64 {
		sum := blake2b.Sum256(secret)
		secret = sum[:]
	}
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("keyed identity hash: %w", err)
	}
	h.Write(msg)
	return h.Sum(nil), nil
}
