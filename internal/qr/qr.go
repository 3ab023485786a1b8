// Package qr renders enrolment codes for fresh revmux nodes.
//
// A node that has never connected needs three things before its first
// exchange: the server to talk to, the rendezvous port, and the shared
// secret. Payload carries those, plus a suggested profile name, as a small
// JSON object; Print draws
// it as terminal block art for same-room enrolment, WritePNG saves an image
// for printed handouts.
package qr

import (
	"encoding/json"
	"fmt"
	"io"

	goqr "github.com/skip2/go-qrcode"
)

// Payload is the profile seed a scanning client writes into its config.
type Payload struct {
	// ProfileName is the suggested name for this profile on the client.
	ProfileName string `json:"profile"`

	// Host is the server in "[user@]hostname[:port]" form.
	Host string `json:"host"`

	// MuxPort is the server's rendezvous UDP port.
	MuxPort uint16 `json:"mux_port"`

	// AuthSecret is the pre-shared MAC key.
	AuthSecret string `json:"auth_secret,omitempty"`
}

// encode returns the JSON form of p, with the secret stripped out unless
// withSecret is set.
func (p *Payload) encode(withSecret bool) (string, error) {
	q := *p
	if !withSecret {
		q.AuthSecret = ""
	}
	data, err := json.Marshal(&q)
	if err != nil {
		return "", fmt.Errorf("encoding enrolment payload: %w", err)
	}
	return string(data), nil
}

// Print renders p as block art on w, preceded by a warning line when the
// code carries the secret. Screens are easy to rescan, so the default
// medium error-correction level is enough here.
func Print(w io.Writer, p *Payload, withSecret bool) error {
	data, err := p.encode(withSecret)
	if err != nil {
		return err
	}
	code, err := goqr.New(data, goqr.Medium)
	if err != nil {
		return fmt.Errorf("building enrolment code: %w", err)
	}
	if withSecret && p.AuthSecret != "" {
		fmt.Fprintln(w, "This code contains the shared secret. Anyone who scans it can connect.")
	}
	fmt.Fprintln(w, code.ToSmallString(false))
	return nil
}

// WritePNG saves p as a size×size pixel PNG at path. A non-positive size
// falls back to 256. Paper wears and scanners misread creases, so the image
// uses the highest error-correction level.
func WritePNG(path string, size int, p *Payload, withSecret bool) error {
	data, err := p.encode(withSecret)
	if err != nil {
		return err
	}
	if size <= 0 {
		size = 256
	}
	if err := goqr.WriteFile(data, goqr.High, size, path); err != nil {
		return fmt.Errorf("writing enrolment code %s: %w", path, err)
	}
	return nil
}
