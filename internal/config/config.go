// Package config handles reading and writing revmux configuration files in
// YAML format, plus the small parsers shared by the CLI.
//
// Server config is stored at /etc/revmux/config.yaml (default).
// Client profiles are stored at ~/.revmux/config.yaml.
// Command-line flags always override file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMuxPort is the UDP rendezvous port both peers assume.
const DefaultMuxPort = 8739

// ServerConfig is the top-level structure for /etc/revmux/config.yaml.
type ServerConfig struct {
	Server struct {
		// Bind is the address the server listens on.
		Bind string `yaml:"bind"`

		// MuxPort is the UDP port for rendezvous requests.
		MuxPort uint16 `yaml:"mux_port"`

		// SSHPort is the sshd port advertised to clients.
		SSHPort uint16 `yaml:"ssh_port"`

		// TunnelPortRange is the inclusive "A:B" range tunnel ports are
		// allocated from.
		TunnelPortRange string `yaml:"tunnel_port_range"`

		// AuthSecret is the pre-shared MAC key.
		AuthSecret string `yaml:"auth_secret"`

		// IdentDB is the path of the identity→port database file.
		IdentDB string `yaml:"ident_db"`

		// Attempts is how many times each response is repeated.
		Attempts int `yaml:"attempts"`

		// Timeout is the budget the response repeats are spread over.
		Timeout Duration `yaml:"timeout"`
	} `yaml:"server"`
}

// DefaultServerConfig returns a ServerConfig with the documented defaults.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.Server.Bind = "::"
	cfg.Server.MuxPort = DefaultMuxPort
	cfg.Server.SSHPort = 22
	cfg.Server.TunnelPortRange = "22000:22100"
	cfg.Server.IdentDB = "ssh-reverse-mux-ident.db"
	cfg.Server.Attempts = 4
	cfg.Server.Timeout = Duration{5 * time.Second}
	return cfg
}

// Profile is a single named client profile in the client config.
type Profile struct {
	// Host is the server in "[user@]hostname[:port]" form.
	Host string `yaml:"host"`

	// MuxPort is the server's rendezvous UDP port.
	MuxPort uint16 `yaml:"mux_port,omitempty"`

	// SSHPort, when non-zero, overrides the server-supplied sshd port.
	SSHPort uint16 `yaml:"ssh_port,omitempty"`

	// AuthSecret is the pre-shared MAC key.
	AuthSecret string `yaml:"auth_secret"`

	// IdentString, when set, is used verbatim as this node's identity.
	IdentString string `yaml:"ident_string,omitempty"`

	// IdentCmd, when set, derives the identity from a shell command's
	// trimmed stdout.
	IdentCmd string `yaml:"ident_cmd,omitempty"`

	// Attempts is the number of request sends per exchange.
	Attempts int `yaml:"attempts,omitempty"`

	// Timeout is the total budget of the exchange.
	Timeout Duration `yaml:"timeout,omitempty"`

	// Hook is an optional command run after negotiation, before ssh, with
	// the granted ssh and tunnel ports appended to its arguments.
	Hook []string `yaml:"hook,omitempty"`
}

// ClientConfig is the top-level structure for ~/.revmux/config.yaml.
type ClientConfig struct {
	// Profiles maps profile names to their configuration.
	// The profile named "default" is used when no profile is specified.
	Profiles map[string]*Profile `yaml:"profiles"`
}

// DefaultClientConfigPath returns the path client profiles are read from
// unless --client-config overrides it.
func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".revmux", "config.yaml")
}

// LoadServerConfig reads the server config at path on top of the documented
// defaults, so a file may set only the fields it cares about.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveServerConfig writes cfg to path.
func SaveServerConfig(path string, cfg *ServerConfig) error {
	return writeYAML(path, cfg)
}

// LoadClientConfig reads the client profiles at path.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}
	return cfg, nil
}

// SaveClientConfig writes cfg to path.
func SaveClientConfig(path string, cfg *ClientConfig) error {
	return writeYAML(path, cfg)
}

// GetProfile returns the profile to use for name; an empty name selects
// "default". The error for an unknown name lists what the file defines.
func GetProfile(cfg *ClientConfig, name string) (*Profile, error) {
	if name == "" {
		name = "default"
	}
	if p := cfg.Profiles[name]; p != nil {
		return p, nil
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("profile %q: no profiles defined", name)
	}
	names := make([]string, 0, len(cfg.Profiles))
	for k := range cfg.Profiles {
		names = append(names, k)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown profile %q, config defines: %s",
		name, strings.Join(names, ", "))
}

// readYAML strictly decodes the YAML file at path into v. Misspelt keys are
// an error rather than silently ignored configuration. An empty file leaves
// v unchanged.
func readYAML(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// writeYAML encodes v and writes it to path with owner-only permissions,
// since both config kinds carry the shared secret. Parent directories are
// created as needed.
func writeYAML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config dir for %s: %w", path, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		enc.Close()
		return fmt.Errorf("encoding config %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config %s: %w", path, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ParsePortRange parses an inclusive "A:B" tunnel port range. Both bounds
// must be valid ports in 1..65535 with A ≤ B.
func ParsePortRange(s string) (lo, hi uint16, err error) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("port range %q: want A:B", s)
	}
	loV, err := parsePort(a)
	if err != nil {
		return 0, 0, fmt.Errorf("port range %q: %w", s, err)
	}
	hiV, err := parsePort(b)
	if err != nil {
		return 0, 0, fmt.Errorf("port range %q: %w", s, err)
	}
	if loV > hiV {
		return 0, 0, fmt.Errorf("port range %q: lower bound exceeds upper", s)
	}
	return loV, hiV, nil
}

// HostSpec is a parsed "[user@]hostname[:port]" argument.
type HostSpec struct {
	// Login is the ssh destination: "user@hostname" when a user was given,
	// bare hostname otherwise.
	Login string

	// Host is the hostname or address without user or port.
	Host string

	// MuxPort is the embedded ":port", or 0 when none was given.
	MuxPort uint16
}

// ParseHostSpec splits a "[user@]hostname[:port]" argument. An embedded
// port overrides the --mux-port flag; a user prefix becomes part of the ssh
// login.
func ParseHostSpec(s string) (*HostSpec, error) {
	if s == "" {
		return nil, fmt.Errorf("empty host")
	}
	spec := &HostSpec{}

	rest := s
	if user, host, ok := strings.Cut(rest, "@"); ok {
		if user == "" {
			return nil, fmt.Errorf("host %q: empty user", s)
		}
		spec.Login = user + "@"
		rest = host
	}

	if host, portStr, ok := strings.Cut(rest, ":"); ok {
		port, err := parsePort(portStr)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", s, err)
		}
		spec.MuxPort = port
		rest = host
	}
	if rest == "" {
		return nil, fmt.Errorf("host %q: empty hostname", s)
	}

	spec.Host = rest
	spec.Login += rest
	return spec, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	if v == 0 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(v), nil
}

// Duration marshals time.Duration values as the strings operators write by
// hand ("10s", "1m30s"). Bare numbers are read as seconds, so `timeout: 5`
// and `timeout: 5s` mean the same thing.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("duration %q: %w", node.Value, err)
	}
	d.Duration = parsed
	return nil
}
