package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/revmux/revmux/internal/config"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := config.DefaultServerConfig()
	if cfg.Server.MuxPort != 8739 {
		t.Errorf("MuxPort = %d, want 8739", cfg.Server.MuxPort)
	}
	if cfg.Server.SSHPort != 22 {
		t.Errorf("SSHPort = %d, want 22", cfg.Server.SSHPort)
	}
	if cfg.Server.TunnelPortRange != "22000:22100" {
		t.Errorf("TunnelPortRange = %q, want 22000:22100", cfg.Server.TunnelPortRange)
	}
	if cfg.Server.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", cfg.Server.Attempts)
	}
	if cfg.Server.Timeout.Duration != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Server.Timeout.Duration)
	}
}

func TestSaveLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := config.DefaultServerConfig()
	cfg.Server.AuthSecret = "hunter2"
	cfg.Server.TunnelPortRange = "30000:30050"
	cfg.Server.IdentDB = "/var/lib/revmux/ident.db"

	if err := config.SaveServerConfig(path, cfg); err != nil {
		t.Fatalf("SaveServerConfig error = %v", err)
	}

	loaded, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}

	if loaded.Server.AuthSecret != "hunter2" {
		t.Errorf("AuthSecret = %q, want hunter2", loaded.Server.AuthSecret)
	}
	if loaded.Server.TunnelPortRange != "30000:30050" {
		t.Errorf("TunnelPortRange = %q, want 30000:30050", loaded.Server.TunnelPortRange)
	}
	if loaded.Server.IdentDB != "/var/lib/revmux/ident.db" {
		t.Errorf("IdentDB = %q, want /var/lib/revmux/ident.db", loaded.Server.IdentDB)
	}
}

func TestLoadServerConfig_PartialKeepsDefaults(t *testing.T) {
	// A file setting only the secret must not clobber the other defaults.
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("server:\n  auth_secret: s3cret\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if cfg.Server.AuthSecret != "s3cret" {
		t.Errorf("AuthSecret = %q, want s3cret", cfg.Server.AuthSecret)
	}
	if cfg.Server.MuxPort != 8739 || cfg.Server.Attempts != 4 {
		t.Errorf("defaults lost: mux_port=%d attempts=%d", cfg.Server.MuxPort, cfg.Server.Attempts)
	}
}

func TestSaveLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := &config.ClientConfig{
		Profiles: map[string]*config.Profile{
			"default": {
				Host:       "pi@gateway.example.com",
				MuxPort:    8739,
				AuthSecret: "hunter2",
				IdentCmd:   "cat /etc/machine-id",
				Attempts:   6,
				Timeout:    config.Duration{10 * time.Second},
				Hook:       []string{"notify-send", "tunnel up"},
			},
		},
	}

	if err := config.SaveClientConfig(path, cfg); err != nil {
		t.Fatalf("SaveClientConfig error = %v", err)
	}

	// Check file permissions (contains the shared secret). Windows does not
	// support Unix permissions.
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("config file permissions = %o, want 0600", info.Mode().Perm())
		}
	}

	loaded, err := config.LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig error = %v", err)
	}

	p, err := config.GetProfile(loaded, "default")
	if err != nil {
		t.Fatalf("GetProfile error = %v", err)
	}
	if p.Host != "pi@gateway.example.com" {
		t.Errorf("Host = %q, want pi@gateway.example.com", p.Host)
	}
	if p.Timeout.Duration != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", p.Timeout.Duration)
	}
	if len(p.Hook) != 2 || p.Hook[0] != "notify-send" {
		t.Errorf("Hook = %v, want [notify-send, tunnel up]", p.Hook)
	}
}

func TestGetProfile_FallbackToDefault(t *testing.T) {
	cfg := &config.ClientConfig{
		Profiles: map[string]*config.Profile{
			"default": {Host: "default-host"},
			"home":    {Host: "home-host"},
		},
	}

	p, err := config.GetProfile(cfg, "")
	if err != nil {
		t.Fatalf("GetProfile(\"\") error = %v", err)
	}
	if p.Host != "default-host" {
		t.Errorf("Host = %q, want default-host", p.Host)
	}

	p, err = config.GetProfile(cfg, "home")
	if err != nil {
		t.Fatalf("GetProfile(home) error = %v", err)
	}
	if p.Host != "home-host" {
		t.Errorf("Host = %q, want home-host", p.Host)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	cfg := &config.ClientConfig{Profiles: map[string]*config.Profile{}}
	if _, err := config.GetProfile(cfg, "nonexistent"); err == nil {
		t.Error("GetProfile should return error for nonexistent profile")
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		in      string
		lo, hi  uint16
		wantErr bool
	}{
		{"22000:22100", 22000, 22100, false},
		{"1:65535", 1, 65535, false},
		{"22000:22000", 22000, 22000, false},
		{"22000", 0, 0, true},
		{"22100:22000", 0, 0, true},
		{"0:100", 0, 0, true},
		{"100:0", 0, 0, true},
		{"abc:def", 0, 0, true},
		{"22000:70000", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		lo, hi, err := config.ParsePortRange(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePortRange(%q) = (%d, %d), want error", tt.in, lo, hi)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePortRange(%q) error = %v", tt.in, err)
			continue
		}
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("ParsePortRange(%q) = (%d, %d), want (%d, %d)", tt.in, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestParseHostSpec(t *testing.T) {
	tests := []struct {
		in      string
		login   string
		host    string
		muxPort uint16
		wantErr bool
	}{
		{"gateway.example.com", "gateway.example.com", "gateway.example.com", 0, false},
		{"pi@gateway.example.com", "pi@gateway.example.com", "gateway.example.com", 0, false},
		{"gateway.example.com:9000", "gateway.example.com", "gateway.example.com", 9000, false},
		{"pi@gateway.example.com:9000", "pi@gateway.example.com", "gateway.example.com", 9000, false},
		{"10.0.0.7", "10.0.0.7", "10.0.0.7", 0, false},
		{"", "", "", 0, true},
		{"@host", "", "", 0, true},
		{"user@", "", "", 0, true},
		{"host:", "", "", 0, true},
		{"host:0", "", "", 0, true},
		{"host:notaport", "", "", 0, true},
	}

	for _, tt := range tests {
		spec, err := config.ParseHostSpec(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseHostSpec(%q) = %+v, want error", tt.in, spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHostSpec(%q) error = %v", tt.in, err)
			continue
		}
		if spec.Login != tt.login || spec.Host != tt.host || spec.MuxPort != tt.muxPort {
			t.Errorf("ParseHostSpec(%q) = {%q %q %d}, want {%q %q %d}",
				tt.in, spec.Login, spec.Host, spec.MuxPort, tt.login, tt.host, tt.muxPort)
		}
	}
}

func TestDurationYAML(t *testing.T) {
	type doc struct {
		T config.Duration `yaml:"t"`
	}

	out, err := yaml.Marshal(doc{T: config.Duration{90 * time.Second}})
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(out) != "t: 1m30s\n" {
		t.Errorf("marshalled = %q, want \"t: 1m30s\\n\"", out)
	}

	var in doc
	if err := yaml.Unmarshal([]byte("t: 250ms\n"), &in); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if in.T.Duration != 250*time.Millisecond {
		t.Errorf("unmarshalled = %v, want 250ms", in.T.Duration)
	}

	if err := yaml.Unmarshal([]byte("t: nonsense\n"), &in); err == nil {
		t.Error("unmarshalling junk duration should fail")
	}
}

func TestDurationYAML_BareSeconds(t *testing.T) {
	type doc struct {
		T config.Duration `yaml:"t"`
	}

	var in doc
	if err := yaml.Unmarshal([]byte("t: 2.5\n"), &in); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if want := 2500 * time.Millisecond; in.T.Duration != want {
		t.Errorf("unmarshalled = %v, want %v", in.T.Duration, want)
	}
}

func TestLoadServerConfig_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  auth_secrte: oops\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadServerConfig(path); err == nil {
		t.Error("misspelt key should be an error")
	}
}

func TestLoadServerConfig_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error = %v", err)
	}
	if cfg.Server.MuxPort != config.DefaultMuxPort {
		t.Errorf("MuxPort = %d, want default %d", cfg.Server.MuxPort, config.DefaultMuxPort)
	}
}
