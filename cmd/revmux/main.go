// Command revmux negotiates stable reverse-SSH tunnel ports over a single
// authenticated UDP exchange.
//
// Usage:
//
//	revmux serve                    # start the rendezvous server
//	revmux serve --ident-list       # dump the identity→port table and exit
//	revmux serve --qr               # also print an enrolment QR at startup
//	revmux connect pi@host          # negotiate, then exec ssh -R
//	revmux connect --profile home   # use the 'home' profile from the config
//	revmux idents                   # list stored bindings
//	revmux idents --remove KEY      # drop a binding
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/revmux/revmux/internal/client"
	"github.com/revmux/revmux/internal/config"
	"github.com/revmux/revmux/internal/identity"
	"github.com/revmux/revmux/internal/identstore"
	"github.com/revmux/revmux/internal/qr"
	"github.com/revmux/revmux/internal/server"
	"github.com/revmux/revmux/internal/sshexec"
)

const defaultServerConfigPath = "/etc/revmux/config.yaml"

var (
	serverConfigPath string
	clientConfigPath string
	logLevel         string
	debug            bool
)

func main() {
	root := &cobra.Command{
		Use:   "revmux",
		Short: "Rendezvous and port allocation for reverse SSH tunnels",
		Long: `revmux lets machines behind NAT obtain a stable, server-side tunnel port
with a single MAC-authenticated UDP exchange, then holds the tunnel open
with a plain ssh -R. The server remembers each identity's port across
restarts, so a node always comes back on the same port.`,
	}

	root.PersistentFlags().StringVar(&serverConfigPath, "config", defaultServerConfigPath, "server config file path")
	root.PersistentFlags().StringVar(&clientConfigPath, "client-config", config.DefaultClientConfigPath(), "client config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "shorthand for --log-level debug")

	root.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newIdentsCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a slog.Logger at the configured level.
func newLogger() *slog.Logger {
	var level slog.Level
	switch {
	case debug || logLevel == "debug":
		level = slog.LevelDebug
	case logLevel == "warn":
		level = slog.LevelWarn
	case logLevel == "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ────────────────────────────────────────────────────────────────────────────
// revmux serve [bind]
// ────────────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var (
		authSecret string
		identDB    string
		identList  bool
		muxPort    uint16
		sshPort    uint16
		portRange  string
		attempts   int
		timeout    time.Duration
		showQR     bool
		qrOut      string
	)

	cmd := &cobra.Command{
		Use:   "serve [bind]",
		Short: "Start the revmux rendezvous server",
		Long: `Listen for identity requests on UDP and answer each authenticated one
with the requester's sshd and tunnel ports. Values come from the config
file when present; flags override it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServerConfig()
			if _, err := os.Stat(serverConfigPath); err == nil {
				cfg, err = config.LoadServerConfig(serverConfigPath)
				if err != nil {
					return err
				}
			}

			f := cmd.Flags()
			if len(args) > 0 {
				cfg.Server.Bind = args[0]
			}
			if f.Changed("auth-secret") {
				cfg.Server.AuthSecret = authSecret
			}
			if f.Changed("ident-db") {
				cfg.Server.IdentDB = identDB
			}
			if f.Changed("mux-port") {
				cfg.Server.MuxPort = muxPort
			}
			if f.Changed("ssh-port") {
				cfg.Server.SSHPort = sshPort
			}
			if f.Changed("tunnel-port-range") {
				cfg.Server.TunnelPortRange = portRange
			}
			if f.Changed("attempts") {
				cfg.Server.Attempts = attempts
			}
			if f.Changed("timeout") {
				cfg.Server.Timeout = config.Duration{Duration: timeout}
			}

			if identList {
				return runIdentList(cfg.Server.IdentDB)
			}
			return runServe(cfg, showQR, qrOut)
		},
	}

	cmd.Flags().StringVarP(&authSecret, "auth-secret", "s", "", "pre-shared MAC key (required)")
	cmd.Flags().StringVarP(&identDB, "ident-db", "i", "ssh-reverse-mux-ident.db", "identity database file")
	cmd.Flags().BoolVarP(&identList, "ident-list", "l", false, "dump the identity→port table and exit")
	cmd.Flags().Uint16VarP(&muxPort, "mux-port", "m", config.DefaultMuxPort, "UDP rendezvous port")
	cmd.Flags().Uint16VarP(&sshPort, "ssh-port", "p", 22, "sshd port advertised to clients")
	cmd.Flags().StringVarP(&portRange, "tunnel-port-range", "r", "22000:22100", "inclusive A:B tunnel port range")
	cmd.Flags().IntVarP(&attempts, "attempts", "n", 4, "response repeats per exchange")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "budget the response repeats are spread over")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print an enrolment QR code at startup")
	cmd.Flags().StringVar(&qrOut, "qr-out", "", "also write the enrolment QR code as a PNG to this path")

	return cmd
}

func runServe(cfg *config.ServerConfig, showQR bool, qrOut string) error {
	log := newLogger()

	if cfg.Server.AuthSecret == "" {
		return fmt.Errorf("no auth secret: set --auth-secret or server.auth_secret in %s", serverConfigPath)
	}
	lo, hi, err := config.ParsePortRange(cfg.Server.TunnelPortRange)
	if err != nil {
		return err
	}

	store, err := identstore.Open(cfg.Server.IdentDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if showQR || qrOut != "" {
		host, _ := os.Hostname()
		payload := &qr.Payload{
			ProfileName: "default",
			Host:        host,
			MuxPort:     cfg.Server.MuxPort,
			AuthSecret:  cfg.Server.AuthSecret,
		}
		if showQR {
			if err := qr.Print(os.Stdout, payload, true); err != nil {
				return err
			}
		}
		if qrOut != "" {
			if err := qr.WritePNG(qrOut, 0, payload, true); err != nil {
				return err
			}
			log.Info("enrolment QR written", "path", qrOut)
		}
	}

	srv := server.New(&server.Options{
		Bind:      cfg.Server.Bind,
		MuxPort:   cfg.Server.MuxPort,
		SSHPort:   cfg.Server.SSHPort,
		TunPortLo: lo,
		TunPortHi: hi,
		Attempts:  cfg.Server.Attempts,
		Timeout:   cfg.Server.Timeout.Duration,
		Secret:    []byte(cfg.Server.AuthSecret),
		Store:     store,
		Log:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// revmux connect [user@]host[:port]
// ────────────────────────────────────────────────────────────────────────────

func newConnectCmd() *cobra.Command {
	var (
		authSecret  string
		identString string
		identRPi    bool
		identCmd    string
		muxPort     uint16
		sshPort     uint16
		attempts    int
		timeout     time.Duration
		hook        []string
		debugSSH    bool
		profileName string
	)

	cmd := &cobra.Command{
		Use:   "connect [user@]host[:port]",
		Short: "Negotiate a tunnel port, then exec ssh -R",
		Long: `Send authenticated identity requests to the server until a response
arrives, run the optional hook with the granted ports, then replace this
process with the reverse-tunnel ssh invocation.

The host argument may be omitted when --profile names a profile whose
config supplies it. Flags override profile values.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostArg := ""
			if len(args) > 0 {
				hostArg = args[0]
			}

			var profile *config.Profile
			if profileName != "" {
				cfg, err := config.LoadClientConfig(clientConfigPath)
				if err != nil {
					return err
				}
				profile, err = config.GetProfile(cfg, profileName)
				if err != nil {
					return err
				}
			}

			f := cmd.Flags()
			opts := connectOptions{
				hostArg:  hostArg,
				muxPort:  muxPort,
				sshPort:  sshPort,
				attempts: attempts,
				timeout:  timeout,
				hook:     hook,
				debugSSH: debugSSH,
				ident: identOptions{
					literal: identString,
					rpi:     identRPi,
					cmd:     identCmd,
					secret:  []byte(authSecret),
					machine: identity.MachineIDPath,
					cpuinfo: identity.CPUInfoPath,
				},
			}

			if profile != nil {
				if hostArg == "" {
					opts.hostArg = profile.Host
				}
				if !f.Changed("auth-secret") && profile.AuthSecret != "" {
					opts.ident.secret = []byte(profile.AuthSecret)
					authSecret = profile.AuthSecret
				}
				if !f.Changed("mux-port") && profile.MuxPort != 0 {
					opts.muxPort = profile.MuxPort
				}
				if !f.Changed("ssh-port") && profile.SSHPort != 0 {
					opts.sshPort = profile.SSHPort
				}
				if !f.Changed("attempts") && profile.Attempts != 0 {
					opts.attempts = profile.Attempts
				}
				if !f.Changed("timeout") && profile.Timeout.Duration != 0 {
					opts.timeout = profile.Timeout.Duration
				}
				if !f.Changed("ident-string") && profile.IdentString != "" {
					opts.ident.literal = profile.IdentString
				}
				if !f.Changed("ident-cmd") && profile.IdentCmd != "" {
					opts.ident.cmd = profile.IdentCmd
				}
				if len(hook) == 0 && len(profile.Hook) > 0 {
					opts.hook = profile.Hook
				}
			}

			if authSecret == "" && len(opts.ident.secret) == 0 {
				return fmt.Errorf("no auth secret: set --auth-secret or the profile's auth_secret")
			}
			if opts.hostArg == "" {
				return fmt.Errorf("no host: pass [user@]host[:port] or a --profile with one")
			}
			return runConnect(opts)
		},
	}

	cmd.Flags().StringVarP(&authSecret, "auth-secret", "s", "", "pre-shared MAC key (required)")
	cmd.Flags().StringVarP(&identString, "ident-string", "i", "", "literal identity string")
	cmd.Flags().BoolVar(&identRPi, "ident-rpi", false, "derive identity from the CPU serial in /proc/cpuinfo")
	cmd.Flags().StringVar(&identCmd, "ident-cmd", "", "derive identity from a shell command's trimmed stdout")
	cmd.Flags().Uint16VarP(&muxPort, "mux-port", "m", config.DefaultMuxPort, "server rendezvous UDP port")
	cmd.Flags().Uint16VarP(&sshPort, "ssh-port", "p", 0, "override the server-supplied sshd port")
	cmd.Flags().IntVarP(&attempts, "attempts", "n", 6, "request sends per exchange")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "total exchange budget")
	cmd.Flags().StringArrayVarP(&hook, "mux-hook", "c", nil, "command run after negotiation with ssh and tunnel ports appended")
	cmd.Flags().BoolVar(&debugSSH, "debug-ssh", false, "add -vvv to the ssh invocation")
	cmd.Flags().StringVar(&profileName, "profile", "", "client profile to load defaults from")

	return cmd
}

type connectOptions struct {
	hostArg  string
	muxPort  uint16
	sshPort  uint16
	attempts int
	timeout  time.Duration
	hook     []string
	debugSSH bool
	ident    identOptions
}

// identOptions selects the identity source, in the precedence order
// resolveIdent applies.
type identOptions struct {
	literal string
	rpi     bool
	cmd     string
	secret  []byte
	machine string
	cpuinfo string
}

// resolveIdent derives the identity bytes: a literal wins, then the CPU
// serial, then a shell command, then the machine id.
func resolveIdent(ctx context.Context, o identOptions) ([]byte, error) {
	switch {
	case o.literal != "":
		return identity.Literal(o.literal)
	case o.rpi:
		return identity.FromCPUSerial(o.secret, o.cpuinfo)
	case o.cmd != "":
		return identity.FromCommand(ctx, o.cmd)
	default:
		return identity.FromMachineID(o.secret, o.machine)
	}
}

func runConnect(o connectOptions) error {
	log := newLogger()

	spec, err := config.ParseHostSpec(o.hostArg)
	if err != nil {
		return err
	}
	muxPort := o.muxPort
	if spec.MuxPort != 0 {
		muxPort = spec.MuxPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ident, err := resolveIdent(ctx, o.ident)
	if err != nil {
		return err
	}

	resp, err := client.Negotiate(ctx, &client.Options{
		Secret:   o.ident.secret,
		Ident:    ident,
		Host:     spec.Host,
		Port:     muxPort,
		Attempts: o.attempts,
		Timeout:  o.timeout,
		Log:      log,
	})
	if err != nil {
		return fmt.Errorf("negotiating with %s:%d: %w", spec.Host, muxPort, err)
	}

	sshPort := resp.SSHPort
	if o.sshPort != 0 {
		sshPort = o.sshPort
	}
	log.Info("port negotiated",
		"host", spec.Host, "ssh_port", sshPort, "tun_port", resp.TunPort)

	sshexec.RunHook(o.hook, sshPort, resp.TunPort, log)

	// Stop intercepting signals: from here on ssh owns the terminal.
	stop()
	return sshexec.Exec(&sshexec.Params{
		Login:   spec.Login,
		SSHPort: sshPort,
		TunPort: resp.TunPort,
		Debug:   o.debugSSH,
	})
}

// ────────────────────────────────────────────────────────────────────────────
// revmux idents
// ────────────────────────────────────────────────────────────────────────────

func newIdentsCmd() *cobra.Command {
	var (
		identDB   string
		removeKey string
	)

	cmd := &cobra.Command{
		Use:   "idents",
		Short: "List or remove stored identity→port bindings",
		Long: `Inspect the server's identity database. Bindings never expire on their
own; freeing a port for reuse means removing its entry here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if removeKey != "" {
				store, err := identstore.Open(identDB)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Remove(removeKey); err != nil {
					return err
				}
				fmt.Printf("Binding %s removed.\n", removeKey)
				return nil
			}
			return runIdentList(identDB)
		},
	}

	cmd.Flags().StringVarP(&identDB, "ident-db", "i", "ssh-reverse-mux-ident.db", "identity database file")
	cmd.Flags().StringVar(&removeKey, "remove", "", "remove the binding with this key")

	return cmd
}

func runIdentList(path string) error {
	store, err := identstore.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.Items()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No bindings stored.")
		return nil
	}
	fmt.Printf("%-50s %s\n", "IDENTITY", "PORT")
	for _, it := range items {
		fmt.Printf("%-50s %d\n", it.Key, it.Port)
	}
	return nil
}
