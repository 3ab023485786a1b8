// Package sshexec builds and launches the reverse-tunnel ssh invocation that
// follows a successful negotiation.
//
// The ssh options pin the session to the tunnel's needs: no multiplexing via
// a control master, aggressive keepalives so a dead tunnel is torn down and
// restarted by the supervisor, batch mode so a missing key fails fast instead
// of prompting, and ExitOnForwardFailure so a stolen remote port is fatal.
package sshexec

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Params describes one ssh invocation.
type Params struct {
	// Login is the ssh destination: "user@host" or bare host.
	Login string

	// SSHPort is the sshd port on the server.
	SSHPort uint16

	// TunPort is the remote port forwarded back to local sshd.
	TunPort uint16

	// Debug adds -vvv to the ssh command line.
	Debug bool
}

// Argv returns the full ssh argument vector, argv[0] included.
func Argv(p *Params) []string {
	args := []string{
		"ssh",
		"-oControlPath=none",
		"-oControlMaster=no",
		"-oConnectTimeout=180",
		"-oServerAliveInterval=6",
		"-oServerAliveCountMax=10",
		"-oBatchMode=yes",
		"-oPasswordAuthentication=no",
		"-oNumberOfPasswordPrompts=0",
		"-oExitOnForwardFailure=yes",
		"-NnT",
	}
	if p.Debug {
		args = append(args, "-vvv")
	}
	args = append(args,
		"-p"+strconv.Itoa(int(p.SSHPort)),
		"-R", fmt.Sprintf("%d:localhost:22", p.TunPort),
		p.Login,
	)
	return args
}

// RunHook runs cmd with the granted ssh and tunnel ports appended to its
// arguments, inheriting the process's stdio. The hook's exit status is
// logged, never fatal: the tunnel proceeds regardless.
func RunHook(cmd []string, sshPort, tunPort uint16, log *slog.Logger) {
	if len(cmd) == 0 {
		return
	}
	args := append(append([]string{}, cmd[1:]...),
		strconv.Itoa(int(sshPort)), strconv.Itoa(int(tunPort)))

	c := exec.Command(cmd[0], args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	if err := c.Run(); err != nil {
		log.Warn("hook command failed", "cmd", cmd[0], "err", err)
	}
}

// Exec replaces the current process with the ssh invocation for p. It only
// returns on error.
func Exec(p *Params) error {
	path, err := exec.LookPath("ssh")
	if err != nil {
		return fmt.Errorf("locating ssh binary: %w", err)
	}
	argv := Argv(p)
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("executing ssh: %w", err)
	}
	return nil
}
