//go:build !windows

package pipeline

import (
	"os/exec"
	"syscall"
)

// setProcessGroup arranges for cmd's child to become the leader of a new
// process group, so the whole subtree it spawns can be signalled together
// (spec §4.3: "a dedicated process group"). Mirrors the teacher's own
// OS-specific process-control split (cmd/probe/signal_unix.go).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to every process in pid's group.
func signalGroup(pid int, escalation escalationLevel) error {
	sig := syscall.SIGTERM
	if escalation == escalationKill {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}
