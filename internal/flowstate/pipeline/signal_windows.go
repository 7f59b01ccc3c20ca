//go:build windows

package pipeline

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows: process groups in the POSIX sense
// don't exist, so escalation falls back to killing the process directly.
func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup has no graceful-term equivalent on Windows for an
// arbitrary child, so both escalation levels kill the process outright.
func signalGroup(pid int, escalation escalationLevel) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
