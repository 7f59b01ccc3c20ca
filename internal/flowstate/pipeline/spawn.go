package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// spawnResult carries everything Finalize/Report need about one agent
// invocation.
type spawnResult struct {
	exitCode       int
	timedOut       bool
	cancelled      bool
	combinedOutput []byte
	stderrTail     string
	spawnErr       error
}

// spawnAndStream implements spec §4.3's Spawn and Stream stages together:
// it writes the assembled prompt to a file, launches the backend's CLI in
// its own process group with captured, ring-buffered output, posts
// periodic progress heartbeats from the tail of stderr, enforces the
// run's timeout, watches the cancellation flag, and escalates
// SIGTERM→SIGKILL on timeout/cancellation per spec §4.3/§5.
func (p *Pipeline) spawnAndStream(
	ctx context.Context,
	workspaceDir string,
	promptText string,
	in *RunInput,
	timeout time.Duration,
	cancelled *atomic.Bool,
) (*spawnResult, error) {
	promptPath := workspaceDir + "/.flowstate-prompt.md"
	if err := os.WriteFile(promptPath, []byte(promptText), 0o644); err != nil {
		return nil, fmt.Errorf("spawn: write prompt: %w", err)
	}

	argv, feedStdin := p.backend.Command(promptPath)
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawn: backend %s returned empty argv", p.backend.Name())
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	// Plain exec.Command: CommandContext would SIGKILL the leader the moment
	// runCtx ends, before escalate's SIGTERM and grace period.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workspaceDir
	cmd.Env = p.backend.FilterEnv(os.Environ())
	setProcessGroup(cmd)

	stdout := NewRingBuffer(p.cfg.MaxOutputBytes)
	stderr := NewRingBuffer(p.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if feedStdin {
		f, err := os.Open(promptPath)
		if err != nil {
			return nil, fmt.Errorf("spawn: open prompt for stdin: %w", err)
		}
		defer f.Close()
		cmd.Stdin = f
	} else {
		cmd.Stdin = nil
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	heartbeat := time.NewTicker(p.cfg.ProgressInterval)
	defer heartbeat.Stop()
	cancelPoll := time.NewTicker(500 * time.Millisecond)
	defer cancelPoll.Stop()

	var result *spawnResult
streamLoop:
	for {
		select {
		case err := <-waitErr:
			result = &spawnResult{exitCode: exitCodeOf(err), spawnErr: nonExitError(err)}
			break streamLoop

		case <-heartbeat.C:
			if p.reporter != nil {
				_ = p.reporter.Progress(ctx, in.RunID, stderr.Tail(progressTailBytes))
			}

		case <-cancelPoll.C:
			if cancelled != nil && cancelled.Load() && !in.isBuild() {
				p.logger.Info("cancelling run", zap.String("run_id", in.RunID))
				result = p.escalate(cmd, waitErr, true, false)
				break streamLoop
			}

		case <-runCtx.Done():
			timedOut := ctx.Err() == nil // parent ctx still alive -> our own deadline fired
			p.logger.Warn("run deadline reached", zap.String("run_id", in.RunID), zap.Bool("timed_out", timedOut))
			result = p.escalate(cmd, waitErr, false, timedOut)
			break streamLoop
		}
	}

	result.combinedOutput = combineOutput(stdout, stderr)
	result.stderrTail = stderr.Tail(progressTailBytes)
	return result, nil
}

const progressTailBytes = 2048

// escalate sends SIGTERM to the process group, waits kill_grace_period,
// and sends SIGKILL if the process is still alive, per spec §4.3 Signal
// escalation. Drains a bounded amount of remaining output by virtue of the
// ring buffers already in place (no unbounded read needed).
func (p *Pipeline) escalate(cmd *exec.Cmd, waitErr chan error, cancelled, timedOut bool) *spawnResult {
	pid := cmd.Process.Pid
	_ = signalGroup(pid, escalationTerm)

	select {
	case err := <-waitErr:
		return &spawnResult{exitCode: exitCodeOf(err), cancelled: cancelled, timedOut: timedOut}
	case <-time.After(p.cfg.KillGracePeriod):
	}

	_ = signalGroup(pid, escalationKill)
	err := <-waitErr
	return &spawnResult{exitCode: exitCodeOf(err), cancelled: cancelled, timedOut: timedOut}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// nonExitError returns err unless it is merely a non-zero exit status,
// which is recorded via exit code rather than treated as a spawn failure.
func nonExitError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}

func combineOutput(stdout, stderr *RingBuffer) []byte {
	var buf bytes.Buffer
	buf.WriteString("--- stdout ---\n")
	buf.Write(stdout.Bytes())
	buf.WriteString("\n--- stderr ---\n")
	buf.Write(stderr.Bytes())
	return buf.Bytes()
}

var _ io.Writer = (*RingBuffer)(nil)

func (in *RunInput) isBuild() bool { return in.Action == "build" }
