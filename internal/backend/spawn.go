package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
)

// killGrace is how long a closed backend gets to exit on its own before it
// is killed. Backends exit when stdin closes, so the kill is a backstop.
const killGrace = 5 * time.Second

// Spawner starts backend subprocesses and wires a binding's handle over
// their pipes. One spawn per session.
type Spawner struct {
	cfg     config.BackendConfig
	binding Binding
	log     *logger.Logger
}

// NewSpawner builds a spawner for a binding.
func NewSpawner(cfg config.BackendConfig, binding Binding, log *logger.Logger) *Spawner {
	return &Spawner{cfg: cfg, binding: binding, log: log.WithBackend(binding.Name())}
}

// Spawn starts one backend subprocess and connects the binding over it. A
// non-empty resumeID is passed to the CLI so it re-attaches to the existing
// conversation.
func (s *Spawner) Spawn(ctx context.Context, resumeID string) (Handle, error) {
	args := append([]string{}, s.cfg.Args...)
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend process: %w", err)
	}
	s.log.Info("backend process started",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resume", resumeID != ""))

	go s.drainStderr(stderr)

	inner, err := s.binding.Connect(ctx, stdin, stdout)
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to connect binding: %w", err)
	}

	return &procHandle{Handle: inner, cmd: cmd, stdin: stdin, log: s.log}, nil
}

// drainStderr logs backend stderr line by line.
func (s *Spawner) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("backend stderr", zap.String("line", scanner.Text()))
	}
}

// procHandle couples a binding handle to the subprocess lifetime.
type procHandle struct {
	Handle
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *logger.Logger
}

// Close shuts the binding down, closes stdin so the backend exits, and kills
// the process if it lingers.
func (h *procHandle) Close() error {
	err := h.Handle.Close()
	h.stdin.Close()

	done := make(chan struct{})
	go func() {
		h.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killGrace):
		h.log.Warn("backend process did not exit, killing", zap.Int("pid", h.cmd.Process.Pid))
		h.cmd.Process.Kill()
		<-done
	}
	return err
}
