// Package usage reads account-level usage limits out of the backend CLI's
// own TUI. The CLI exposes limits only as an interactive screen, so the probe
// runs it in a PTY, renders the output through a terminal emulator, and
// scrapes the percentages off the screen.
package usage

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
)

const (
	screenCols = 120
	screenRows = 40

	pollInterval = 200 * time.Millisecond
)

var (
	sessionHeaderPattern = regexp.MustCompile(`(?i)current\s+session`)
	weekHeaderPattern    = regexp.MustCompile(`(?i)current\s+week`)
	percentPattern       = regexp.MustCompile(`(\d+)%\s*used`)
	resetsPattern        = regexp.MustCompile(`(?i)resets\s+(.+?)\s*$`)
)

// Probe runs the usage command and scrapes its screen.
type Probe struct {
	cfg config.UsageConfig
	log *logger.Logger
}

// NewProbe builds a probe from configuration.
func NewProbe(cfg config.UsageConfig, log *logger.Logger) *Probe {
	return &Probe{cfg: cfg, log: log.WithFields(zap.String("component", "usage-probe"))}
}

// Snapshot runs one probe: spawn the CLI in a PTY, feed its output into a
// virtual terminal, and poll the rendered screen until the usage figures
// appear or the timeout expires.
func (p *Probe) Snapshot(ctx context.Context) (*protocol.UsageSnapshotResponse, error) {
	if len(p.cfg.Command) == 0 {
		return nil, fmt.Errorf("usage probe command not configured")
	}

	timeout := p.cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cfg.Command[0], p.cfg.Command[1:]...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: screenCols, Rows: screenRows})
	if err != nil {
		return nil, fmt.Errorf("failed to start usage command: %w", err)
	}
	defer func() {
		// Ctrl+C lets the TUI restore the terminal before the PTY closes.
		ptmx.Write([]byte{0x03})
		ptmx.Close()
		cmd.Wait()
	}()

	term := vt10x.New(vt10x.WithSize(screenCols, screenRows))
	var termMu sync.Mutex

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				termMu.Lock()
				term.Write(buf[:n])
				termMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("usage probe timed out: %w", ctx.Err())

		case <-copyDone:
			// Process exited; parse whatever made it to the screen.
			termMu.Lock()
			lines := renderScreen(term)
			termMu.Unlock()
			snap, ok := ParseScreen(lines)
			if !ok {
				return nil, fmt.Errorf("usage command exited before reporting usage")
			}
			return snap, nil

		case <-ticker.C:
			termMu.Lock()
			lines := renderScreen(term)
			termMu.Unlock()
			if snap, ok := ParseScreen(lines); ok {
				p.log.Debug("usage snapshot",
					zap.Int("session_percent", snap.SessionPercent),
					zap.Int("week_percent", snap.WeekPercent))
				return snap, nil
			}
		}
	}
}

// renderScreen flattens the emulator's cell grid into visible lines.
func renderScreen(term vt10x.Terminal) []string {
	cols, rows := term.Size()
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		chars := make([]rune, cols)
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars[col] = ' '
			} else {
				chars[col] = g.Char
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return lines
}

// ParseScreen scrapes the usage figures off the rendered screen. It reports
// ok only when both the session and week percentages are visible, which is
// how it tells a fully drawn screen from a partial one.
func ParseScreen(lines []string) (*protocol.UsageSnapshotResponse, bool) {
	snap := &protocol.UsageSnapshotResponse{SessionPercent: -1, WeekPercent: -1}
	section := ""
	var visible []string

	for _, line := range lines {
		if line != "" {
			visible = append(visible, line)
		}

		switch {
		case sessionHeaderPattern.MatchString(line):
			section = "session"
		case weekHeaderPattern.MatchString(line):
			section = "week"
		}

		if m := percentPattern.FindStringSubmatch(line); m != nil {
			pct, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			switch section {
			case "session":
				if snap.SessionPercent < 0 {
					snap.SessionPercent = pct
				}
			case "week":
				if snap.WeekPercent < 0 {
					snap.WeekPercent = pct
				}
			}
		}

		if m := resetsPattern.FindStringSubmatch(line); m != nil && snap.ResetsAt == "" {
			snap.ResetsAt = m[1]
		}
	}

	if snap.SessionPercent < 0 || snap.WeekPercent < 0 {
		return nil, false
	}
	snap.Raw = strings.Join(visible, "\n")
	return snap, true
}
