package usage

import (
	"context"
	"strings"
	"testing"

	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

func TestParseScreenFullReport(t *testing.T) {
	lines := []string{
		"  Usage",
		"",
		"  Current session",
		"  ███████░░░░░░░░░░░░░  38% used",
		"  Resets Oct 2, 3am (Europe/Berlin)",
		"",
		"  Current week (all models)",
		"  ██░░░░░░░░░░░░░░░░░░  12% used",
		"  Resets Oct 8, 11am (Europe/Berlin)",
		"",
	}

	snap, ok := ParseScreen(lines)
	if !ok {
		t.Fatal("ParseScreen = not ok, want a parsed snapshot")
	}
	if snap.SessionPercent != 38 {
		t.Errorf("SessionPercent = %d, want 38", snap.SessionPercent)
	}
	if snap.WeekPercent != 12 {
		t.Errorf("WeekPercent = %d, want 12", snap.WeekPercent)
	}
	if snap.ResetsAt != "Oct 2, 3am (Europe/Berlin)" {
		t.Errorf("ResetsAt = %q, want the first reset line", snap.ResetsAt)
	}
	if !strings.Contains(snap.Raw, "Current session") {
		t.Errorf("Raw = %q, want the visible screen text", snap.Raw)
	}
	if strings.Contains(snap.Raw, "\n\n") {
		t.Error("Raw contains blank lines, want visible lines only")
	}
}

func TestParseScreenPartialScreenNotOK(t *testing.T) {
	// Only the session section has rendered so far.
	lines := []string{
		"  Current session",
		"  ███████░░░░░░░░░░░░░  38% used",
	}
	if _, ok := ParseScreen(lines); ok {
		t.Fatal("ParseScreen accepted a half-drawn screen")
	}
}

func TestParseScreenEmpty(t *testing.T) {
	if _, ok := ParseScreen(nil); ok {
		t.Fatal("ParseScreen accepted an empty screen")
	}
	if _, ok := ParseScreen([]string{"", "", ""}); ok {
		t.Fatal("ParseScreen accepted a blank screen")
	}
}

func TestParseScreenFirstPercentPerSectionWins(t *testing.T) {
	lines := []string{
		"  Current session",
		"  Sonnet   10% used",
		"  Opus     90% used",
		"  Current week (all models)",
		"  42% used",
	}

	snap, ok := ParseScreen(lines)
	if !ok {
		t.Fatal("ParseScreen = not ok")
	}
	if snap.SessionPercent != 10 {
		t.Errorf("SessionPercent = %d, want the first figure in the section", snap.SessionPercent)
	}
	if snap.WeekPercent != 42 {
		t.Errorf("WeekPercent = %d, want 42", snap.WeekPercent)
	}
}

func TestParseScreenPercentOutsideSection(t *testing.T) {
	// A percentage before any section header belongs to no section.
	lines := []string{
		"  77% used",
		"  Current session",
		"  20% used",
		"  Current week",
		"  30% used",
	}

	snap, ok := ParseScreen(lines)
	if !ok {
		t.Fatal("ParseScreen = not ok")
	}
	if snap.SessionPercent != 20 || snap.WeekPercent != 30 {
		t.Errorf("percentages = %d/%d, want 20/30", snap.SessionPercent, snap.WeekPercent)
	}
}

func TestSnapshotWithoutCommand(t *testing.T) {
	p := NewProbe(config.UsageConfig{}, newTestLogger(t))
	if _, err := p.Snapshot(context.Background()); err == nil {
		t.Fatal("Snapshot with no command configured returned nil error")
	}
}
