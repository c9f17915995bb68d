package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

const testToolTable = `
plan_tool: TodoWrite
exit_plan_tool: ExitPlanMode
tools:
  - name: Read
    title: "Read {file_path}"
    kind: read
    locations: [file_path]
  - name: Write
    title: "Write {file_path}"
    kind: edit
    locations: [file_path]
    diff:
      path: file_path
      new: content
  - name: Bash
    title: "{command}"
    kind: execute
    content: command
  - name: ExitPlanMode
    title: "Exit plan mode"
    kind: switch_mode
    content: plan
`

func newTestToolTable(t *testing.T) *backend.ToolTable {
	t.Helper()
	table, err := backend.LoadToolTable([]byte(testToolTable))
	if err != nil {
		t.Fatalf("failed to load tool table: %v", err)
	}
	return table
}

// requesterFunc adapts a function to PermissionRequester.
type requesterFunc func(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error)

func (f requesterFunc) RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	return f(ctx, req)
}

func selectOption(optionID string) requesterFunc {
	return func(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
		return protocol.RequestPermissionResponse{
			Outcome: protocol.RequestPermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: optionID},
		}, nil
	}
}

// fakeNotifier records everything a session pushes out and answers permission
// requests with a canned function.
type fakeNotifier struct {
	mu      sync.Mutex
	updates []protocol.SessionUpdate
	usage   []protocol.UsageUpdate
	titles  []string
	perms   []protocol.RequestPermissionRequest

	answer requesterFunc
}

func (n *fakeNotifier) SessionUpdate(sessionID string, u protocol.SessionUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

func (n *fakeNotifier) UsageUpdate(u protocol.UsageUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.usage = append(n.usage, u)
}

func (n *fakeNotifier) TitleGenerated(sessionID, title string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *fakeNotifier) RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	n.mu.Lock()
	n.perms = append(n.perms, req)
	answer := n.answer
	n.mu.Unlock()
	if answer == nil {
		answer = selectOption(optionAllowOnce)
	}
	return answer(ctx, req)
}

func (n *fakeNotifier) recordedUpdates() []protocol.SessionUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]protocol.SessionUpdate, len(n.updates))
	copy(out, n.updates)
	return out
}
