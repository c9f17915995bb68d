package claude

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/agentwire/agentwire/pkg/protocol"
)

func TestBindingDeclarations(t *testing.T) {
	b, err := NewBinding(newTestLogger(t), []string{"custom auth hint"})
	if err != nil {
		t.Fatalf("NewBinding error = %v", err)
	}

	if b.Name() != "claude-code" {
		t.Errorf("Name = %q", b.Name())
	}
	if len(b.Modes()) != 4 {
		t.Errorf("Modes = %d, want 4", len(b.Modes()))
	}

	caps := b.Capabilities()
	if len(caps.SessionOps) == 0 || len(caps.PromptContent) == 0 {
		t.Errorf("capabilities = %+v, want session ops and prompt content", caps)
	}
	if len(caps.AuthOps) != 0 {
		t.Errorf("AuthOps = %v, want empty; auth runs through the CLI, not the adapter", caps.AuthOps)
	}
}

func TestBindingToolTable(t *testing.T) {
	b, err := NewBinding(newTestLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	tools := b.Tools()

	if tools.PlanTool != "TodoWrite" || tools.ExitPlanTool != "ExitPlanMode" {
		t.Errorf("designated tools = %q/%q, want TodoWrite/ExitPlanMode", tools.PlanTool, tools.ExitPlanTool)
	}
	if kind := tools.Kind("Edit"); kind != protocol.ToolKindEdit {
		t.Errorf("Kind(Edit) = %q, want edit", kind)
	}
	if kind := tools.Kind("Bash"); kind != protocol.ToolKindExecute {
		t.Errorf("Kind(Bash) = %q, want execute", kind)
	}

	resolved := tools.Resolve("Bash", map[string]any{"command": "go test ./..."})
	if resolved.Title != "go test ./..." {
		t.Errorf("Bash title = %q, want the command", resolved.Title)
	}
	resolved = tools.Resolve("Write", map[string]any{"file_path": "/tmp/a.go", "content": "package a"})
	if len(resolved.Content) != 1 || resolved.Content[0].Type != "diff" {
		t.Errorf("Write content = %+v, want a diff", resolved.Content)
	}
}

func TestBindingAuthRule(t *testing.T) {
	b, err := NewBinding(newTestLogger(t), []string{"token revoked"})
	if err != nil {
		t.Fatal(err)
	}
	rule := b.AuthRule()

	cases := []struct {
		subtype string
		text    string
		want    bool
	}{
		{"error_authentication", "", true},
		{"", "Please run /login to continue", true},
		{"", "your token revoked yesterday", true},
		{"", "everything is fine", false},
		{"error_max_turns", "", false},
	}
	for _, tc := range cases {
		if got := rule.Detect(tc.subtype, tc.text); got != tc.want {
			t.Errorf("Detect(%q, %q) = %v, want %v", tc.subtype, tc.text, got, tc.want)
		}
	}
}

func TestBindingConnectHandshake(t *testing.T) {
	b, err := NewBinding(newTestLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})

	// Play the CLI: answer the initialize handshake with one slash command.
	go func() {
		dec := json.NewDecoder(stdinR)
		var req map[string]any
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"type": msgTypeControlResponse,
			"response": map[string]any{
				"subtype":    "success",
				"request_id": req["request_id"],
				"response": map[string]any{
					"commands": []map[string]any{{"name": "compact", "argument_hint": "[instructions]"}},
				},
			},
		})
		stdoutW.Write(append(resp, '\n'))
	}()

	h, err := b.Connect(context.Background(), stdinW, stdoutR)
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	t.Cleanup(func() { h.Close() })

	cmds := h.SupportedCommands()
	if len(cmds) != 1 || cmds[0].Name != "compact" || cmds[0].Input != "[instructions]" {
		t.Errorf("commands = %+v, want compact with argument hint", cmds)
	}
	if len(h.SupportedModels()) != 3 {
		t.Errorf("models = %d, want 3", len(h.SupportedModels()))
	}
}
