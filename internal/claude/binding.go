package claude

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/protocol"
)

//go:embed tools.yaml
var toolTableYAML []byte

// initializeTimeout bounds the stream-json handshake.
const initializeTimeout = 15 * time.Second

// Version reported on initialize. The CLI does not expose its own version
// over the stream protocol.
const Version = "stream-json/1"

// defaultAuthHints are result-text substrings that indicate the CLI needs a
// login, used when the configuration does not override them.
var defaultAuthHints = []string{
	"Invalid API key",
	"Please run /login",
	"OAuth token has expired",
}

// Binding declares the Claude Code backend.
type Binding struct {
	log    *logger.Logger
	tools  *backend.ToolTable
	hints  []string
	models []protocol.ModelInfo
}

// NewBinding builds the binding. Extra auth hints extend the defaults.
func NewBinding(log *logger.Logger, authHints []string) (*Binding, error) {
	tools, err := backend.LoadToolTable(toolTableYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool table: %w", err)
	}
	return &Binding{
		log:   log,
		tools: tools,
		hints: append(append([]string{}, defaultAuthHints...), authHints...),
		models: []protocol.ModelInfo{
			{ModelID: "sonnet", Name: "Claude Sonnet", Description: "Balanced speed and capability"},
			{ModelID: "opus", Name: "Claude Opus", Description: "Most capable"},
			{ModelID: "haiku", Name: "Claude Haiku", Description: "Fastest"},
		},
	}, nil
}

func (b *Binding) Name() string    { return "claude-code" }
func (b *Binding) Version() string { return Version }

func (b *Binding) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		SessionOps: []string{
			protocol.MethodNewSession,
			protocol.MethodResumeSession,
			protocol.MethodPrompt,
			protocol.MethodSetModel,
			protocol.MethodSetMode,
			protocol.MethodCancelSession,
			protocol.MethodCloseSession,
			protocol.MethodListModels,
			protocol.MethodListModes,
			protocol.MethodListCommands,
		},
		AuthOps: []string{},
		PromptContent: []string{
			protocol.ContentTypeText,
			protocol.ContentTypeImage,
			protocol.ContentTypeResourceLink,
			protocol.ContentTypeResource,
		},
		UtilityOps: []string{protocol.MethodUsageSnapshot},
	}
}

func (b *Binding) Tools() *backend.ToolTable { return b.tools }

func (b *Binding) Modes() []protocol.ModeInfo {
	return []protocol.ModeInfo{
		{ModeID: "default", Name: "Default", Description: "Ask before sensitive actions"},
		{ModeID: "acceptEdits", Name: "Accept Edits", Description: "Auto-approve file edits"},
		{ModeID: "bypassPermissions", Name: "Bypass Permissions", Description: "Auto-approve everything"},
		{ModeID: "plan", Name: "Plan", Description: "Plan before acting"},
	}
}

func (b *Binding) AuthRule() backend.AuthRule {
	return backend.AuthRule{
		Hints:    b.hints,
		Subtypes: []string{"error_authentication"},
	}
}

// Connect wires a handle over the CLI's pipes and runs the stream-json
// handshake. The handshake also yields the CLI's slash commands; a handshake
// failure is logged but does not fail the connect, since older CLI builds do
// not answer initialize.
func (b *Binding) Connect(ctx context.Context, stdin io.Writer, stdout io.Reader) (backend.Handle, error) {
	client := NewClient(stdin, stdout, b.log)
	h := newHandle(client, b.models, b.log)
	client.Start(ctx)

	init, err := client.Initialize(ctx, initializeTimeout)
	if err != nil {
		b.log.Warn("stream-json initialize failed, continuing without slash commands", zap.Error(err))
		return h, nil
	}

	cmds := make([]protocol.AvailableCommand, 0, len(init.Commands))
	for _, c := range init.Commands {
		cmds = append(cmds, protocol.AvailableCommand{
			Name:        c.Name,
			Description: c.Description,
			Input:       c.ArgumentHint,
		})
	}
	h.setCommands(cmds)
	return h, nil
}
