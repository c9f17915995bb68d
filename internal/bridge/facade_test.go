package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/agentwire/agentwire/internal/backend"
	"github.com/agentwire/agentwire/internal/backend/backendtest"
	"github.com/agentwire/agentwire/pkg/protocol"
	"github.com/agentwire/agentwire/pkg/wire"
)

// protoClient drives a Provider through a real wire connection, playing the
// client side of the protocol by hand.
type protoClient struct {
	t      *testing.T
	w      io.Writer
	sc     *bufio.Scanner
	nextID int64

	// permissionAnswer, when set, answers inbound permission requests.
	permissionAnswer func(req protocol.RequestPermissionRequest) protocol.RequestPermissionOutcome

	mu            sync.Mutex
	notifications []map[string]any
}

func newProviderFixture(t *testing.T, scripted *backendtest.Scripted, opts ...ProviderOption) (*Provider, *protoClient) {
	t.Helper()
	if scripted.ToolTable == nil {
		scripted.ToolTable = newTestToolTable(t)
	}

	factory := func(ctx context.Context, resumeID string) (backend.Handle, error) {
		return scripted, nil
	}
	provider := NewProvider(newTestLogger(t), scripted, factory, opts...)

	connReader, clientWriter := io.Pipe()
	clientReader, connWriter := io.Pipe()
	conn := wire.NewConn(connWriter, connReader, newTestLogger(t))
	provider.Bind(conn)
	conn.Start(context.Background())

	t.Cleanup(func() {
		provider.Shutdown()
		conn.Close()
		clientWriter.Close()
		connWriter.Close()
	})

	sc := bufio.NewScanner(clientReader)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return provider, &protoClient{t: t, w: clientWriter, sc: sc}
}

func (c *protoClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// request sends a method call and returns its id.
func (c *protoClient) request(method string, params any) int64 {
	c.t.Helper()
	c.nextID++
	c.send(map[string]any{"jsonrpc": "2.0", "id": c.nextID, "method": method, "params": params})
	return c.nextID
}

func (c *protoClient) notify(method string, params any) {
	c.t.Helper()
	c.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// read returns the next frame from the adapter.
func (c *protoClient) read() map[string]any {
	c.t.Helper()
	if !c.sc.Scan() {
		c.t.Fatalf("adapter stream closed: %v", c.sc.Err())
	}
	var msg map[string]any
	if err := json.Unmarshal(c.sc.Bytes(), &msg); err != nil {
		c.t.Fatalf("malformed frame %q: %v", c.sc.Text(), err)
	}
	return msg
}

// waitResponse reads frames until the response with the given id arrives.
// Notifications are collected; inbound requests (permission round trips) are
// answered with permissionAnswer.
func (c *protoClient) waitResponse(id int64) map[string]any {
	c.t.Helper()
	for {
		msg := c.read()
		if _, isReq := msg["method"]; isReq {
			if reqID, hasID := msg["id"]; hasID {
				c.answerRequest(reqID, msg)
				continue
			}
			c.mu.Lock()
			c.notifications = append(c.notifications, msg)
			c.mu.Unlock()
			continue
		}
		if got, ok := msg["id"].(float64); ok && int64(got) == id {
			return msg
		}
	}
}

func (c *protoClient) answerRequest(id any, msg map[string]any) {
	c.t.Helper()
	method, _ := msg["method"].(string)
	if method != protocol.MethodRequestPermission || c.permissionAnswer == nil {
		c.t.Fatalf("unexpected adapter request: %v", msg)
	}
	raw, _ := json.Marshal(msg["params"])
	var req protocol.RequestPermissionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.t.Fatalf("malformed permission request: %v", err)
	}
	outcome := c.permissionAnswer(req)
	c.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  protocol.RequestPermissionResponse{Outcome: outcome},
	})
}

func (c *protoClient) mustResult(id int64) map[string]any {
	c.t.Helper()
	msg := c.waitResponse(id)
	if errObj, ok := msg["error"]; ok {
		c.t.Fatalf("request %d failed: %v", id, errObj)
	}
	result, _ := msg["result"].(map[string]any)
	return result
}

func (c *protoClient) mustError(id int64) int {
	c.t.Helper()
	msg := c.waitResponse(id)
	errObj, ok := msg["error"].(map[string]any)
	if !ok {
		c.t.Fatalf("request %d succeeded: %v, want error", id, msg["result"])
	}
	code, _ := errObj["code"].(float64)
	return int(code)
}

func (c *protoClient) initialize() {
	c.t.Helper()
	id := c.request(protocol.MethodInitialize, protocol.InitializeRequest{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      &protocol.ClientInfo{Name: "test-client", Version: "0.0.1"},
	})
	c.mustResult(id)
}

func (c *protoClient) newSession() string {
	c.t.Helper()
	id := c.request(protocol.MethodNewSession, protocol.NewSessionRequest{})
	result := c.mustResult(id)
	sessionID, _ := result["sessionId"].(string)
	if sessionID == "" {
		c.t.Fatal("session/new returned no sessionId")
	}
	return sessionID
}

func (c *protoClient) notificationsOf(method string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, n := range c.notifications {
		if n["method"] == method {
			out = append(out, n)
		}
	}
	return out
}

func textPrompt(sessionID, text string) protocol.PromptRequest {
	return protocol.PromptRequest{SessionID: sessionID, Prompt: []protocol.ContentBlock{protocol.TextBlock(text)}}
}

func TestProviderInitializeHandshake(t *testing.T) {
	scripted := backendtest.New()
	_, client := newProviderFixture(t, scripted)

	// Anything before initialize is rejected.
	id := client.request(protocol.MethodNewSession, protocol.NewSessionRequest{})
	if code := client.mustError(id); code != wire.CodeInvalidRequest {
		t.Fatalf("pre-initialize error code = %d, want %d", code, wire.CodeInvalidRequest)
	}

	id = client.request(protocol.MethodInitialize, protocol.InitializeRequest{ProtocolVersion: 1})
	result := client.mustResult(id)
	if v, _ := result["protocolVersion"].(float64); int(v) != ProtocolVersion {
		t.Errorf("protocolVersion = %v, want %d", result["protocolVersion"], ProtocolVersion)
	}
	agent, _ := result["agentInfo"].(map[string]any)
	if agent["name"] != "scripted" {
		t.Errorf("agentInfo = %v, want scripted binding", agent)
	}
	if _, ok := result["capabilities"].(map[string]any); !ok {
		t.Error("initialize response missing capabilities")
	}
}

func TestProviderPromptTurn(t *testing.T) {
	scripted := backendtest.New()
	scripted.Turns = [][]backend.Event{{
		{Type: backend.EventMessageDelta, Role: "assistant", Text: "hello"},
		{Type: backend.EventToolUse, ToolUseID: "tu-1", ToolName: "Bash", Input: map[string]any{"command": "ls"}},
		{Type: backend.EventToolResult, ToolUseID: "tu-1", Content: "a.txt"},
		{Type: backend.EventResult, StopReason: protocol.StopEndTurn, Usage: &backend.Usage{InputTokens: 7, OutputTokens: 3}},
	}}
	_, client := newProviderFixture(t, scripted)
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodPrompt, textPrompt(sessionID, "list files"))
	result := client.mustResult(id)
	if result["stopReason"] != protocol.StopEndTurn {
		t.Errorf("stopReason = %v, want end_turn", result["stopReason"])
	}

	updates := client.notificationsOf(protocol.NotifySessionUpdate)
	if len(updates) != 3 {
		t.Fatalf("got %d session updates, want 3: %v", len(updates), updates)
	}
	wantKinds := []string{protocol.UpdateAgentMessageChunk, protocol.UpdateToolCall, protocol.UpdateToolCallUpdate}
	for i, n := range updates {
		params, _ := n["params"].(map[string]any)
		if params["sessionId"] != sessionID {
			t.Errorf("update %d sessionId = %v, want %s", i, params["sessionId"], sessionID)
		}
		update, _ := params["update"].(map[string]any)
		if update["sessionUpdate"] != wantKinds[i] {
			t.Errorf("update %d kind = %v, want %s", i, update["sessionUpdate"], wantKinds[i])
		}
	}

	usage := client.notificationsOf(protocol.NotifyUsageUpdate)
	if len(usage) != 1 {
		t.Fatalf("got %d usage updates, want 1", len(usage))
	}
	params, _ := usage[0]["params"].(map[string]any)
	if total, _ := params["totalTokens"].(float64); int(total) != 10 {
		t.Errorf("totalTokens = %v, want 10", params["totalTokens"])
	}
}

func TestProviderCapabilityGating(t *testing.T) {
	scripted := backendtest.New()
	scripted.Caps = protocol.Capabilities{
		SessionOps:    []string{protocol.MethodNewSession, protocol.MethodPrompt},
		PromptContent: []string{protocol.ContentTypeText},
	}
	_, client := newProviderFixture(t, scripted)
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodSetModel, protocol.SetModelRequest{SessionID: sessionID, ModelID: "sonnet"})
	if code := client.mustError(id); code != wire.CodeMethodNotFound {
		t.Errorf("undeclared op error code = %d, want %d", code, wire.CodeMethodNotFound)
	}
}

func TestProviderContentGating(t *testing.T) {
	scripted := backendtest.New()
	scripted.Caps.PromptContent = []string{protocol.ContentTypeText}
	_, client := newProviderFixture(t, scripted)
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodPrompt, protocol.PromptRequest{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{{Type: protocol.ContentTypeImage, Data: "aGk=", MimeType: "image/png"}},
	})
	if code := client.mustError(id); code != wire.CodeInvalidParams {
		t.Errorf("undeclared content error code = %d, want %d", code, wire.CodeInvalidParams)
	}
	if scripted.CallCount("prompt") != 0 {
		t.Error("gated prompt reached the backend")
	}
}

func TestProviderUnknownSession(t *testing.T) {
	scripted := backendtest.New()
	_, client := newProviderFixture(t, scripted)
	client.initialize()

	id := client.request(protocol.MethodPrompt, textPrompt("no-such-session", "hi"))
	if code := client.mustError(id); code != wire.CodeResourceNotFound {
		t.Errorf("unknown session error code = %d, want %d", code, wire.CodeResourceNotFound)
	}
}

func TestProviderPermissionRoundTrip(t *testing.T) {
	scripted := backendtest.New()
	scripted.Turns = [][]backend.Event{{
		{Type: backendtest.AskPermission, ToolUseID: "tu-1", ToolName: "Bash", Input: map[string]any{"command": "make"}},
		{Type: backend.EventResult, StopReason: protocol.StopEndTurn},
	}}
	_, client := newProviderFixture(t, scripted)
	client.permissionAnswer = func(req protocol.RequestPermissionRequest) protocol.RequestPermissionOutcome {
		if req.ToolCall.ToolCallID != "tu-1" {
			t.Errorf("permission for %q, want tu-1", req.ToolCall.ToolCallID)
		}
		return protocol.RequestPermissionOutcome{Outcome: protocol.OutcomeSelected, OptionID: "allow_once"}
	}
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodPrompt, textPrompt(sessionID, "build"))
	result := client.mustResult(id)
	if result["stopReason"] != protocol.StopEndTurn {
		t.Errorf("stopReason = %v, want end_turn", result["stopReason"])
	}
	if len(scripted.Decisions) != 1 || !scripted.Decisions[0].Allow {
		t.Errorf("decisions = %+v, want one allow", scripted.Decisions)
	}
}

func TestProviderCancelNotification(t *testing.T) {
	scripted := backendtest.New()
	scripted.Turns = [][]backend.Event{{}} // blocks until interrupted
	_, client := newProviderFixture(t, scripted)
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodPrompt, textPrompt(sessionID, "slow"))
	waitFor(t, func() bool { return scripted.CallCount("prompt") == 1 })

	client.notify(protocol.MethodCancelSession, protocol.SessionRequest{SessionID: sessionID})

	result := client.mustResult(id)
	if result["stopReason"] != protocol.StopCancelled {
		t.Errorf("stopReason = %v, want cancelled", result["stopReason"])
	}
}

func TestProviderNotificationFailureEmitsError(t *testing.T) {
	scripted := backendtest.New()
	_, client := newProviderFixture(t, scripted)
	client.initialize()

	client.notify(protocol.MethodCancelSession, protocol.SessionRequest{SessionID: "no-such-session"})

	msg := client.read()
	if msg["method"] != protocol.NotifyError {
		t.Fatalf("frame = %v, want a %s notification", msg, protocol.NotifyError)
	}
	params, _ := msg["params"].(map[string]any)
	if params["sessionId"] != "no-such-session" {
		t.Errorf("sessionId = %v, want no-such-session", params["sessionId"])
	}
	if message, _ := params["message"].(string); message == "" {
		t.Error("error notification carries no message")
	}
}

func TestProviderCloseSessionForgetsID(t *testing.T) {
	scripted := backendtest.New()
	_, client := newProviderFixture(t, scripted)
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodCloseSession, protocol.SessionRequest{SessionID: sessionID})
	client.mustResult(id)

	id = client.request(protocol.MethodPrompt, textPrompt(sessionID, "hi"))
	if code := client.mustError(id); code != wire.CodeResourceNotFound {
		t.Errorf("closed session error code = %d, want %d", code, wire.CodeResourceNotFound)
	}
}

func TestProviderListOps(t *testing.T) {
	scripted := backendtest.New()
	scripted.Models = []protocol.ModelInfo{{ModelID: "sonnet", Name: "Sonnet"}}
	scripted.Commands = []protocol.AvailableCommand{{Name: "compact", Description: "Compact history"}}
	_, client := newProviderFixture(t, scripted)
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodListModels, protocol.SessionRequest{SessionID: sessionID})
	result := client.mustResult(id)
	models, _ := result["models"].([]any)
	if len(models) != 1 {
		t.Errorf("models = %v, want 1", result["models"])
	}

	id = client.request(protocol.MethodListModes, protocol.SessionRequest{SessionID: sessionID})
	result = client.mustResult(id)
	modes, _ := result["modes"].([]any)
	if len(modes) != 4 {
		t.Errorf("modes = %v, want the four default modes", result["modes"])
	}

	id = client.request(protocol.MethodListCommands, protocol.SessionRequest{SessionID: sessionID})
	result = client.mustResult(id)
	commands, _ := result["commands"].([]any)
	if len(commands) != 1 {
		t.Errorf("commands = %v, want 1", result["commands"])
	}
}

func TestProviderSessionDefaults(t *testing.T) {
	scripted := backendtest.New()
	scripted.Models = []protocol.ModelInfo{{ModelID: "opus", Name: "Opus"}}
	defaults := SessionDefaults{ModeID: "acceptEdits", ModelID: "opus"}
	_, client := newProviderFixture(t, scripted, WithSessionDefaults(defaults))
	client.initialize()
	client.newSession()

	if scripted.CallCount("set_mode:acceptEdits") != 1 {
		t.Errorf("calls = %v, want one set_mode:acceptEdits", scripted.Calls)
	}
	if scripted.CallCount("set_model:opus") != 1 {
		t.Errorf("calls = %v, want one set_model:opus", scripted.Calls)
	}
}

func TestProviderSessionDefaultsExplicitWins(t *testing.T) {
	scripted := backendtest.New()
	scripted.Models = []protocol.ModelInfo{{ModelID: "opus", Name: "Opus"}, {ModelID: "sonnet", Name: "Sonnet"}}
	defaults := SessionDefaults{ModeID: "acceptEdits", ModelID: "opus"}
	_, client := newProviderFixture(t, scripted, WithSessionDefaults(defaults))
	client.initialize()

	id := client.request(protocol.MethodNewSession, protocol.NewSessionRequest{ModeID: "plan", ModelID: "sonnet"})
	client.mustResult(id)

	if scripted.CallCount("set_mode:plan") != 1 || scripted.CallCount("set_mode:acceptEdits") != 0 {
		t.Errorf("calls = %v, want the requested mode over the default", scripted.Calls)
	}
	if scripted.CallCount("set_model:sonnet") != 1 || scripted.CallCount("set_model:opus") != 0 {
		t.Errorf("calls = %v, want the requested model over the default", scripted.Calls)
	}
}

func TestProviderSessionDefaultModeAlreadyCurrent(t *testing.T) {
	// Sessions start in default mode; configuring it must not produce a
	// redundant backend call.
	scripted := backendtest.New()
	_, client := newProviderFixture(t, scripted, WithSessionDefaults(SessionDefaults{ModeID: "default"}))
	client.initialize()
	client.newSession()

	if scripted.CallCount("set_mode") != 0 {
		t.Errorf("calls = %v, want no set_mode for the starting mode", scripted.Calls)
	}
}

func TestProviderConcurrentResumeSameID(t *testing.T) {
	var mu sync.Mutex
	var handles []*backendtest.Scripted

	binding := backendtest.New()
	factory := func(ctx context.Context, resumeID string) (backend.Handle, error) {
		h := backendtest.New()
		mu.Lock()
		handles = append(handles, h)
		mu.Unlock()
		return h, nil
	}
	provider := NewProvider(newTestLogger(t), binding, factory)
	t.Cleanup(provider.Shutdown)

	params := func(v any) json.RawMessage {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return raw
	}
	if _, werr := provider.HandleRequest(context.Background(), protocol.MethodInitialize, params(protocol.InitializeRequest{ProtocolVersion: 1})); werr != nil {
		t.Fatalf("initialize: %v", werr)
	}

	const attempts = 4
	resume := params(protocol.ResumeSessionRequest{SessionID: "sess-dup"})
	errs := make(chan *wire.Error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, werr := provider.HandleRequest(context.Background(), protocol.MethodResumeSession, resume)
			errs <- werr
		}()
	}
	wg.Wait()
	close(errs)

	failed := 0
	for werr := range errs {
		if werr == nil {
			continue
		}
		failed++
		if werr.Code != wire.CodeInvalidRequest {
			t.Errorf("duplicate resume error code = %d, want %d", werr.Code, wire.CodeInvalidRequest)
		}
	}
	if failed != attempts-1 {
		t.Fatalf("%d resumes failed, want %d", failed, attempts-1)
	}

	// Exactly the registered session's handle stays open; every loser's
	// handle must have been closed.
	mu.Lock()
	defer mu.Unlock()
	open := 0
	for _, h := range handles {
		if h.CallCount("close") == 0 {
			open++
		}
	}
	if open != 1 {
		t.Errorf("%d backend handles left open, want 1", open)
	}
}

func TestProviderUsageSnapshot(t *testing.T) {
	scripted := backendtest.New()
	scripted.Caps.UtilityOps = []string{protocol.MethodUsageSnapshot}
	prober := proberFunc(func(ctx context.Context) (*protocol.UsageSnapshotResponse, error) {
		return &protocol.UsageSnapshotResponse{SessionPercent: 42, WeekPercent: 17, ResetsAt: "Oct 2, 3am"}, nil
	})
	_, client := newProviderFixture(t, scripted, WithUsageProber(prober))
	client.initialize()

	id := client.request(protocol.MethodUsageSnapshot, nil)
	result := client.mustResult(id)
	if v, _ := result["sessionPercent"].(float64); int(v) != 42 {
		t.Errorf("sessionPercent = %v, want 42", result["sessionPercent"])
	}
}

func TestProviderUsageSnapshotWithoutProber(t *testing.T) {
	scripted := backendtest.New()
	scripted.Caps.UtilityOps = []string{protocol.MethodUsageSnapshot}
	_, client := newProviderFixture(t, scripted)
	client.initialize()

	id := client.request(protocol.MethodUsageSnapshot, nil)
	if code := client.mustError(id); code != wire.CodeMethodNotFound {
		t.Errorf("proberless snapshot error code = %d, want %d", code, wire.CodeMethodNotFound)
	}
}

func TestProviderResumeUnknownConversation(t *testing.T) {
	scripted := backendtest.New()
	failing := &resumeFailingHandle{Scripted: scripted}
	factory := func(ctx context.Context, resumeID string) (backend.Handle, error) {
		return failing, nil
	}
	provider := NewProvider(newTestLogger(t), scripted, factory)

	connReader, clientWriter := io.Pipe()
	clientReader, connWriter := io.Pipe()
	conn := wire.NewConn(connWriter, connReader, newTestLogger(t))
	provider.Bind(conn)
	conn.Start(context.Background())
	t.Cleanup(func() {
		provider.Shutdown()
		conn.Close()
		clientWriter.Close()
		connWriter.Close()
	})

	client := &protoClient{t: t, w: clientWriter, sc: bufio.NewScanner(clientReader)}
	client.initialize()

	id := client.request(protocol.MethodResumeSession, protocol.ResumeSessionRequest{SessionID: "gone"})
	if code := client.mustError(id); code != wire.CodeResourceNotFound {
		t.Errorf("failed resume error code = %d, want %d", code, wire.CodeResourceNotFound)
	}
}

func TestProviderMirrorsUpdatesOnBus(t *testing.T) {
	scripted := backendtest.New()
	scripted.Turns = [][]backend.Event{{
		{Type: backend.EventMessageDelta, Role: "assistant", Text: "hi"},
		{Type: backend.EventResult, StopReason: protocol.StopEndTurn},
	}}
	pub := &recordingPublisher{}
	_, client := newProviderFixture(t, scripted, WithEventPublisher(pub))
	client.initialize()
	sessionID := client.newSession()

	id := client.request(protocol.MethodPrompt, textPrompt(sessionID, "hi"))
	client.mustResult(id)

	want := fmt.Sprintf("agentwire.session.%s.update", sessionID)
	if pub.count(want) != 1 {
		t.Errorf("bus subjects = %v, want one %s", pub.subjects(), want)
	}
}

type proberFunc func(ctx context.Context) (*protocol.UsageSnapshotResponse, error)

func (f proberFunc) Snapshot(ctx context.Context) (*protocol.UsageSnapshotResponse, error) {
	return f(ctx)
}

type resumeFailingHandle struct {
	*backendtest.Scripted
}

func (h *resumeFailingHandle) Resume(ctx context.Context, sessionID string) error {
	return errors.New("no transcript for " + sessionID)
}

type recordingPublisher struct {
	mu   sync.Mutex
	subs []string
}

func (p *recordingPublisher) Publish(subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subject)
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.subs))
	copy(out, p.subs)
	return out
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subs {
		if s == subject {
			n++
		}
	}
	return n
}
