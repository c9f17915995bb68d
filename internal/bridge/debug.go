package bridge

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

// debugEventsEnv names a file path; when set, every outbound session update
// and permission round trip is appended to it as JSON lines. Diagnostic only.
const debugEventsEnv = "AGENTWIRE_DEBUG_EVENTS"

// eventTap is the optional JSONL event log.
type eventTap struct {
	mu   sync.Mutex
	file *os.File
}

type tapRecord struct {
	Time      string `json:"ts"`
	Direction string `json:"dir"`
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind"`
	Payload   any    `json:"payload,omitempty"`
}

// newEventTap opens the tap if the environment enables it, else returns nil.
// A nil tap is safe to record against.
func newEventTap(log *logger.Logger) *eventTap {
	path := os.Getenv(debugEventsEnv)
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn("failed to open debug event log", zap.String("path", path), zap.Error(err))
		return nil
	}
	log.Info("debug event log enabled", zap.String("path", path))
	return &eventTap{file: f}
}

func (t *eventTap) record(direction, sessionID, kind string, payload any) {
	if t == nil {
		return
	}
	rec := tapRecord{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Direction: direction,
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.file.Write(append(data, '\n'))
}

func (t *eventTap) close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.file.Close()
}
