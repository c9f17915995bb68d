// Package bridge implements the protocol core of agentwire: the capability
// registry, the per-conversation session state machine, the backend event
// translator, the permission arbitrator, and the provider facade that
// composes them behind the client-facing wire surface.
package bridge

import (
	"github.com/agentwire/agentwire/pkg/protocol"
	"github.com/agentwire/agentwire/pkg/wire"
)

// Registry evaluates operations and content kinds against the static
// capability set bound at construction. Every public entry point consults it
// before touching backend state.
type Registry struct {
	caps    protocol.Capabilities
	ops     map[string]struct{}
	content map[string]struct{}
}

// NewRegistry builds a registry from a binding's declared capability set.
func NewRegistry(caps protocol.Capabilities) *Registry {
	r := &Registry{
		caps:    caps,
		ops:     make(map[string]struct{}),
		content: make(map[string]struct{}),
	}
	for _, group := range [][]string{caps.SessionOps, caps.AuthOps, caps.UtilityOps} {
		for _, op := range group {
			r.ops[op] = struct{}{}
		}
	}
	for _, kind := range caps.PromptContent {
		r.content[kind] = struct{}{}
	}
	return r
}

// Capabilities returns the declared capability set.
func (r *Registry) Capabilities() protocol.Capabilities {
	return r.caps
}

// Supports reports whether the binding declared the given operation.
func (r *Registry) Supports(op string) bool {
	_, ok := r.ops[op]
	return ok
}

// SupportsContentKind reports whether the binding accepts the content kind
// in prompts.
func (r *Registry) SupportsContentKind(kind string) bool {
	_, ok := r.content[kind]
	return ok
}

// Gate returns the capability-gating error for an undeclared operation, or
// nil if the operation may proceed.
func (r *Registry) Gate(op string) *wire.Error {
	if r.Supports(op) {
		return nil
	}
	return wire.NewErrorf(wire.CodeMethodNotFound, "capability not supported: %s", op)
}

// GateContent validates every block's kind against the declared prompt
// content kinds.
func (r *Registry) GateContent(blocks []protocol.ContentBlock) *wire.Error {
	for _, b := range blocks {
		if !b.Valid() {
			return wire.InvalidParams("unknown content block type: " + b.Type)
		}
		if !r.SupportsContentKind(b.Type) {
			return wire.NewErrorf(wire.CodeInvalidParams, "content kind not supported: %s", b.Type)
		}
	}
	return nil
}
