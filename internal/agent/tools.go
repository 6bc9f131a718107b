package agent

import (
	"context"

	"github.com/jackzampolin/docnav/internal/providers"
)

// Tools defines the interface that agent tool implementations must satisfy.
// Each analysis phase shares one implementation; the router decides what a
// call means from its name.
type Tools interface {
	// GetTools returns OpenAI-format tool definitions for the model.
	GetTools() []providers.Tool

	// ExecuteTool runs a tool and returns the result as a JSON string.
	// session is the conversation the call arrived on, for tools that need
	// a follow-up exchange of their own. Rejected arguments are reported in
	// the result, not as an error.
	ExecuteTool(ctx context.Context, session providers.Session, name string, arguments map[string]any) (string, error)
}
