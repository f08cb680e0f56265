// Package types holds the shared interfaces that cross package boundaries.
// Keeping them here breaks import cycles between the engine, the LLM clients,
// and the CLI wiring.
package types

import (
	"context"
)

// LLMClient defines the interface for chat-completion transports.
// The engine only ever needs these two calls; provider-specific knobs
// (model switching, streaming, connection probes) live on the concrete
// clients and the optional interfaces below.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ModelSwitcher is an optional interface for clients whose model can be
// changed after construction. Use type assertion to check:
//
//	if ms, ok := client.(types.ModelSwitcher); ok {
//	    ms.SetModel("deepseek-chat")
//	}
type ModelSwitcher interface {
	SetModel(model string)
	GetModel() string
}

// StreamingClient is an optional interface for clients that support
// server-sent-event streaming. The callback receives each content delta
// as it arrives; the full response is returned once the stream ends.
type StreamingClient interface {
	CompleteWithStreaming(ctx context.Context, prompt string, onDelta func(string)) (string, error)
}

// ConnectionTester is an optional interface for clients that can probe
// their endpoint with a minimal request. Used by `rowlift config test`.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}
