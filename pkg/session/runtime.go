package session

import (
	"context"

	"mlxllm/pkg/types"
)

// Runtime abstracts the external MLX runtime. The concrete implementation
// lives in internal/runtime; tests substitute recording stubs.
type Runtime interface {
	// Check reports whether the runtime is available on this machine.
	Check() error
	// Load starts the runtime with the given model repository and blocks
	// until the model and tokenizer are ready. May take minutes on first
	// download; no timeout is applied beyond ctx.
	Load(ctx context.Context, repo string) (RuntimeSession, error)
}

// RuntimeSession is a loaded model/tokenizer pair owned by the runtime.
// All generation work is delegated through it; parameters are forwarded
// verbatim and runtime errors propagate untranslated.
type RuntimeSession interface {
	Generate(ctx context.Context, req types.GenerateRequest) (string, error)
	Stream(ctx context.Context, req types.GenerateRequest) (TokenStream, error)
	// ApplyChatTemplate renders an ordered conversation into a single
	// prompt string using the model's own chat template, with the
	// generation-prompt suffix appended.
	ApplyChatTemplate(ctx context.Context, messages []types.Message) (string, error)
	Close() error
}

// TokenStream is a pull-based sequence of output fragments. Recv returns
// io.EOF after the final fragment. Single consumer, forward only.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}
