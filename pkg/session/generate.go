package session

import (
	"context"
	"time"

	"mlxllm/pkg/types"
)

const (
	defaultMaxTokens   = 512
	defaultTemperature = 0.7
	defaultTopP        = 0.9
)

// applyDefaults fills zero-valued sampling parameters. No range validation
// happens here: out-of-range values are forwarded and the runtime's own
// validation is authoritative.
func applyDefaults(req *types.GenerateRequest) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if req.Temperature <= 0 {
		req.Temperature = defaultTemperature
	}
	if req.TopP <= 0 {
		req.TopP = defaultTopP
	}
}

// Generate produces a complete response for the request. Parameters are
// forwarded verbatim after default fill-in; the prompt and response text
// are not processed at this layer.
func (s *Session) Generate(ctx context.Context, req types.GenerateRequest) (string, error) {
	return s.generate(ctx, "single", req)
}

// ChatOptions are the knobs exposed for chat generation. TopP is
// deliberately absent: chat always uses the package default.
type ChatOptions struct {
	MaxTokens   int
	Temperature float32
}

// Chat renders the ordered conversation through the runtime's chat
// template and generates a response from the rendered prompt. Template
// errors propagate unmodified.
func (s *Session) Chat(ctx context.Context, messages []types.Message, opts ChatOptions) (string, error) {
	prompt, err := s.rt.ApplyChatTemplate(ctx, messages)
	if err != nil {
		generateTotal.WithLabelValues("chat", "error").Inc()
		return "", err
	}
	return s.generate(ctx, "chat", types.GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        defaultTopP,
	})
}

func (s *Session) generate(ctx context.Context, mode string, req types.GenerateRequest) (string, error) {
	applyDefaults(&req)
	start := time.Now()
	out, err := s.rt.Generate(ctx, req)
	generateDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		generateTotal.WithLabelValues(mode, "error").Inc()
		return "", err
	}
	generateTotal.WithLabelValues(mode, "ok").Inc()
	return out, nil
}
