// Package session wraps the MLX runtime for running quantized Llama 3.3
// 70B. A Session resolves a quantization variant to a model repository,
// loads it through an injected Runtime, and exposes single-shot, chat and
// streaming generation. All model work is delegated; this layer is
// configuration, validation and forwarding.
//
// A Session assumes one caller issuing sequential calls. Concurrent use of
// the same Session is undefined.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mlxllm/pkg/types"
)

// Options configure session construction.
type Options struct {
	// Variant is a key into the variant table; DefaultVariant if empty.
	Variant string
	// MaxKVSize is the maximum context size hint handed to the runtime.
	MaxKVSize int
	// Verbose enables loading progress and capacity warnings on Logger.
	Verbose bool
	Logger  zerolog.Logger
}

// Session owns a loaded model/tokenizer pair for its lifetime.
type Session struct {
	variant string
	info    types.Variant
	rt      RuntimeSession
	maxKV   int
	verbose bool
	log     zerolog.Logger
}

// New resolves the variant, probes the runtime, and performs the blocking
// model load. The load may take minutes and is not retried; failures wrap
// ErrLoadFailed. A missing runtime yields a DependencyError before any
// load is attempted.
func New(ctx context.Context, rt Runtime, opts Options) (*Session, error) {
	if opts.Variant == "" {
		opts.Variant = DefaultVariant
	}
	info, err := Resolve(opts.Variant)
	if err != nil {
		return nil, err
	}

	if err := rt.Check(); err != nil {
		return nil, DependencyError{Reason: err}
	}

	log := opts.Logger
	if opts.Verbose {
		log.Info().
			Str("variant", opts.Variant).
			Str("repo", info.Repo).
			Int("size_gb", info.SizeGB).
			Str("quality", info.Quality).
			Msg("loading MLX Llama 3.3 70B Instruct")
		if needsCapacityWarning(info.SizeGB) {
			log.Warn().
				Int("size_gb", info.SizeGB).
				Msg("model may not fit in 16GB unified memory; consider a GGUF build with mmap streaming instead")
		}
		log.Info().Msg("this may take several minutes on first download")
	}

	start := time.Now()
	h, err := rt.Load(ctx, info.Repo)
	if err != nil {
		loadsTotal.WithLabelValues(opts.Variant, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	loadsTotal.WithLabelValues(opts.Variant, "ok").Inc()
	loadDuration.Observe(time.Since(start).Seconds())

	if opts.Verbose {
		log.Info().Dur("elapsed", time.Since(start)).Msg("model loaded")
	}

	return &Session{
		variant: opts.Variant,
		info:    info,
		rt:      h,
		maxKV:   opts.MaxKVSize,
		verbose: opts.Verbose,
		log:     log,
	}, nil
}

// Variant returns the variant key the session was constructed with.
func (s *Session) Variant() string { return s.variant }

// Info returns the resolved variant record.
func (s *Session) Info() types.Variant { return s.info }

// MaxKVSize returns the configured maximum context size.
func (s *Session) MaxKVSize() int { return s.maxKV }

// Close releases the runtime resources backing the session.
func (s *Session) Close() error {
	return s.rt.Close()
}
