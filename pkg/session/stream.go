package session

import (
	"context"

	"mlxllm/pkg/types"
)

// Stream is a pull-based sequence of generated fragments. Each Recv
// produces the next fragment as soon as the runtime emits it; there is no
// buffering or reordering at this layer. Recv returns io.EOF after the
// final fragment. Single consumer, forward only, no rewind.
type Stream struct {
	ts TokenStream
}

// StreamGenerate starts a streaming generation. Consuming the stream to
// exhaustion yields the same total output as the corresponding Generate
// call. Abandoning the stream early (Close) discards the runtime's
// in-flight generation state; no stronger cancellation is guaranteed.
func (s *Session) StreamGenerate(ctx context.Context, req types.GenerateRequest) (*Stream, error) {
	applyDefaults(&req)
	ts, err := s.rt.Stream(ctx, req)
	if err != nil {
		generateTotal.WithLabelValues("stream", "error").Inc()
		return nil, err
	}
	generateTotal.WithLabelValues("stream", "ok").Inc()
	return &Stream{ts: ts}, nil
}

// Recv returns the next output fragment, or io.EOF when the generation is
// complete.
func (st *Stream) Recv() (string, error) {
	frag, err := st.ts.Recv()
	if err == nil {
		streamFragments.Inc()
	}
	return frag, err
}

// Close releases the stream without consuming the remainder.
func (st *Stream) Close() error { return st.ts.Close() }
