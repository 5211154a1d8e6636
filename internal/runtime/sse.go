package runtime

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"mlxllm/pkg/session"
)

// sseStream pulls completion fragments out of a Server-Sent Events body.
// Each Recv reads forward until the next non-empty fragment; production is
// driven entirely by the caller.
type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	done bool
}

var _ session.TokenStream = (*sseStream)(nil)

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, r: bufio.NewReader(body)}
}

// Recv returns the next fragment, or io.EOF after the [DONE] terminator or
// end of body.
func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.r.ReadString('\n')
		if len(line) > 0 {
			l := strings.TrimSpace(line)
			if l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
				data := strings.TrimSpace(l[len("data:"):])
				if data == "[DONE]" {
					s.done = true
					_ = s.body.Close()
					return "", io.EOF
				}
				var chunk streamChunk
				if jerr := json.Unmarshal([]byte(data), &chunk); jerr == nil && len(chunk.Choices) > 0 {
					frag := chunk.Choices[0].Text
					if frag == "" {
						frag = chunk.Choices[0].Delta.Content
					}
					if frag != "" {
						return frag, nil
					}
					// finish-reason chunk without content: keep reading
				}
			}
		}
		if err != nil {
			s.done = true
			_ = s.body.Close()
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
	}
}

// Close abandons the stream; the server-side generation state is left to
// the runtime.
func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
