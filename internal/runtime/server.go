// Package runtime drives the external MLX runtime. MLX has no Go binding;
// the delegation path is the runtime's OpenAI-compatible server process,
// spawned per session and driven over localhost HTTP.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mlxllm/pkg/session"
	"mlxllm/pkg/types"
)

// DefaultBin is the server launcher installed by `pip install mlx-lm`.
const DefaultBin = "mlx_lm.server"

// ServerConfig controls how the runtime server process is spawned.
type ServerConfig struct {
	// Bin is the launcher binary; DefaultBin if empty.
	Bin string
	// Host is the bind address for the spawned server; 127.0.0.1 if empty.
	Host string
	// MaxKVSize is forwarded as the server's maximum context size when >0.
	MaxKVSize int
	// ExtraArgs are appended to the server command line.
	ExtraArgs []string
}

// ServerRuntime implements session.Runtime against an mlx_lm server
// subprocess. One Load spawns one server owning one loaded model.
type ServerRuntime struct {
	cfg        ServerConfig
	log        zerolog.Logger
	httpClient *http.Client
}

var _ session.Runtime = (*ServerRuntime)(nil)

// NewServerRuntime constructs a subprocess-backed runtime.
func NewServerRuntime(cfg ServerConfig, log zerolog.Logger) *ServerRuntime {
	if strings.TrimSpace(cfg.Bin) == "" {
		cfg.Bin = DefaultBin
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	// Timeout=0 on purpose: readiness polling and generation calls carry
	// their own contexts.
	return &ServerRuntime{cfg: cfg, log: log, httpClient: &http.Client{Timeout: 0}}
}

// Check verifies the runtime launcher is installed and on PATH.
func (r *ServerRuntime) Check() error {
	if _, err := exec.LookPath(r.cfg.Bin); err != nil {
		return fmt.Errorf("mlx runtime launcher %q not found: %w", r.cfg.Bin, err)
	}
	return nil
}

// Load spawns the runtime server for the given model repository and blocks
// until it reports healthy. The server downloads weights on first use, so
// no deadline is applied beyond ctx; early process exit aborts the wait.
func (r *ServerRuntime) Load(ctx context.Context, repo string) (session.RuntimeSession, error) {
	if strings.TrimSpace(repo) == "" {
		return nil, errors.New("empty model repository")
	}
	port, err := pickFreePort(r.cfg.Host)
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", r.cfg.Host, port)

	args := []string{
		"--model", repo,
		"--host", r.cfg.Host,
		"--port", strconv.Itoa(port),
	}
	if r.cfg.MaxKVSize > 0 {
		args = append(args, "--max-kv-size", strconv.Itoa(r.cfg.MaxKVSize))
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.Command(r.cfg.Bin, args...)
	// Keep a stderr tail in memory for failure diagnostics.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.cfg.Bin, err)
	}
	r.log.Info().Str("repo", repo).Int("pid", cmd.Process.Pid).Str("url", baseURL).Msg("mlx server starting")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			stopProcess(cmd, waitCh)
			return nil, ctx.Err()
		case werr := <-waitCh:
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			r.log.Error().Str("repo", repo).Err(werr).Msg("mlx server exited before ready")
			if werr != nil {
				return nil, fmt.Errorf("mlx server exited early: %w; stderr tail: %s", werr, tail)
			}
			return nil, fmt.Errorf("mlx server exited before ready; stderr tail: %s", tail)
		case <-tick.C:
			if r.isHealthy(baseURL, time.Second) {
				r.log.Info().Str("repo", repo).Str("url", baseURL).Msg("mlx server ready")
				return &serverSession{
					client:  r.httpClient,
					repo:    repo,
					baseURL: baseURL,
					cmd:     cmd,
					waitCh:  waitCh,
				}, nil
			}
		}
	}
}

// isHealthy checks whether the server at baseURL answers /health.
func (r *ServerRuntime) isHealthy(baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	lastColon := strings.LastIndex(addr, ":")
	if lastColon < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[lastColon+1:])
}

// stopProcess terminates a spawned server, SIGTERM first then kill.
func stopProcess(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

// serverSession speaks the server's OpenAI-compatible dialect for one
// loaded model.
type serverSession struct {
	client  *http.Client
	repo    string
	baseURL string

	mu     sync.Mutex
	cmd    *exec.Cmd
	waitCh chan error
	closed bool
}

var _ session.RuntimeSession = (*serverSession)(nil)

type completionRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type templateRequest struct {
	Messages []types.Message `json:"messages"`
}

type templateResponse struct {
	Prompt string `json:"prompt"`
}

func (s *serverSession) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("mlx server http error: %s: %s", resp.Status, string(b))
	}
	return resp, nil
}

// Generate runs a blocking completion and returns the full text.
func (s *serverSession) Generate(ctx context.Context, req types.GenerateRequest) (string, error) {
	resp, err := s.post(ctx, "/v1/completions", completionRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("mlx server returned no choices")
	}
	return out.Choices[0].Text, nil
}

// Stream starts a streaming completion. Fragments are read lazily from the
// response body on each Recv; nothing is buffered ahead of the caller.
func (s *serverSession) Stream(ctx context.Context, req types.GenerateRequest) (session.TokenStream, error) {
	resp, err := s.post(ctx, "/v1/completions", completionRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	return newSSEStream(resp.Body), nil
}

// ApplyChatTemplate delegates template rendering to the server, which owns
// the tokenizer. The server appends the generation-prompt suffix.
func (s *serverSession) ApplyChatTemplate(ctx context.Context, messages []types.Message) (string, error) {
	resp, err := s.post(ctx, "/apply-template", templateRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out templateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode template: %w", err)
	}
	return out.Prompt, nil
}

// Close terminates the spawned server process. Idempotent.
func (s *serverSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	stopProcess(s.cmd, s.waitCh)
	return nil
}
