package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mlxllm/pkg/types"
)

func newTestSession(ts *httptest.Server) *serverSession {
	return &serverSession{
		client:  &http.Client{Timeout: 0},
		repo:    "test-repo",
		baseURL: ts.URL,
		closed:  true, // no subprocess behind httptest-backed sessions
	}
}

// sseWriter helps write SSE-style lines.
type sseWriter struct{ w http.ResponseWriter }

func (sw sseWriter) writeLine(line string) {
	sw.w.Write([]byte(line))
	sw.w.Write([]byte("\n"))
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestGenerateNonStreaming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if req.Stream {
			t.Error("non-streaming call must send stream=false")
		}
		if req.Prompt != "Say hi" || req.MaxTokens != 16 || req.Temperature != 0.3 || req.TopP != 0.5 {
			t.Errorf("parameters not forwarded verbatim: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"text": "Hello!", "finish_reason": "stop"}},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := newTestSession(ts)
	out, err := sess.Generate(context.Background(), types.GenerateRequest{
		Prompt: "Say hi", MaxTokens: 16, Temperature: 0.3, TopP: 0.5,
	})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if out != "Hello!" {
		t.Fatalf("Generate() = %q", out)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "boom"}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := newTestSession(ts)
	_, err := sess.Generate(context.Background(), types.GenerateRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error should carry the response body: %v", err)
	}
}

func TestStreamSSE(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if !req.Stream {
			t.Error("streaming call must send stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		sw := sseWriter{w: w}
		sw.writeLine(`data: {"choices":[{"text":"Hel"}]}`)
		sw.writeLine("")
		time.Sleep(5 * time.Millisecond)
		sw.writeLine(`data: {"choices":[{"text":"lo"}]}`)
		sw.writeLine(`data: {"choices":[{"text":"","finish_reason":"stop"}]}`)
		sw.writeLine("data: [DONE]")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := newTestSession(ts)
	st, err := sess.Stream(context.Background(), types.GenerateRequest{Prompt: "Say hi", MaxTokens: 8})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	defer st.Close()

	var got []string
	for {
		frag, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error: %v", err)
		}
		got = append(got, frag)
	}
	if strings.Join(got, "") != "Hello" {
		t.Fatalf("fragments = %q", got)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %q", len(got), got)
	}
	// Exhausted stream stays exhausted.
	if _, err := st.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after EOF = %v, want io.EOF", err)
	}
}

func TestStreamDeltaDialect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sw := sseWriter{w: w}
		sw.writeLine(`data: {"choices":[{"delta":{"content":"Hi"}}]}`)
		sw.writeLine("data: [DONE]")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := newTestSession(ts)
	st, err := sess.Stream(context.Background(), types.GenerateRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	frag, err := st.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if frag != "Hi" {
		t.Fatalf("frag = %q", frag)
	}
	if _, err := st.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestStreamHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := newTestSession(ts)
	if _, err := sess.Stream(context.Background(), types.GenerateRequest{Prompt: "p"}); err == nil {
		t.Fatal("expected error on HTTP 503")
	}
}

func TestStreamContextCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sw := sseWriter{w: w}
		for i := 0; i < 50; i++ {
			sw.writeLine(`data: {"choices":[{"text":"x"}]}`)
			time.Sleep(50 * time.Millisecond)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sess := newTestSession(ts)
	st, err := sess.Stream(ctx, types.GenerateRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if _, err := st.Recv(); err != nil {
		t.Fatal(err)
	}
	cancel()
	for {
		_, err := st.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.Fatal("expected a non-EOF error after cancellation")
			}
			break
		}
	}
}

func TestApplyChatTemplate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/apply-template", func(w http.ResponseWriter, r *http.Request) {
		var req templateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem || req.Messages[1].Role != types.RoleUser {
			t.Errorf("messages not forwarded in order: %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(templateResponse{Prompt: "RENDERED"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	sess := newTestSession(ts)
	prompt, err := sess.ApplyChatTemplate(context.Background(), []types.Message{
		{Role: types.RoleSystem, Content: "S"},
		{Role: types.RoleUser, Content: "U"},
	})
	if err != nil {
		t.Fatalf("ApplyChatTemplate() error: %v", err)
	}
	if prompt != "RENDERED" {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestCheckMissingBinary(t *testing.T) {
	rt := NewServerRuntime(ServerConfig{Bin: "definitely-not-a-real-mlx-launcher"}, zerolog.Nop())
	if err := rt.Check(); err == nil {
		t.Fatal("expected error for a binary that is not on PATH")
	}
}

func TestLoadReportsEarlyExit(t *testing.T) {
	// `false` exits immediately, standing in for a launcher that dies on
	// startup before ever becoming healthy.
	rt := NewServerRuntime(ServerConfig{Bin: "false"}, zerolog.Nop())
	_, err := rt.Load(context.Background(), "mlx-community/some-model")
	if err == nil {
		t.Fatal("expected error when the server process exits before ready")
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Fatalf("error should report the early exit: %v", err)
	}
}

func TestLoadEmptyRepo(t *testing.T) {
	rt := NewServerRuntime(ServerConfig{}, zerolog.Nop())
	if _, err := rt.Load(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty repository")
	}
}

func TestPickFreePort(t *testing.T) {
	p, err := pickFreePort("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if p <= 0 || p > 65535 {
		t.Fatalf("port out of range: %d", p)
	}
}
