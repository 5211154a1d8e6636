package types

// Role identifies a participant in a chat conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries the prompt and sampling parameters for one
// generation call. Zero-valued fields mean "unspecified" and are filled
// with defaults by the session before forwarding.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Variant describes one quantized build of the model.
type Variant struct {
	// Repo is the model repository the weights are loaded from.
	// example: mlx-community/Llama-3.3-70B-Instruct-4bit
	Repo string `json:"repo"`
	// SizeGB is the approximate unified-memory footprint.
	SizeGB int `json:"size_gb"`
	// Quality is a human-readable quality note for the variant.
	Quality string `json:"quality"`
}
