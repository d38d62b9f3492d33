package protocol

// ChatMessage is one turn of a chat history, as accepted by the
// OpenAI-compatible adapter in plaintext mode.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AllowedRoles is the enumeration allow-list for ChatMessage.Role.
var AllowedRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// AllowedFinishReasons is the enumeration allow-list for Choice.FinishReason.
var AllowedFinishReasons = map[string]bool{
	"stop":           true,
	"length":         true,
	"content_filter": true,
	"tool_calls":     true,
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
// Either Messages (plaintext mode) or Encrypted+CipherMessages (encrypted
// mode) is populated, never both.
type ChatCompletionRequest struct {
	Model    string                 `json:"model"`
	Messages []ChatMessage          `json:"messages,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
	Metadata map[string]any         `json:"metadata,omitempty"`

	Encrypted       bool           `json:"encrypted,omitempty"`
	ClientPublicKey string         `json:"client_public_key,omitempty"`
	CipherMessages  *EnvelopeRecord `json:"messages_envelope,omitempty"`
}

// Usage reports token counts for a completion, per the OpenAI shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice in a ChatCompletionResponse.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse mirrors OpenAI's ChatCompletion shape.
type ChatCompletionResponse struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	Model    string         `json:"model"`
	Choices  []Choice       `json:"choices"`
	Usage    Usage          `json:"usage"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Delta is the incremental content of one SSE frame's choice.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice within an SSE delta frame.
type StreamChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one `data: {...}` SSE frame body.
type ChatCompletionChunk struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	Model    string         `json:"model"`
	Choices  []StreamChoice `json:"choices"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
