package completion

import (
	"strings"
	"time"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an immutable ordered sequence of messages.
type Conversation struct {
	messages []Message
}

// NewConversation copies msgs into a new Conversation.
func NewConversation(msgs ...Message) Conversation {
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	return Conversation{messages: cp}
}

// Messages returns a copy of the conversation's messages.
func (c Conversation) Messages() []Message {
	cp := make([]Message, len(c.messages))
	copy(cp, c.messages)
	return cp
}

// Len returns the number of messages.
func (c Conversation) Len() int {
	return len(c.messages)
}

const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 800 * time.Millisecond
)

// Config describes one orchestrated search. Models are tried in order for every
// credential; credentials are tried in order.
type Config struct {
	Models         []string
	Credentials    []string
	MaxRetries     int           // retries per model, so MaxRetries+1 calls per model at most
	AttemptTimeout time.Duration // 0 disables the per-attempt deadline
	BaseDelay      time.Duration // backoff is BaseDelay * 2^attempt
	Temperature    float64
}

// Trace annotations.
const (
	NoteSwitchModel       = "switch_model"
	NoteSwitchAPIKey      = "switch_api_key"
	NoteEmptyCompletion   = "empty_completion"
	NoteMalformedResponse = "malformed_response"
	NoteTimeout           = "timeout"
	NoteTransportError    = "transport_error"
	NoteModelNotFound     = "model_not_found"
	NoteFatal             = "fatal"
	NoteCancelled         = "cancelled"
	NoteCircuitOpen       = "circuit_open"
)

// Attempt is one entry of a trace: a physical call or a marker event.
// Records are never mutated once appended.
type Attempt struct {
	Credential int    `json:"keyIndex"`
	Model      string `json:"model"`
	Attempt    int    `json:"attempt"`
	Status     int    `json:"status"`
	LatencyMs  int64  `json:"ms"`
	BackoffMs  int64  `json:"backoffMs,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Marker reports whether the record is a logical event rather than a network call.
func (a Attempt) Marker() bool {
	return a.Note == NoteSwitchModel || a.Note == NoteSwitchAPIKey || a.Note == NoteCircuitOpen
}

// HasNote reports whether note is one of the record's comma separated annotations.
func (a Attempt) HasNote(note string) bool {
	for _, part := range strings.Split(a.Note, ",") {
		if strings.TrimSpace(part) == note {
			return true
		}
	}
	return false
}

// Trace is the ordered audit trail of one orchestrated call.
type Trace []Attempt

// Calls returns the number of physical network calls in the trace.
func (t Trace) Calls() int {
	n := 0
	for _, a := range t {
		if !a.Marker() {
			n++
		}
	}
	return n
}

// Retries returns the number of calls beyond the first.
func (t Trace) Retries() int {
	if n := t.Calls(); n > 1 {
		return n - 1
	}
	return 0
}

// Backoffs returns the number of backoff sleeps recorded in the trace.
func (t Trace) Backoffs() int {
	n := 0
	for _, a := range t {
		if a.BackoffMs > 0 {
			n++
		}
	}
	return n
}

// Outcome is the result of a search. Err is nil on success; Trace is populated either way.
type Outcome struct {
	Text      string `json:"text,omitempty"`
	UsedModel string `json:"usedModel,omitempty"`
	Trace     Trace  `json:"trace"`
	Err       error  `json:"-"`
}

// OK reports whether the search produced a completion.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// ChatRequest is the body sent to the chat-completions endpoint.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

// Usage is the token accounting returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the decoded provider response.
type ChatResponse struct {
	StatusCode int
	Content    string
	Usage      Usage
}
