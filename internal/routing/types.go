package routing

import (
	"encoding/json"
	"strings"

	"github.com/BlockRunAI/ClawRouter/internal/catalog"
)

// Message is one chat turn. Content is kept raw because OpenAI allows either
// a plain string or an array of typed parts (text / image_url / input_audio).
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentPart is one element of a multi-part content array.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text returns the concatenated text of the message. Non-text parts are
// skipped.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasMedia reports whether the message carries any non-text part.
func (m Message) HasMedia() bool {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return false
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return false
	}
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			return true
		}
	}
	return false
}

// ChatRequest is the parsed OpenAI-compatible chat completion request. Only
// the fields the router inspects are typed; the original body bytes are kept
// by the caller and forwarded upstream with just the model field rewritten.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Seed        *int      `json:"seed,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Decision is the routing outcome for one request.
type Decision struct {
	TierProfile      string       `json:"tier_profile"`
	Tier             catalog.Tier `json:"tier"`
	Primary          string       `json:"primary_model"`
	Chain            []string     `json:"candidate_chain"`
	Reasoning        string       `json:"reasoning"`
	EstimatedCostUSD float64      `json:"cost_estimate"`
	Savings          float64      `json:"savings"`
}
