package transform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRequest is the incoming OpenAI-shaped chat completion body, extended
// with the non-standard tuning fields this relay accepts (top_k,
// thinking_budget, reasoning_effort).
type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float32  `json:"temperature,omitempty"`
	TopP             *float32  `json:"top_p,omitempty"`
	TopK             *int      `json:"top_k,omitempty"`
	N                *int      `json:"n,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Stop             StopList  `json:"stop,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	PresencePenalty  *float32  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32  `json:"frequency_penalty,omitempty"`
	Seed             *int      `json:"seed,omitempty"`
	Logprobs         bool      `json:"logprobs,omitempty"`
	ResponseLogprobs bool      `json:"response_logprobs,omitempty"`
	ThinkingBudget   *int      `json:"thinking_budget,omitempty"`
	ReasoningEffort  string    `json:"reasoning_effort,omitempty"`
}

// Message carries the raw content so both plain-string and multi-part
// bodies parse.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one normalized piece of a message: text, or an image
// carried as a URL (usually a data: URI).
type ContentPart struct {
	Text     string
	ImageURL string
}

func (p ContentPart) IsImage() bool { return p.ImageURL != "" }

// TextPart builds a message with plain string content.
func TextPart(role, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Role: role, Content: b}
}

// ContentParts normalizes the message body. Unknown part types are skipped
// the way the upstream-compatible proxies in the wild do.
func (m Message) ContentParts() ([]ContentPart, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []ContentPart{{Text: asString}}, nil
	}
	var asParts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Image struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(m.Content, &asParts); err != nil {
		return nil, fmt.Errorf("message content must be a string or a part array: %w", err)
	}
	out := make([]ContentPart, 0, len(asParts))
	for _, p := range asParts {
		switch p.Type {
		case "text":
			out = append(out, ContentPart{Text: p.Text})
		case "image_url":
			if p.Image.URL != "" {
				out = append(out, ContentPart{ImageURL: p.Image.URL})
			}
		}
	}
	return out, nil
}

// PlainText joins the message's text parts, ignoring images.
func (m Message) PlainText() string {
	parts, err := m.ContentParts()
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if !p.IsImage() {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// StopList accepts both the single-string and array forms of the OpenAI
// stop field.
type StopList []string

func (s *StopList) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("stop must be a string or array of strings")
	}
	*s = StopList(many)
	return nil
}
