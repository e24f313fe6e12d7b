package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ── Chat Messages ────────────────────────────────────────────

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// ContentPart is one piece of a multi-part message: text or an image.
// An image carries either a URL or a base64 payload, never both.
type ContentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImageURLPart builds an image part referencing a remote URL.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Type: PartImage, URL: url}
}

// ImageBase64Part builds an image part from an inline base64 payload.
func ImageBase64Part(payload string) ContentPart {
	return ContentPart{Type: PartImage, Base64: payload}
}

// IsImage reports whether the part is an image.
func (p ContentPart) IsImage() bool { return p.Type == PartImage }

// ChatMessage is one turn of a conversation. Content is plain Text unless
// Parts is non-nil, in which case Parts is authoritative.
//
// On the wire content is either a JSON string or an array of parts.
type ChatMessage struct {
	Role  Role
	Text  string
	Parts []ContentPart
}

// NewTextMessage builds a plain text message.
func NewTextMessage(role Role, text string) ChatMessage {
	return ChatMessage{Role: role, Text: text}
}

// NewPartsMessage builds a multi-part message.
func NewPartsMessage(role Role, parts ...ContentPart) ChatMessage {
	return ChatMessage{Role: role, Parts: parts}
}

// IsMultipart reports whether the message carries content parts.
func (m ChatMessage) IsMultipart() bool { return m.Parts != nil }

// TextContent returns the textual content of the message: the plain text, or
// the concatenation of all text parts.
func (m ChatMessage) TextContent() string {
	if !m.IsMultipart() {
		return m.Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ImageCount returns the number of image parts.
func (m ChatMessage) ImageCount() int {
	n := 0
	for _, p := range m.Parts {
		if p.IsImage() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy; parts are not shared with the receiver.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Parts != nil {
		out.Parts = make([]ContentPart, len(m.Parts))
		copy(out.Parts, m.Parts)
	}
	return out
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes content as a string or as an array of parts.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if m.IsMultipart() {
		content, err = json.Marshal(m.Parts)
	} else {
		content, err = json.Marshal(m.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content})
}

// UnmarshalJSON accepts string, array or missing/null content.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = ChatMessage{Role: w.Role}

	raw := bytes.TrimSpace(w.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '"':
		return json.Unmarshal(raw, &m.Text)
	case '[':
		parts := []ContentPart{}
		if err := json.Unmarshal(raw, &parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		m.Parts = parts
		return nil
	default:
		return fmt.Errorf("unsupported message content: %s", raw)
	}
}

// ── Completion ──────────────────────────────────────────────

// LLMParams is what an agent receives: an optional system prompt plus the
// merged message list (history followed by the new turn).
type LLMParams struct {
	Prompt   string        `json:"prompt,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// CompletionResult is returned by every agent. Responses are appended to the
// conversation history; normally a single assistant message equal to Text.
type CompletionResult struct {
	Text      string        `json:"text"`
	Responses []ChatMessage `json:"responses"`
}

// NewCompletionResult wraps text into a result with one assistant message.
func NewCompletionResult(text string) *CompletionResult {
	return &CompletionResult{
		Text:      text,
		Responses: []ChatMessage{NewTextMessage(RoleAssistant, text)},
	}
}
