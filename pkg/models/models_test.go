package models_test

import (
	"encoding/json"
	"testing"

	"github.com/agentoven/chatrelay/pkg/models"
)

func TestChatMessage_TextContentJSON(t *testing.T) {
	msg := models.NewTextMessage(models.RoleUser, "hello")
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if got, want := string(data), `{"role":"user","content":"hello"}`; got != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestChatMessage_PartsJSON(t *testing.T) {
	raw := `{"role":"user","content":[{"type":"text","text":"look "},{"type":"image","url":"https://x/y.jpg"},{"type":"text","text":"here"}]}`

	var msg models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !msg.IsMultipart() {
		t.Fatal("expected multipart message")
	}
	if got := msg.TextContent(); got != "look here" {
		t.Errorf("TextContent() = %q, want %q", got, "look here")
	}
	if got := msg.ImageCount(); got != 1 {
		t.Errorf("ImageCount() = %d, want 1", got)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != raw {
		t.Errorf("Marshal() = %s, want %s", data, raw)
	}
}

func TestChatMessage_NullContent(t *testing.T) {
	var msg models.ChatMessage
	if err := json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Role != models.RoleAssistant {
		t.Errorf("Role = %q, want %q", msg.Role, models.RoleAssistant)
	}
	if msg.TextContent() != "" {
		t.Errorf("TextContent() = %q, want empty", msg.TextContent())
	}
}

func TestChatMessage_RejectsObjectContent(t *testing.T) {
	var msg models.ChatMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":{"a":1}}`), &msg); err == nil {
		t.Fatal("expected error for object content")
	}
}

func TestChatMessage_CloneDoesNotShareParts(t *testing.T) {
	orig := models.NewPartsMessage(models.RoleUser, models.TextPart("a"))
	c := orig.Clone()
	c.Parts[0].Text = "b"
	if orig.Parts[0].Text != "a" {
		t.Errorf("original mutated: %q", orig.Parts[0].Text)
	}
}

func TestNewCompletionResult(t *testing.T) {
	res := models.NewCompletionResult("answer")
	if len(res.Responses) != 1 {
		t.Fatalf("Responses len = %d, want 1", len(res.Responses))
	}
	if res.Responses[0].Role != models.RoleAssistant || res.Responses[0].Text != "answer" {
		t.Errorf("Responses[0] = %+v", res.Responses[0])
	}
}
