package agents

import (
	"context"
	"encoding/json"

	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/sjson"
)

// ImageSupport is the set of image encodings an endpoint accepts.
type ImageSupport uint8

const (
	ImageURL ImageSupport = 1 << iota
	ImageBase64

	NoImages ImageSupport = 0
)

func (s ImageSupport) has(f ImageSupport) bool { return s&f != 0 }

// Renderer turns chat messages into OpenAI-style request messages.
type Renderer struct {
	images *ImageFetcher
	// base64Transfer downloads URL images and inlines them when the
	// endpoint accepts base64.
	base64Transfer bool
}

// NewRenderer creates a Renderer. images may be nil when base64Transfer is
// off.
func NewRenderer(images *ImageFetcher, base64Transfer bool) *Renderer {
	return &Renderer{images: images, base64Transfer: base64Transfer}
}

// Messages renders msgs. A non-empty prompt becomes the leading system
// message, replacing one already there.
func (r *Renderer) Messages(ctx context.Context, prompt string, msgs []models.ChatMessage, support ImageSupport) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, r.message(ctx, m, support))
	}
	if prompt != "" {
		if len(out) > 0 && out[0].Role == openai.ChatMessageRoleSystem {
			out = out[1:]
		}
		out = append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: prompt}}, out...)
	}
	return out
}

func (r *Renderer) message(ctx context.Context, m models.ChatMessage, support ImageSupport) openai.ChatCompletionMessage {
	res := openai.ChatCompletionMessage{Role: string(m.Role)}
	if !m.IsMultipart() {
		res.Content = m.Text
		return res
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case models.PartImage:
			if url := r.imageURL(ctx, p, support); url != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: url},
				})
			}
		}
	}
	res.MultiContent = parts
	return res
}

// imageURL returns the image_url value for p, or "" when the endpoint
// cannot take it.
func (r *Renderer) imageURL(ctx context.Context, p models.ContentPart, support ImageSupport) string {
	switch {
	case p.URL != "":
		if r.base64Transfer && r.images != nil && support.has(ImageBase64) {
			data, err := r.images.Base64(ctx, p.URL)
			if err == nil {
				return DataURI(data)
			}
			log.Warn().Err(err).Msg("Image download failed, sending URL")
		}
		if support.has(ImageURL) {
			return p.URL
		}
	case p.Base64 != "" && support.has(ImageBase64):
		return DataURI(p.Base64)
	}
	return ""
}

// requestBody encodes a chat completion body. extra is the base the named
// fields are written over.
func requestBody(extra map[string]any, fields map[string]any) ([]byte, error) {
	body := []byte("{}")
	if len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err != nil {
			return nil, err
		}
		body = b
	}
	for _, k := range sortedKeys(fields) {
		var err error
		body, err = sjson.SetBytes(body, k, fields[k])
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}
