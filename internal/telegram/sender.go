package telegram

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// MaxMessageLength is the Bot API limit of one text message, in characters.
const MaxMessageLength = 4096

// Target addresses replies to one incoming message.
type Target struct {
	ChatID   int64
	ThreadID int
	// ReplyTo is the message answered; set in groups.
	ReplyTo           int
	AllowWithoutReply bool
}

// TargetFor returns the reply target of msg. Group messages are answered
// as replies so the conversation stays readable.
func TargetFor(msg *Message) Target {
	t := Target{ChatID: msg.Chat.ID}
	if msg.IsTopicMessage {
		t.ThreadID = msg.MessageThreadID
	}
	if msg.Chat.IsGroup() {
		t.ReplyTo = msg.MessageID
		t.AllowWithoutReply = true
	}
	return t
}

// Sender writes the answers to one message. Once a message id is known,
// text sends edit that message in place.
type Sender struct {
	api    *Client
	target Target

	mu        sync.Mutex
	messageID int
}

// NewSender creates a Sender for t.
func NewSender(api *Client, t Target) *Sender {
	return &Sender{api: api, target: t}
}

// MessageID returns the message edited by the next send, or 0.
func (s *Sender) MessageID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// SetMessageID makes later sends edit id.
func (s *Sender) SetMessageID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID = id
}

// SendPlain sends text without formatting.
func (s *Sender) SendPlain(ctx context.Context, text string) (*Message, error) {
	return s.sendLong(ctx, text, "")
}

// SendRich sends text rendered with parseMode. When the platform rejects
// the markup, the text is sent again as plain text.
func (s *Sender) SendRich(ctx context.Context, text, parseMode string) (*Message, error) {
	return s.sendLong(ctx, text, parseMode)
}

// SendMarkup sends text with a reply markup, editing the current message
// when there is one.
func (s *Sender) SendMarkup(ctx context.Context, text string, markup any) (*Message, error) {
	return s.send(ctx, text, "", s.MessageID(), markup)
}

// SendPhoto sends a photo by URL or file id.
func (s *Sender) SendPhoto(ctx context.Context, photo string) (*Message, error) {
	return s.api.SendPhoto(ctx, SendPhotoParams{
		ChatID:          s.target.ChatID,
		MessageThreadID: s.target.ThreadID,
		Photo:           photo,
		ReplyParameters: s.replyParameters(),
	})
}

// SendPhotoData uploads a photo.
func (s *Sender) SendPhotoData(ctx context.Context, data []byte, fileName string) (*Message, error) {
	return s.api.SendPhoto(ctx, SendPhotoParams{
		ChatID:          s.target.ChatID,
		MessageThreadID: s.target.ThreadID,
		Data:            data,
		FileName:        fileName,
		ReplyParameters: s.replyParameters(),
	})
}

func (s *Sender) sendLong(ctx context.Context, text, parseMode string) (*Message, error) {
	editID := s.MessageID()
	if parseMode != "" && len([]rune(text)) <= MaxMessageLength {
		msg, err := s.send(ctx, text, parseMode, editID, nil)
		if err == nil {
			return msg, nil
		}
		if _, limited := RetryAfter(err); limited || errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Debug().Err(err).Str("parse_mode", parseMode).Msg("Rich text rejected, sending plain text")
	}

	var last *Message
	for i, chunk := range SplitText(text, MaxMessageLength) {
		if i > 0 {
			editID = 0
		}
		msg, err := s.send(ctx, chunk, "", editID, nil)
		if err != nil {
			return nil, err
		}
		last = msg
	}
	return last, nil
}

func (s *Sender) send(ctx context.Context, text, parseMode string, editID int, markup any) (*Message, error) {
	if editID != 0 {
		msg, err := s.api.EditMessageText(ctx, EditMessageTextParams{
			ChatID:      s.target.ChatID,
			MessageID:   editID,
			Text:        text,
			ParseMode:   parseMode,
			ReplyMarkup: markup,
		})
		if IsNotModified(err) {
			return &Message{MessageID: editID, Chat: Chat{ID: s.target.ChatID}, Text: text}, nil
		}
		return msg, err
	}
	return s.api.SendMessage(ctx, SendMessageParams{
		ChatID:          s.target.ChatID,
		MessageThreadID: s.target.ThreadID,
		Text:            text,
		ParseMode:       parseMode,
		ReplyParameters: s.replyParameters(),
		ReplyMarkup:     markup,
	})
}

func (s *Sender) replyParameters() *ReplyParameters {
	if s.target.ReplyTo == 0 {
		return nil
	}
	return &ReplyParameters{
		MessageID:                s.target.ReplyTo,
		ChatID:                   s.target.ChatID,
		AllowSendingWithoutReply: s.target.AllowWithoutReply,
	}
}

// SplitText cuts text into pieces of at most limit runes. Empty text yields
// one empty piece.
func SplitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	chunks := make([]string, 0, len(runes)/limit+1)
	for i := 0; i < len(runes); i += limit {
		chunks = append(chunks, string(runes[i:min(i+limit, len(runes))]))
	}
	return chunks
}
