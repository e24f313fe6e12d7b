package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentoven/chatrelay/internal/agents"
	"github.com/agentoven/chatrelay/internal/chat"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
)

const (
	maxErrorLength = 2048

	// imagePrompt is sent for images without a caption.
	imagePrompt = "Analyze this image and describe its content. If there is text in the image, read it in full."
)

var errEmptyMessage = errors.New("message has no content")

// userMessage builds the chat message of t: its text plus, when present,
// the image as a URL part.
func (h *Handler) userMessage(ctx context.Context, t *turn) (models.ChatMessage, error) {
	text := t.msg.Content()

	var url string
	if fileID := ImageFileID(t.msg, h.cfg.Telegram.PhotoSizeOffset); fileID != "" {
		f, err := t.bot.API.GetFile(ctx, fileID)
		if err != nil {
			return models.ChatMessage{}, fmt.Errorf("load image: %w", err)
		}
		if f.FilePath != "" {
			url = t.bot.API.FileURL(f.FilePath)
		}
	}

	if url == "" {
		if strings.TrimSpace(text) == "" {
			return models.ChatMessage{}, errEmptyMessage
		}
		return models.NewTextMessage(models.RoleUser, text), nil
	}

	if strings.TrimSpace(text) == "" {
		text = imagePrompt
	}
	return models.NewPartsMessage(models.RoleUser, models.TextPart(text), models.ImageURLPart(url)), nil
}

// ImageFileID picks the file to send to the model: a photo size chosen by
// offset (negative counts from the largest), else a document thumbnail.
func ImageFileID(msg *telegram.Message, offset int) string {
	if n := len(msg.Photo); n > 0 {
		i := offset
		if i < 0 {
			i = n + offset
		}
		i = max(0, min(i, n-1))
		return msg.Photo[i].FileID
	}
	if msg.Document != nil && msg.Document.Thumbnail != nil {
		return msg.Document.Thumbnail.FileID
	}
	return ""
}

// converse runs a chat turn and sends the answer. Failures are reported to
// the chat and returned.
func (h *Handler) converse(ctx context.Context, t *turn, msg models.ChatMessage, modifier chat.Modifier) error {
	cfg := h.overrides.Resolve(ctx, h.cfg.Agent, t.keys.Config)

	var (
		progress   *telegram.Progress
		onProgress contracts.ProgressFunc
	)
	if h.cfg.Telegram.StreamMode {
		if placeholder, err := t.sender.SendPlain(ctx, "..."); err == nil {
			t.sender.SetMessageID(placeholder.MessageID)
		} else {
			t.log.Warn().Err(err).Msg("Sending placeholder failed")
		}
		progress = telegram.NewProgress(t.sender)
		onProgress = progress.Update
	}
	if err := t.bot.API.SendChatAction(ctx, t.msg.Chat.ID, "typing"); err != nil {
		t.log.Debug().Err(err).Msg("Sending chat action failed")
	}

	res, err := h.chat.Complete(ctx, chat.Request{
		HistoryKey: t.keys.History,
		Message:    msg,
		Config:     &cfg,
		OnProgress: onProgress,
		Modifier:   modifier,
	})
	if errors.Is(err, agents.ErrNoAgent) {
		_, sendErr := t.sender.SendPlain(ctx, "LLM is not enable")
		return errors.Join(err, sendErr)
	}
	if err != nil {
		h.sendError(ctx, t, err)
		return err
	}

	if progress != nil {
		if err := progress.Wait(ctx); err != nil {
			return err
		}
	}
	if _, err := t.sender.SendRich(ctx, res.Text, h.cfg.Telegram.DefaultParseMode); err != nil {
		t.log.Warn().Err(err).Msg("Sending answer failed")
		return err
	}
	t.log.Info().Str("agent", res.Agent).Str("model", res.Model).Msg("Answer sent")
	return nil
}

// sendError reports err to the chat as "Error: <msg>".
func (h *Handler) sendError(ctx context.Context, t *turn, err error) {
	text := []rune("Error: " + err.Error())
	if len(text) > maxErrorLength {
		text = text[:maxErrorLength]
	}
	if _, sendErr := t.sender.SendPlain(ctx, string(text)); sendErr != nil {
		t.log.Warn().Err(sendErr).Msg("Sending error message failed")
	}
}
