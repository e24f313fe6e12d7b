package history

import (
	"unicode/utf8"

	"github.com/agentoven/chatrelay/pkg/models"
)

// Counter estimates the token cost of a text.
type Counter func(text string) int

// CharCounter is the default estimator: one token per character. It is a
// length proxy, not a tokenizer.
func CharCounter(text string) int { return utf8.RuneCountInString(text) }

// Trim bounds history by count, then by token budget, and returns a
// contiguous suffix of it. A negative maxCount disables the count bound; a
// non-positive maxTokens disables the budget. Messages without text cost
// nothing but still count toward maxCount.
func Trim(history []models.ChatMessage, maxCount, maxTokens int, counter Counter) []models.ChatMessage {
	if counter == nil {
		counter = CharCounter
	}
	if maxCount >= 0 && len(history) > maxCount {
		history = history[len(history)-maxCount:]
	}
	if maxTokens <= 0 {
		return history
	}

	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		if text := history[i].TextContent(); text != "" {
			total += counter(text)
		}
		if total > maxTokens {
			return history[i+1:]
		}
	}
	return history
}
