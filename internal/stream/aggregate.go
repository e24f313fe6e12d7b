package stream

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// ContinuationMarker is appended to every progress update.
const ContinuationMarker = "\n..."

// Source is anything that yields payloads the way Stream does.
type Source[T any] interface {
	Next() bool
	Current() T
	Err() error
}

// ProgressFunc receives the full text accumulated so far.
type ProgressFunc func(ctx context.Context, text string) error

// Throttle controls how often progress updates fire. An update fires once
// more than Step runes arrived since the previous one; Step then grows by
// StepIncrement. MinInterval, when positive, additionally delays an update
// until that much time passed since the previous one.
type Throttle struct {
	InitialStep   int
	StepIncrement int
	MinInterval   time.Duration

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// DefaultThrottle starts at 50 runes and grows by 20 per update.
func DefaultThrottle() Throttle {
	return Throttle{InitialStep: 50, StepIncrement: 20}
}

// Aggregate drains src, concatenating the fragments extract returns, and
// reports progress through onProgress (which may be nil). It never fails:
// a stream error is appended to the returned text as "\nError: <msg>".
func Aggregate[T any](ctx context.Context, src Source[T], extract func(T) string, onProgress ProgressFunc, th Throttle) string {
	now := th.Now
	if now == nil {
		now = time.Now
	}

	var (
		full        strings.Builder
		lengthDelta int
		step        = th.InitialStep
		lastUpdate  = now()
	)

	for src.Next() {
		part := extract(src.Current())
		if part == "" {
			continue
		}
		full.WriteString(part)
		lengthDelta += utf8.RuneCountInString(part)

		if lengthDelta <= step {
			continue
		}
		if th.MinInterval > 0 {
			t := now()
			if t.Sub(lastUpdate) < th.MinInterval {
				continue
			}
			lastUpdate = t
		}
		lengthDelta = 0
		step += th.StepIncrement

		if onProgress == nil {
			continue
		}
		if err := onProgress(ctx, full.String()+ContinuationMarker); err != nil {
			log.Warn().Err(err).Msg("Progress update failed")
		}
	}

	if err := src.Err(); err != nil {
		full.WriteString("\nError: " + err.Error())
	}
	return full.String()
}
