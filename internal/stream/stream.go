package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoBody is returned when a response has no readable body to stream.
var ErrNoBody = errors.New("attempted to iterate over a response with no body")

// DoneSentinel marks the normal end of a streamed completion.
const DoneSentinel = "[DONE]"

// ParseResult is what a Parser makes of one event. Finish ends the stream;
// Data is yielded only when HasData is set.
type ParseResult[T any] struct {
	Finish  bool
	Data    T
	HasData bool
}

// Parser turns one SSE record into a payload.
type Parser[T any] func(ev Event) ParseResult[T]

// DefaultParser finishes on the "[DONE]" sentinel and yields every other
// record's data as raw JSON. Records that are not JSON are logged and skipped.
func DefaultParser(ev Event) ParseResult[json.RawMessage] {
	if strings.HasPrefix(ev.Data, DoneSentinel) {
		return ParseResult[json.RawMessage]{Finish: true}
	}
	if !json.Valid([]byte(ev.Data)) {
		log.Warn().Str("event", ev.Event).Str("data", ev.Data).Msg("Skipping SSE record with invalid JSON")
		return ParseResult[json.RawMessage]{}
	}
	return ParseResult[json.RawMessage]{Data: json.RawMessage(ev.Data), HasData: true}
}

// Stream is a lazy, single-pass sequence of payloads decoded from an SSE
// response body:
//
//	for s.Next() {
//		v := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
//
// Cancelling ctx ends the iteration silently; Err stays nil. Any other read
// failure is reported by Err. When the stream ends without reaching its done
// state (finish sentinel or end of body), cancel is invoked so the
// connection is released.
type Stream[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	parse  Parser[T]

	lines *LineDecoder
	sse   SSEDecoder
	buf   []byte

	queue []T
	cur   T
	err   error

	done   bool // reached the end normally
	ended  bool // nothing more will be read
	closed bool
}

// NewStream wraps resp. On a missing body it calls cancel and returns
// ErrNoBody.
func NewStream[T any](ctx context.Context, resp *http.Response, cancel context.CancelFunc, parse Parser[T]) (*Stream[T], error) {
	if cancel == nil {
		cancel = func() {}
	}
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		cancel()
		return nil, ErrNoBody
	}
	return &Stream[T]{
		ctx:    ctx,
		cancel: cancel,
		body:   resp.Body,
		parse:  parse,
		lines:  NewLineDecoder(),
		buf:    make([]byte, 4096),
	}, nil
}

// Next advances to the next payload.
func (s *Stream[T]) Next() bool {
	for {
		if len(s.queue) > 0 {
			s.cur = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}
		if s.ended {
			s.Close()
			return false
		}
		s.fill()
	}
}

// Current returns the payload Next advanced to.
func (s *Stream[T]) Current() T { return s.cur }

// Err returns the first non-abort read error.
func (s *Stream[T]) Err() error { return s.err }

// Done reports whether the stream reached its end normally.
func (s *Stream[T]) Done() bool { return s.done }

// Close releases the body. It is safe to call more than once.
func (s *Stream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ended = true
	s.queue = nil
	if !s.done {
		s.cancel()
	}
	return s.body.Close()
}

func (s *Stream[T]) fill() {
	if s.ctx.Err() != nil {
		s.ended = true
		return
	}

	n, err := s.body.Read(s.buf)
	if n > 0 {
		s.feed(s.lines.Decode(s.buf[:n]))
		if s.ended {
			return
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.feed(s.lines.Flush())
		s.done = true
		s.ended = true
	case s.ctx.Err() != nil:
		// aborted by the caller or a timeout
		s.ended = true
	default:
		s.err = err
		s.ended = true
	}
}

func (s *Stream[T]) feed(lines []string) {
	for _, line := range lines {
		ev := s.sse.Decode(line)
		if ev == nil {
			continue
		}
		res := s.parse(*ev)
		if res.Finish {
			s.done = true
			s.ended = true
			return
		}
		if res.HasData {
			s.queue = append(s.queue, res.Data)
		}
	}
}
