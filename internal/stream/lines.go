// Package stream decodes Server-Sent Event responses incrementally and
// aggregates the decoded fragments into throttled progress updates.
package stream

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LineDecoder splits a chunked byte stream into lines. It accepts "\n",
// "\r" and "\r\n" terminators, including a "\r\n" pair split across two
// chunks, and multi-byte UTF-8 characters split across chunks.
//
// A LineDecoder belongs to exactly one response body and is not safe for
// concurrent use.
type LineDecoder struct {
	decoder    transform.Transformer
	pending    []byte   // undecoded tail of a partial rune
	buffer     []string // partial line waiting for its terminator
	trailingCR bool
}

// NewLineDecoder returns a decoder with empty state.
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{decoder: unicode.UTF8.NewDecoder()}
}

// Decode consumes one chunk and returns the lines it completed.
func (d *LineDecoder) Decode(chunk []byte) []string {
	return d.split(d.decodeText(chunk, false))
}

// Flush returns the final partial line, if any, and resets the decoder.
func (d *LineDecoder) Flush() []string {
	var lines []string
	if len(d.pending) > 0 {
		lines = d.split(d.decodeText(nil, true))
	}
	if len(d.buffer) > 0 || d.trailingCR {
		lines = append(lines, strings.Join(d.buffer, ""))
	}
	d.buffer = nil
	d.trailingCR = false
	d.pending = nil
	return lines
}

func (d *LineDecoder) split(text string) []string {
	if d.trailingCR {
		text = "\r" + text
		d.trailingCR = false
	}
	// A final "\r" may be the first half of "\r\n": hold it for the next chunk.
	if strings.HasSuffix(text, "\r") {
		d.trailingCR = true
		text = text[:len(text)-1]
	}
	if text == "" {
		return nil
	}

	last := text[len(text)-1]
	trailingNewline := last == '\n' || last == '\r'
	lines := splitLines(text)

	if len(lines) == 1 && !trailingNewline {
		d.buffer = append(d.buffer, lines[0])
		return nil
	}
	if trailingNewline {
		// drop the empty segment after the final terminator
		lines = lines[:len(lines)-1]
	}
	if len(d.buffer) > 0 {
		lines[0] = strings.Join(d.buffer, "") + lines[0]
		d.buffer = nil
	}
	if !trailingNewline {
		d.buffer = []string{lines[len(lines)-1]}
		lines = lines[:len(lines)-1]
	}
	return lines
}

// splitLines splits on "\r\n", "\n" and "\r".
func splitLines(text string) []string {
	var (
		lines []string
		start int
	)
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			lines = append(lines, text[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, text[start:i])
			if i+1 < len(text) && text[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	return append(lines, text[start:])
}

func (d *LineDecoder) decodeText(chunk []byte, atEOF bool) string {
	src := chunk
	if len(d.pending) > 0 {
		src = make([]byte, 0, len(d.pending)+len(chunk))
		src = append(src, d.pending...)
		src = append(src, chunk...)
		d.pending = nil
	}
	if len(src) == 0 {
		return ""
	}

	// Each invalid byte expands to a 3-byte replacement character.
	dst := make([]byte, 3*len(src)+utf8.UTFMax)
	var out []byte
	for {
		nDst, nSrc, err := d.decoder.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		switch err {
		case nil:
			return string(out)
		case transform.ErrShortSrc:
			d.pending = append([]byte(nil), src...)
			return string(out)
		case transform.ErrShortDst:
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			return string(out)
		}
	}
}
