package stream_test

import (
	"testing"

	"github.com/agentoven/chatrelay/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvents(lines []string) []stream.Event {
	var d stream.SSEDecoder
	var events []stream.Event
	for _, l := range lines {
		if ev := d.Decode(l); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func TestSSEDecoder_Record(t *testing.T) {
	events := decodeEvents([]string{
		"event: delta",
		"data: first",
		"data:  second",
		"",
	})
	require.Len(t, events, 1)
	assert.Equal(t, "delta", events[0].Event)
	// only one leading space is stripped
	assert.Equal(t, "first\n second", events[0].Data)
}

func TestSSEDecoder_IgnoresCommentsUnknownFieldsAndStrayBlanks(t *testing.T) {
	events := decodeEvents([]string{
		"",
		": keep-alive",
		"id: 7",
		"retry: 1000",
		"",
		"data: x\r",
		"",
		"",
	})
	require.Len(t, events, 1)
	assert.Equal(t, stream.Event{Data: "x"}, events[0])
}

func TestSSEDecoder_FieldWithoutColon(t *testing.T) {
	events := decodeEvents([]string{"data", ""})
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].Data)
}

func TestSSEDecoder_EventOnly(t *testing.T) {
	events := decodeEvents([]string{"event: ping", ""})
	require.Len(t, events, 1)
	assert.Equal(t, stream.Event{Event: "ping"}, events[0])
}

func TestSSEDecoder_RechunkingInvariant(t *testing.T) {
	raw := []byte("event: a\ndata: 1\ndata: 2\n\n: comment\r\ndata: {\"x\":\"é\"}\r\n\r\nevent: b\rdata: 3\r\r")

	events := func(chunks [][]byte) []stream.Event {
		return decodeEvents(decodeAll(chunks))
	}
	want := events([][]byte{raw})
	require.Len(t, want, 3)

	for i := 0; i <= len(raw); i++ {
		for j := i; j <= len(raw); j += 3 {
			got := events([][]byte{raw[:i], raw[i:j], raw[j:]})
			require.Equal(t, want, got, "split at %d,%d", i, j)
		}
	}
}
