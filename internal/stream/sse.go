package stream

import "strings"

// Event is one Server-Sent Event record.
type Event struct {
	Event string
	Data  string
}

// SSEDecoder assembles lines into Event records. Only the "event" and
// "data" fields are kept; other fields are ignored.
type SSEDecoder struct {
	event string
	data  []string
}

// Decode consumes one line. It returns a record when the line is the blank
// terminator of a non-empty record, and nil otherwise.
func (d *SSEDecoder) Decode(line string) *Event {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		if d.event == "" && len(d.data) == 0 {
			return nil
		}
		ev := &Event{Event: d.event, Data: strings.Join(d.data, "\n")}
		d.event = ""
		d.data = nil
		return ev
	}

	if strings.HasPrefix(line, ":") {
		return nil
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.event = value
	case "data":
		d.data = append(d.data, value)
	}
	return nil
}
