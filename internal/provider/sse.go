// ABOUTME: Minimal Server-Sent-Events reader used by the OpenAI and Anthropic adapters
// ABOUTME: Handles event/data fields, comments, CRLF line endings and multi-line data

package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed SSE event. Name is empty for unnamed events.
type sseEvent struct {
	Name string
	Data string
}

// sseReader parses a text/event-stream body one event at a time.
type sseReader struct {
	scanner *bufio.Scanner
}

// sseMaxLineSize accommodates large single-event payloads.
const sseMaxLineSize = 1024 * 1024

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineSize)
	return &sseReader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
// A read error from the underlying body is returned as-is.
func (r *sseReader) Next() (*sseEvent, error) {
	var name string
	var data []string
	dispatched := false

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		// Blank line dispatches the accumulated event
		if line == "" {
			if dispatched {
				return &sseEvent{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			continue
		}

		// Comment lines are ignored
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
			dispatched = true
		case "data":
			data = append(data, value)
			dispatched = true
		default:
			// id, retry and unknown fields are irrelevant here
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// A final event without a trailing blank line still counts
	if dispatched {
		return &sseEvent{Name: name, Data: strings.Join(data, "\n")}, nil
	}
	return nil, io.EOF
}
