package provider

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line; tool-call chunks can be large.
const maxSSELine = 1 << 20

type SSEEvent struct {
	Name string
	Data string
}

// SSEReader splits a text/event-stream body into events. Multi-line data
// fields are joined with "\n"; comments and ids are ignored.
type SSEReader struct {
	scanner *bufio.Scanner
}

func NewSSEReader(r io.Reader) *SSEReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEReader{scanner: s}
}

// Next returns the next event with a non-empty data field, or io.EOF.
func (r *SSEReader) Next() (SSEEvent, error) {
	var (
		ev   SSEEvent
		data []string
	)
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = SSEEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return SSEEvent{}, io.EOF
}
