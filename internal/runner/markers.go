package runner

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/pynchy/pynchy/internal/bus"
)

// Output marker lines written by the agent runner inside the container. One
// JSON event sits between each pair.
const (
	markerStart = "---PYNCHY_OUTPUT_START---"
	markerEnd   = "---PYNCHY_OUTPUT_END---"
)

// eventParser accumulates stdout chunks and extracts complete marker-framed
// events. The buffer is bounded; chunks that would exceed the cap are dropped
// and the truncation flag set, while the stream keeps draining.
type eventParser struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newEventParser(max int) *eventParser {
	return &eventParser{max: max}
}

// Feed appends a chunk and returns every event completed by it, in order.
// Malformed frames are logged and skipped.
func (p *eventParser) Feed(chunk []byte) []bus.AgentEvent {
	if p.max > 0 && p.buf.Len()+len(chunk) > p.max {
		p.truncated = true
	} else {
		p.buf.Write(chunk)
	}

	var events []bus.AgentEvent
	for {
		data := p.buf.Bytes()
		start := bytes.Index(data, []byte(markerStart))
		if start < 0 {
			break
		}
		bodyStart := start + len(markerStart)
		end := bytes.Index(data[bodyStart:], []byte(markerEnd))
		if end < 0 {
			break
		}
		body := bytes.TrimSpace(data[bodyStart : bodyStart+end])
		p.buf.Next(bodyStart + end + len(markerEnd))

		var ev bus.AgentEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			slog.Warn("runner: bad output event, skipping", "error", err, "bytes", len(body))
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Truncated reports whether any stdout was dropped for size.
func (p *eventParser) Truncated() bool { return p.truncated }

// parseFinalOutput extracts the legacy final result from accumulated stdout:
// the last complete marker pair, falling back to the last non-empty line.
func parseFinalOutput(stdout []byte) (bus.AgentEvent, bool) {
	start := bytes.LastIndex(stdout, []byte(markerStart))
	if start >= 0 {
		body := stdout[start+len(markerStart):]
		if end := bytes.Index(body, []byte(markerEnd)); end >= 0 {
			var ev bus.AgentEvent
			if err := json.Unmarshal(bytes.TrimSpace(body[:end]), &ev); err == nil {
				return ev, true
			}
		}
	}

	lines := bytes.Split(stdout, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var ev bus.AgentEvent
		if err := json.Unmarshal(line, &ev); err == nil {
			return ev, true
		}
		return bus.AgentEvent{Type: bus.EventResult, Result: string(line)}, true
	}
	return bus.AgentEvent{}, false
}

// boundedBuffer keeps at most max bytes, dropping writes past the cap.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.max > 0 && b.buf.Len()+len(p) > b.max {
		b.truncated = true
		if room := b.max - b.buf.Len(); room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Tail returns the last n bytes.
func (b *boundedBuffer) Tail(n int) string {
	data := b.buf.Bytes()
	if len(data) <= n {
		return string(data)
	}
	return string(data[len(data)-n:])
}
