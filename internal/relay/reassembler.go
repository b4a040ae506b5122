package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ResidualPolicy controls what happens to unflushed bytes when a stream
// closes mid-frame.
type ResidualPolicy string

// Supported residual policies.
const (
	// ResidualDiscard silently drops a trailing incomplete frame on close.
	ResidualDiscard ResidualPolicy = "discard"
	// ResidualError reports a trailing incomplete frame as a stream error.
	ResidualError ResidualPolicy = "error"
)

// ErrResidualBytes is returned by Close under ResidualError when the stream
// ended with an unflushed partial frame.
var ErrResidualBytes = errors.New("stream closed with unflushed frame data")

// ParsePolicy validates a configured residual policy string.
func ParsePolicy(s string) (ResidualPolicy, error) {
	switch ResidualPolicy(strings.ToLower(s)) {
	case "", ResidualDiscard:
		return ResidualDiscard, nil
	case ResidualError:
		return ResidualError, nil
	default:
		return "", fmt.Errorf("unknown residual policy %q", s)
	}
}

// Reassembler turns raw byte chunks, arriving at arbitrary boundaries, into
// complete Frames. It keeps one residual buffer per connection; a Reassembler
// must not be shared across connections.
type Reassembler struct {
	policy   ResidualPolicy
	residual []byte
	event    string
}

// NewReassembler creates a Reassembler with the given close policy.
func NewReassembler(policy ResidualPolicy) *Reassembler {
	if policy == "" {
		policy = ResidualDiscard
	}
	return &Reassembler{policy: policy}
}

// Feed appends a chunk and returns every frame completed by it. A "data:"
// line flushes immediately with the pending event token (the upstream
// producer emits one payload per data line); a blank line resets the pending
// token. Lines matching neither prefix are ignored.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	r.residual = append(r.residual, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(r.residual, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(r.residual[:idx]), "\r")
		r.residual = r.residual[idx+1:]

		switch {
		case line == "":
			r.event = ""
		case strings.HasPrefix(line, "event:"):
			r.event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			frames = append(frames, r.flush(strings.TrimSpace(line[len("data:"):])))
		}
	}
	return frames
}

// Close finalizes the stream. Under ResidualError any non-blank residual
// bytes are reported; under ResidualDiscard they are dropped, matching the
// upstream producer's behavior of never emitting a partial final frame.
func (r *Reassembler) Close() error {
	residual := strings.TrimSpace(string(r.residual))
	r.residual = nil
	r.event = ""
	if residual != "" && r.policy == ResidualError {
		return fmt.Errorf("%w: %d bytes", ErrResidualBytes, len(residual))
	}
	return nil
}

func (r *Reassembler) flush(payload string) Frame {
	event := r.event
	if event == "" {
		event = DefaultEvent
	}
	r.event = ""

	// A payload that fails structured parsing is forwarded as raw text; the
	// consumer decides what to do with it.
	var data any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		data = payload
	}
	return Frame{Event: event, Data: data}
}
