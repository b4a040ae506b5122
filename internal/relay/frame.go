// Package relay bridges the crawl engine's per-session status stream to a
// single downstream subscriber, reassembling frames across chunk boundaries.
package relay

import "encoding/json"

// DefaultEvent is assigned when the upstream omits an event token.
const DefaultEvent = "message"

// TerminalEvent marks the last frame of a session stream.
const TerminalEvent = "end"

// Frame is one (event, data) unit parsed off the upstream byte stream. Data
// holds the decoded JSON payload when the data line parses, otherwise the raw
// line text. Frames are transient; they are never persisted.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Progress captures the fields a progress or terminal payload may advertise.
type Progress struct {
	TotalSaved int64
	Status     string
}

// Progress extracts the advertised running total and status from a structured
// payload. The second return is false for raw-text payloads or payloads
// without recognizable fields.
func (f Frame) Progress() (Progress, bool) {
	obj, ok := f.Data.(map[string]any)
	if !ok {
		return Progress{}, false
	}
	var p Progress
	found := false
	if v, ok := obj["total_saved"]; ok {
		if n, ok := asInt64(v); ok {
			p.TotalSaved = n
			found = true
		}
	}
	if v, ok := obj["status"].(string); ok {
		p.Status = v
		found = true
	}
	return p, found
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
