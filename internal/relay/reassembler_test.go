package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestReassemblerSplitMidLine checks the canonical two-chunk case: a frame
// split in the middle of its data line must come out as exactly one frame.
func TestReassemblerSplitMidLine(t *testing.T) {
	t.Parallel()

	re := NewReassembler(ResidualDiscard)
	frames := re.Feed([]byte("event: progress\ndata: {\"total_s"))
	require.Empty(t, frames)

	frames = re.Feed([]byte("aved\":3}\n\n"))
	require.Len(t, frames, 1)
	require.Equal(t, "progress", frames[0].Event)
	require.Equal(t, map[string]any{"total_saved": float64(3)}, frames[0].Data)
}

// TestReassemblerArbitrarySplits feeds the same stream at every chunk size
// and requires the frame sequence to be identical to the unsplit parse.
func TestReassemblerArbitrarySplits(t *testing.T) {
	t.Parallel()

	stream := []byte("event: progress\ndata: {\"total_saved\":1}\n\n" +
		"data: plain text\n\n" +
		"event: end\ndata: {\"status\":\"completed\",\"total_saved\":2}\n\n")

	reference := NewReassembler(ResidualDiscard).Feed(stream)
	require.Len(t, reference, 3)

	for size := 1; size <= len(stream); size++ {
		re := NewReassembler(ResidualDiscard)
		var frames []Frame
		for start := 0; start < len(stream); start += size {
			end := start + size
			if end > len(stream) {
				end = len(stream)
			}
			frames = append(frames, re.Feed(stream[start:end])...)
		}
		require.Equal(t, reference, frames, "chunk size %d", size)
	}
}

// TestReassemblerRawFallback verifies that a payload failing JSON parsing is
// forwarded as raw text instead of being dropped.
func TestReassemblerRawFallback(t *testing.T) {
	t.Parallel()

	re := NewReassembler(ResidualDiscard)
	frames := re.Feed([]byte("event: progress\ndata: 3 pages saved so far\n\n"))
	require.Len(t, frames, 1)
	require.Equal(t, "progress", frames[0].Event)
	require.Equal(t, "3 pages saved so far", frames[0].Data)
}

// TestReassemblerDefaultEvent covers upstream frames that omit the event line.
func TestReassemblerDefaultEvent(t *testing.T) {
	t.Parallel()

	re := NewReassembler(ResidualDiscard)
	frames := re.Feed([]byte("data: {\"total_saved\":7}\n\n"))
	require.Len(t, frames, 1)
	require.Equal(t, DefaultEvent, frames[0].Event)
}

// TestReassemblerBlankLineResetsEvent asserts a blank line drops a pending
// event token, so a later data line falls back to the default.
func TestReassemblerBlankLineResetsEvent(t *testing.T) {
	t.Parallel()

	re := NewReassembler(ResidualDiscard)
	require.Empty(t, re.Feed([]byte("\n\nevent: progress\n\n")))

	frames := re.Feed([]byte("data: 1\n"))
	require.Len(t, frames, 1)
	require.Equal(t, DefaultEvent, frames[0].Event)
}

func TestReassemblerCRLFLines(t *testing.T) {
	t.Parallel()

	re := NewReassembler(ResidualDiscard)
	frames := re.Feed([]byte("event: progress\r\ndata: {\"total_saved\":4}\r\n\r\n"))
	require.Len(t, frames, 1)
	require.Equal(t, "progress", frames[0].Event)
	require.Equal(t, map[string]any{"total_saved": float64(4)}, frames[0].Data)
}

// TestReassemblerClosePolicies covers the configurable handling of residual
// bytes when the connection ends mid-frame.
func TestReassemblerClosePolicies(t *testing.T) {
	t.Parallel()

	discard := NewReassembler(ResidualDiscard)
	discard.Feed([]byte("data: {\"incompl"))
	require.NoError(t, discard.Close())

	strict := NewReassembler(ResidualError)
	strict.Feed([]byte("data: {\"incompl"))
	require.ErrorIs(t, strict.Close(), ErrResidualBytes)

	clean := NewReassembler(ResidualError)
	clean.Feed([]byte("data: done\n\n"))
	require.NoError(t, clean.Close())
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	policy, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, ResidualDiscard, policy)

	policy, err = ParsePolicy("ERROR")
	require.NoError(t, err)
	require.Equal(t, ResidualError, policy)

	_, err = ParsePolicy("lenient")
	require.Error(t, err)
}

func TestFrameProgress(t *testing.T) {
	t.Parallel()

	frame := Frame{Event: "progress", Data: map[string]any{"total_saved": float64(12), "status": "processing"}}
	p, ok := frame.Progress()
	require.True(t, ok)
	require.Equal(t, int64(12), p.TotalSaved)
	require.Equal(t, "processing", p.Status)

	_, ok = Frame{Event: "progress", Data: "raw text"}.Progress()
	require.False(t, ok)
}
