package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newsdesk/crawlrelay/internal/publisher/memory"
)

func TestRegistryUnknownLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	snap := r.Lookup("never-seen")
	require.Equal(t, StatusUnknown, snap.Status)
	require.Equal(t, "never-seen", snap.SessionID)
}

func TestRegistryTrackThenTerminal(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Track("s1")
	require.Equal(t, StatusProcessing, r.Lookup("s1").Status)

	require.True(t, r.MarkTerminal("s1", StatusCompleted, 9))
	snap := r.Lookup("s1")
	require.Equal(t, StatusCompleted, snap.Status)
	require.Equal(t, int64(9), snap.TotalSaved)

	// Terminal status is monotonic.
	require.False(t, r.MarkTerminal("s1", StatusFailed, 10))
	require.Equal(t, StatusCompleted, r.Lookup("s1").Status)
}

func TestRegistryMarkTerminalRaceSingleWinner(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	r := NewRegistry(nil, WithNotifier(pub, "crawl-terminal"))
	r.Track("s1")

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- r.MarkTerminal("s1", StatusCompleted, 3)
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners)
	require.Len(t, pub.Messages(), 1)
}

func TestRegistrySeedDoesNotDowngrade(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.True(t, r.MarkTerminal("s1", StatusFailed, 2))

	r.Seed(Snapshot{SessionID: "s1", Status: StatusProcessing, TotalSaved: 5, UpdatedAt: time.Now()})
	snap := r.Lookup("s1")
	require.Equal(t, StatusFailed, snap.Status)
	require.Equal(t, int64(5), snap.TotalSaved)
}

func TestRegistrySeedKeepsHighestTotal(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.Seed(Snapshot{SessionID: "s1", Status: StatusProcessing, TotalSaved: 7})
	r.Seed(Snapshot{SessionID: "s1", Status: StatusProcessing, TotalSaved: 4})
	require.Equal(t, int64(7), r.Lookup("s1").TotalSaved)
}

func TestRegistrySeedAnnouncesTerminal(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	r := NewRegistry(nil, WithNotifier(pub, "crawl-terminal"))
	r.Track("s1")

	r.Seed(Snapshot{SessionID: "s1", Status: StatusCompleted, TotalSaved: 3})
	require.Len(t, pub.Messages(), 1)

	// Repeated terminal seeds stay quiet.
	r.Seed(Snapshot{SessionID: "s1", Status: StatusCompleted, TotalSaved: 3})
	require.Len(t, pub.Messages(), 1)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, StatusCompleted, ParseStatus("completed"))
	require.Equal(t, StatusCompleted, ParseStatus("success"))
	require.Equal(t, StatusFailed, ParseStatus("error"))
	require.Equal(t, StatusProcessing, ParseStatus("processing"))
	require.Equal(t, StatusProcessing, ParseStatus("warming-up"))
	require.Equal(t, StatusUnknown, ParseStatus(""))
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusProcessing.Terminal())
}
