package mailbox

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndDrain(t *testing.T) {
	m := New(0)
	m.Publish("s1", DestinationAdded, map[string]any{"destination_id": "dest-a"})
	m.Publish("s1", DestinationUpdated, map[string]any{"destination_id": "dest-a"})

	entries := m.Drain("s1")
	require.Len(t, entries, 2)
	assert.Equal(t, DestinationAdded, entries[0].Type)
	assert.Equal(t, DestinationUpdated, entries[1].Type)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())

	// Drained means gone.
	assert.Empty(t, m.Drain("s1"))
}

func TestDrainIsSessionScoped(t *testing.T) {
	m := New(0)
	m.Publish("s1", DestinationAdded, nil)
	m.Publish("s2", DestinationRemoved, nil)

	assert.Len(t, m.Drain("s1"), 1)
	assert.Equal(t, 1, m.Pending("s2"))
}

func TestAtMostOnceDeliveryUnderConcurrentDrains(t *testing.T) {
	m := New(0)
	const total = 500
	for i := 0; i < total; i++ {
		m.Publish("s1", DestinationUpdated, map[string]any{"n": i})
	}

	const drainers = 8
	results := make([][]Entry, drainers)
	var wg sync.WaitGroup
	for i := 0; i < drainers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = m.Drain("s1")
		}(i)
	}
	wg.Wait()

	// Every entry is delivered to exactly one drain; no overlap.
	seen := make(map[string]bool)
	delivered := 0
	for _, batch := range results {
		for _, entry := range batch {
			require.False(t, seen[entry.ID], "entry delivered twice")
			seen[entry.ID] = true
			delivered++
		}
	}
	assert.Equal(t, total, delivered)
}

func TestConcurrentPublishersAndDrainer(t *testing.T) {
	m := New(0)
	const publishers = 4
	const perPublisher = 100

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				m.Publish("s1", DestinationAdded, map[string]any{"p": fmt.Sprintf("%d-%d", p, i)})
			}
		}(p)
	}

	collected := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		collected += len(m.Drain("s1"))
		select {
		case <-done:
			collected += len(m.Drain("s1"))
			assert.Equal(t, publishers*perPublisher, collected)
			return
		default:
		}
	}
}

func TestCapacityBoundDropsOldest(t *testing.T) {
	m := New(3)
	for i := 0; i < 5; i++ {
		m.Publish("s1", DestinationAdded, map[string]any{"n": i})
	}

	entries := m.Drain("s1")
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].Payload["n"])
	assert.Equal(t, int64(2), m.Dropped())
}
