package bus_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christiancopeland/The-Pulse-sub000/pkg/bus"
)

// Delivery happens inside Broadcast, so after Emit returns the event
// is already buffered on every matching subscriber.
func drain(sub *bus.Subscriber) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := bus.New(nil)

	all := b.Subscribe()
	coll := b.Subscribe(bus.CollectionStarted, bus.CollectionCompleted)

	b.Emit(bus.CollectionStarted, "rss", map[string]any{"collector": "rss"})
	b.Emit(bus.ProcessingStarted, "pipeline", nil)
	b.Emit(bus.CollectionCompleted, "rss", nil)

	got := drain(all)
	require.Len(t, got, 3, "empty filter set subscribes to everything")

	filtered := drain(coll)
	require.Len(t, filtered, 2)
	assert.Equal(t, bus.CollectionStarted, filtered[0].Type)
	assert.Equal(t, bus.CollectionCompleted, filtered[1].Type)
	assert.Equal(t, "rss", filtered[0].Source)
	assert.Equal(t, "rss", filtered[0].Payload["collector"])
}

func TestBroadcastStampsTimestamp(t *testing.T) {
	b := bus.New(nil)
	sub := b.Subscribe()

	b.Emit(bus.SystemStatus, "test", nil)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestRetainedRingKeepsLastHundred(t *testing.T) {
	b := bus.New(nil)

	for i := 0; i < 130; i++ {
		b.Emit(bus.SystemStatus, "test", map[string]any{"seq": i})
	}

	ring := b.Retained()
	require.Len(t, ring, 100)
	assert.Equal(t, 30, ring[0].Payload["seq"], "oldest retained event")
	assert.Equal(t, 129, ring[99].Payload["seq"], "newest retained event")
}

func TestSubscribeWithReplay(t *testing.T) {
	b := bus.New(nil)

	b.Emit(bus.CollectionStarted, "rss", map[string]any{"seq": 0})
	b.Emit(bus.ProcessingStarted, "pipeline", map[string]any{"seq": 1})
	b.Emit(bus.CollectionStarted, "gdelt", map[string]any{"seq": 2})

	sub := b.SubscribeWithReplay(bus.CollectionStarted)
	got := drain(sub)

	require.Len(t, got, 2, "replay is filtered")
	assert.Equal(t, 0, got[0].Payload["seq"], "replay is oldest first")
	assert.Equal(t, 2, got[1].Payload["seq"])
}

func TestSubscribeWithReplayCapsAtBuffer(t *testing.T) {
	b := bus.New(nil)

	for i := 0; i < 50; i++ {
		b.Emit(bus.SystemStatus, "test", map[string]any{"seq": i})
	}

	sub := b.SubscribeWithReplay()
	got := drain(sub)

	// The subscriber buffer holds 32; the most recent events win.
	require.Len(t, got, 32)
	assert.Equal(t, 18, got[0].Payload["seq"])
	assert.Equal(t, 49, got[31].Payload["seq"])
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := bus.New(nil)
	slow := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	// Fill the buffer without draining, then overflow it.
	for i := 0; i < 33; i++ {
		b.Emit(bus.SystemStatus, "test", map[string]any{"seq": i})
	}

	assert.Equal(t, 0, b.SubscriberCount(), "full buffer evicts the subscriber")

	got := drain(slow)
	assert.Len(t, got, 32, "buffered events stay readable after eviction")
	_, open := <-slow.C()
	assert.False(t, open, "channel is closed on eviction")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New(nil)
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.C()
	assert.False(t, open)

	// Unsubscribing twice must not panic on a closed channel.
	b.Unsubscribe(sub)
}

func TestListenersRunBeforeDelivery(t *testing.T) {
	b := bus.New(nil)

	var seen []bus.EventType
	b.AddListener(func(evt bus.Event) {
		seen = append(seen, evt.Type)
	})

	b.Emit(bus.CollectionStarted, "rss", nil)
	b.Emit(bus.CollectionFailed, "rss", nil)

	// Broadcast is synchronous, so the listener has already run.
	assert.Equal(t, []bus.EventType{bus.CollectionStarted, bus.CollectionFailed}, seen)
}

func TestPanickingListenerIsContained(t *testing.T) {
	b := bus.New(nil)

	var called int
	b.AddListener(func(bus.Event) { panic("listener bug") })
	b.AddListener(func(bus.Event) { called++ })
	sub := b.Subscribe()

	require.NotPanics(t, func() {
		b.Emit(bus.SystemStatus, "test", nil)
	})

	assert.Equal(t, 1, called, "later listeners still run")
	assert.Len(t, drain(sub), 1, "subscribers still get the event")
}

func TestConcurrentBroadcastsPreserveOrder(t *testing.T) {
	b := bus.New(nil)
	first := b.Subscribe()
	second := b.Subscribe()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				b.Emit(bus.SystemStatus, fmt.Sprintf("g%d", g), map[string]any{"i": i})
			}
		}(g)
	}
	wg.Wait()

	a := drain(first)
	z := drain(second)
	require.Len(t, a, 20)
	require.Len(t, z, 20)

	// Broadcasts are serialized: every subscriber observes the same
	// global order, whatever it turned out to be.
	for i := range a {
		assert.Equal(t, a[i].Source, z[i].Source, "position %d", i)
		assert.Equal(t, a[i].Payload["i"], z[i].Payload["i"], "position %d", i)
	}
}
