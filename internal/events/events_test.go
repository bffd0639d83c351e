package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := NewBus[LifecycleEvent](4)
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Publish(LifecycleEvent{Kind: Started, Operation: "sync", Entity: "notes"})

	for _, ch := range []<-chan LifecycleEvent{a, b} {
		ev := <-ch
		assert.Equal(t, Started, ev.Kind)
		assert.Equal(t, "notes", ev.Entity)
	}
	assert.Equal(t, 2, bus.Subscribers())
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus[ConflictEvent](1)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(ConflictEvent{Kind: Detected, RecordID: "1"})
	bus.Publish(ConflictEvent{Kind: Resolved, RecordID: "1"})

	assert.EqualValues(t, 1, bus.Dropped())
	ev := <-ch
	assert.Equal(t, Detected, ev.Kind)
}

func TestCancelClosesChannelOnce(t *testing.T) {
	bus := NewBus[LifecycleEvent](1)
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.Subscribers())
	bus.Publish(LifecycleEvent{Kind: Progress})
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus[LifecycleEvent](1)
	ch, cancel := bus.Subscribe()
	bus.Close()
	bus.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	bus.Publish(LifecycleEvent{Kind: Completed})
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	bus := NewBus[LifecycleEvent](8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch, cancel := bus.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(LifecycleEvent{Kind: Progress, Current: j})
			}
			cancel()
		}()
	}
	wg.Wait()
	require.Zero(t, bus.Subscribers())
}
