package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubQueue_StartsInPausedState(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	defer sq.Close()

	sq.Enqueue(42)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive value while paused")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubQueue_ResumeDeliversQueued(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	defer sq.Close()

	sq.Enqueue(1)
	sq.Enqueue(2)
	sq.Enqueue(3)

	sq.SetPaused(false)

	assert.Equal(t, 1, <-sq.Chan())
	assert.Equal(t, 2, <-sq.Chan())
	assert.Equal(t, 3, <-sq.Chan())
}

func TestSubQueue_LimitDropsOldest(t *testing.T) {
	sq := NewSubQueue[int](1, 3)
	defer sq.Close()

	for i := 0; i < 5; i++ {
		sq.Enqueue(i)
	}
	assert.Equal(t, uint64(2), sq.Dropped())

	sq.SetPaused(false)

	got := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case v := <-sq.Chan():
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("timeout at index %d", i)
		}
	}
	assert.Equal(t, []int{2, 3, 4}, got)
}

func TestSubQueue_UnboundedKeepsEverything(t *testing.T) {
	sq := NewSubQueue[int](1, 0)
	defer sq.Close()

	for i := 0; i < 100; i++ {
		sq.Enqueue(i)
	}
	assert.Zero(t, sq.Dropped())

	sq.SetPaused(false)
	for i := 0; i < 100; i++ {
		select {
		case v := <-sq.Chan():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timeout at index %d", i)
		}
	}
}

func TestSubQueue_CloseStopsDispatcher(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	sq.SetPaused(false)

	sq.Enqueue(1)
	<-sq.Chan()

	sq.Close()

	select {
	case _, ok := <-sq.Chan():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestSubQueue_CloseWithBlockedSend(t *testing.T) {
	sq := NewSubQueue[int](0, 0)
	sq.SetPaused(false)

	// Nobody reads, so the dispatcher is parked on the send.
	sq.Enqueue(1)
	sq.Enqueue(2)
	time.Sleep(20 * time.Millisecond)

	sq.Close()

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-sq.Chan():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSubQueue_CloseWhilePaused(t *testing.T) {
	sq := NewSubQueue[int](10, 0)

	sq.Enqueue(1)
	sq.Enqueue(2)
	sq.Close()

	select {
	case _, ok := <-sq.Chan():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestSubQueue_EnqueueAfterClose(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	sq.SetPaused(false)
	sq.Close()

	require.NotPanics(t, func() {
		sq.Enqueue(42)
	})
	assert.Zero(t, sq.Dropped())
}

func TestSubQueue_MultipleCloses(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	sq.Close()

	require.NotPanics(t, func() {
		sq.Close()
	})
}

func TestSubQueue_PauseAndResume(t *testing.T) {
	sq := NewSubQueue[int](10, 0)
	defer sq.Close()

	sq.SetPaused(false)
	sq.Enqueue(1)
	assert.Equal(t, 1, <-sq.Chan())

	sq.SetPaused(true)
	sq.Enqueue(2)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive while paused")
	case <-time.After(50 * time.Millisecond):
	}

	sq.SetPaused(false)

	select {
	case val := <-sq.Chan():
		assert.Equal(t, 2, val)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value after resume")
	}
}

func TestSubQueue_ConcurrentEnqueue(t *testing.T) {
	sq := NewSubQueue[int](100, 0)
	defer sq.Close()

	sq.SetPaused(false)

	const producers, perProducer = 10, 10

	var wg sync.WaitGroup
	wg.Add(producers)
	for g := 0; g < producers; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				sq.Enqueue(g*100 + i)
			}
		}()
	}

	received := make([]int, 0, producers*perProducer)
	timeout := time.After(5 * time.Second)
	for len(received) < producers*perProducer {
		select {
		case v := <-sq.Chan():
			received = append(received, v)
		case <-timeout:
			t.Fatalf("received %d of %d values", len(received), producers*perProducer)
		}
	}
	wg.Wait()

	assert.Len(t, received, producers*perProducer)
}
