package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	sink := NewSink(16)
	defer sink.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	sink.Subscribe(func(evt Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	sink.Publish(Event{Type: TypeJobSent, JobID: "job-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscriber never received the event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != TypeJobSent || got[0].JobID != "job-1" {
		t.Errorf("Received %+v", got)
	}
	if got[0].At.IsZero() {
		t.Error("Publish must stamp the event time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// No dispatch consumer keeps up: buffer of one, slow subscriber.
	sink := NewSink(1)
	defer sink.Close()

	block := make(chan struct{})
	sink.Subscribe(func(Event) { <-block })

	start := time.Now()
	for i := 0; i < 100; i++ {
		sink.Publish(Event{Type: TypeJobEnqueued})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish blocked for %v", elapsed)
	}

	if sink.Dropped() == 0 {
		t.Error("Overflow must be counted as drops")
	}
	close(block)
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := NewSink(64)

	var mu sync.Mutex
	count := 0
	sink.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		sink.Publish(Event{Type: TypeJobSent})
	}
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("Delivered %d events before close, want 10", count)
	}
}

func TestPublishAfterCloseDropsWithoutPanic(t *testing.T) {
	sink := NewSink(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sink.Publish(Event{Type: TypeJobRetrying})
			}
		}()
	}
	sink.Close()
	wg.Wait()

	sink.Publish(Event{Type: TypeJobSent})
	if sink.Dropped() == 0 {
		t.Error("Publishes after close must be counted as drops")
	}
}
