package events

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []string
	unsub := bus.Subscribe(SegmentationAdded, func(e Event) {
		got = append(got, e.SegmentationID)
	})

	bus.Publish(Event{Type: SegmentationAdded, SegmentationID: "seg1"})
	bus.Publish(Event{Type: SegmentationRemoved, SegmentationID: "other"})
	unsub()
	bus.Publish(Event{Type: SegmentationAdded, SegmentationID: "seg2"})

	if len(got) != 1 || got[0] != "seg1" {
		t.Errorf("Expected only seg1, got %v", got)
	}
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	bus := NewBus()
	var fired int32
	bus.Once(RenderComplete, func(Event) { atomic.AddInt32(&fired, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: RenderComplete})
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("Expected one-shot handler to fire once, fired %d times", fired)
	}
	if bus.Count(RenderComplete) != 0 {
		t.Error("One-shot subscription was not removed")
	}
}

func TestOnceHandlerMayPublishSameType(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Once(DataModified, func(Event) {
		calls++
		bus.Publish(Event{Type: DataModified})
	})
	bus.Publish(Event{Type: DataModified})

	if calls != 1 {
		t.Errorf("Expected handler to run once, ran %d times", calls)
	}
}

func TestPublishOnNilBus(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: DataModified})
}
