// Package events delivers segmentation change notifications to the rendering
// layer. Delivery is synchronous, in subscription order.
package events

import (
	"sync"

	"segmentation3d/internal/models"
)

// Type names a notification.
type Type string

const (
	SegmentationAdded      Type = "SEGMENTATION_ADDED"
	SegmentationRemoved    Type = "SEGMENTATION_REMOVED"
	SegmentationModified   Type = "SEGMENTATION_MODIFIED"
	RepresentationAdded    Type = "SEGMENTATION_REPRESENTATION_ADDED"
	RepresentationRemoved  Type = "SEGMENTATION_REPRESENTATION_REMOVED"
	RepresentationModified Type = "SEGMENTATION_REPRESENTATION_MODIFIED"
	RepresentationRendered Type = "SEGMENTATION_RENDERED"
	DataModified           Type = "SEGMENTATION_DATA_MODIFIED"
	RenderComplete         Type = "IMAGE_RENDERED"
	WorkerProgress         Type = "WEB_WORKER_PROGRESS"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type Type

	SegmentationID                string
	SegmentationRepresentationUID string
	ViewportID                    string
	Kind                          models.RepresentationKind

	// VolumeID and SliceIndices scope a DataModified event; nil SliceIndices
	// means the whole buffer changed
	VolumeID     string
	SliceIndices []int

	// ViewportIDs lists the viewports a RenderComplete covers
	ViewportIDs []string

	// TaskType, TaskID and Progress describe a WorkerProgress event
	TaskType string
	TaskID   string
	Progress int
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Type][]subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]subscription)}
}

// Subscribe registers h for every event of type t. The returned func removes
// the subscription.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	return b.add(t, h, false)
}

// Once registers h for the next event of type t only. Registering before the
// action that causes the event guarantees the handler sees it.
func (b *Bus) Once(t Type, h Handler) func() {
	return b.add(t, h, true)
}

func (b *Bus) add(t Type, h Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h, once: once})
	return func() { b.remove(t, id) }
}

func (b *Bus) remove(t Type, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers e to the current subscribers of e.Type. One-shot
// subscribers are removed before their handler runs, so a handler that
// publishes the same type again is not re-entered.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs[e.Type]...)
	b.mu.Unlock()

	for _, s := range subs {
		if s.once && !b.remove(e.Type, s.id) {
			// already fired from a concurrent Publish
			continue
		}
		s.handler(e)
	}
}

// Count returns the number of subscribers for t.
func (b *Bus) Count(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}
