package display

import (
	"fmt"
	"sync"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/events"
)

// StaticViewport is a Viewport with fixed content.
type StaticViewport struct {
	ViewportID string
	VolumeID   string
	Stack      []*models.Image
}

func (v *StaticViewport) ID() string                { return v.ViewportID }
func (v *StaticViewport) ReferenceVolumeID() string { return v.VolumeID }
func (v *StaticViewport) Images() []*models.Image   { return v.Stack }

// MemoryBackend records actor state instead of drawing it. Render publishes
// RenderComplete on the bus synchronously.
type MemoryBackend struct {
	bus *events.Bus

	mu        sync.Mutex
	labelmaps map[renderKey]*LabelmapState
	surfaces  map[renderKey]map[string]SurfaceActor
	updates   int
	renders   int
}

// NewMemoryBackend returns a backend publishing to bus, which may be nil.
func NewMemoryBackend(bus *events.Bus) *MemoryBackend {
	return &MemoryBackend{
		bus:       bus,
		labelmaps: make(map[renderKey]*LabelmapState),
		surfaces:  make(map[renderKey]map[string]SurfaceActor),
	}
}

func (m *MemoryBackend) AddLabelmap(viewportID, uid string, state LabelmapState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	segments := make(map[int]SegmentAppearance, len(state.Segments))
	for idx, a := range state.Segments {
		segments[idx] = a
	}
	state.Segments = segments
	m.labelmaps[renderKey{viewportID, uid}] = &state
	return nil
}

func (m *MemoryBackend) UpdateLabelmap(viewportID, uid string, segments map[int]SegmentAppearance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.labelmaps[renderKey{viewportID, uid}]
	if !ok {
		return errNoActor(viewportID, uid)
	}
	for idx, a := range segments {
		state.Segments[idx] = a
	}
	m.updates++
	return nil
}

func (m *MemoryBackend) AddSurface(viewportID, uid string, actor SurfaceActor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := renderKey{viewportID, uid}
	if m.surfaces[key] == nil {
		m.surfaces[key] = make(map[string]SurfaceActor)
	}
	m.surfaces[key][actor.GeometryID] = actor
	return nil
}

func (m *MemoryBackend) UpdateSurface(viewportID, uid string, actor SurfaceActor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	actors, ok := m.surfaces[renderKey{viewportID, uid}]
	if !ok {
		return errNoActor(viewportID, uid)
	}
	actors[actor.GeometryID] = actor
	m.updates++
	return nil
}

func (m *MemoryBackend) RemoveSurface(viewportID, uid, geometryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	actors, ok := m.surfaces[renderKey{viewportID, uid}]
	if !ok {
		return errNoActor(viewportID, uid)
	}
	delete(actors, geometryID)
	m.updates++
	return nil
}

func (m *MemoryBackend) RemoveActors(viewportID, uid string) {
	m.mu.Lock()
	key := renderKey{viewportID, uid}
	delete(m.labelmaps, key)
	delete(m.surfaces, key)
	m.mu.Unlock()
}

func (m *MemoryBackend) Render(viewportIDs ...string) {
	m.mu.Lock()
	m.renders++
	m.mu.Unlock()
	m.bus.Publish(events.Event{Type: events.RenderComplete, ViewportIDs: append([]string(nil), viewportIDs...)})
}

// Labelmap returns a copy of the recorded labelmap actor.
func (m *MemoryBackend) Labelmap(viewportID, uid string) (LabelmapState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.labelmaps[renderKey{viewportID, uid}]
	if !ok {
		return LabelmapState{}, false
	}
	out := *state
	out.Segments = make(map[int]SegmentAppearance, len(state.Segments))
	for idx, a := range state.Segments {
		out.Segments[idx] = a
	}
	return out, true
}

// Surfaces returns the recorded surface actors keyed by geometry id.
func (m *MemoryBackend) Surfaces(viewportID, uid string) map[string]SurfaceActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SurfaceActor)
	for id, a := range m.surfaces[renderKey{viewportID, uid}] {
		out[id] = a
	}
	return out
}

// Updates returns how many incremental updates were applied.
func (m *MemoryBackend) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// Renders returns how many render passes were requested.
func (m *MemoryBackend) Renders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renders
}

func errNoActor(viewportID, uid string) error {
	return fmt.Errorf("no actor for %s in viewport %s", uid, viewportID)
}
