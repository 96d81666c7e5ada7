package display

import (
	"sort"
	"sync"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/colorlut"
)

// Annotation is one contour line materialized for the annotation layer.
type Annotation struct {
	UID                           string
	SegmentationID                string
	SegmentationRepresentationUID string
	SegmentIndex                  int
	FrameOfReferenceUID           string

	// ReferencedImageID is the stack image the line is drawn on, set for
	// stack viewports only
	ReferencedImageID string

	Points  [][3]float64
	Closed  bool
	Color   colorlut.Color
	Visible bool
	Style   models.Style
}

// AnnotationStore holds annotations created by the contour dispatcher.
type AnnotationStore interface {
	AddAnnotation(a *Annotation)
	GetAnnotation(uid string) (*Annotation, bool)
	RemoveAnnotation(uid string)
	SetAnnotationVisibility(uid string, visible bool)
	SetAnnotationStyle(uid string, style models.Style)
}

// MemoryAnnotations is a concurrency-safe in-process AnnotationStore.
type MemoryAnnotations struct {
	mu    sync.RWMutex
	items map[string]*Annotation
}

// NewMemoryAnnotations returns an empty store.
func NewMemoryAnnotations() *MemoryAnnotations {
	return &MemoryAnnotations{items: make(map[string]*Annotation)}
}

func (m *MemoryAnnotations) AddAnnotation(a *Annotation) {
	m.mu.Lock()
	m.items[a.UID] = a
	m.mu.Unlock()
}

// GetAnnotation returns a copy of the annotation.
func (m *MemoryAnnotations) GetAnnotation(uid string) (*Annotation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[uid]
	if !ok {
		return nil, false
	}
	out := *a
	out.Style = a.Style.Clone()
	return &out, true
}

func (m *MemoryAnnotations) RemoveAnnotation(uid string) {
	m.mu.Lock()
	delete(m.items, uid)
	m.mu.Unlock()
}

func (m *MemoryAnnotations) SetAnnotationVisibility(uid string, visible bool) {
	m.mu.Lock()
	if a, ok := m.items[uid]; ok {
		a.Visible = visible
	}
	m.mu.Unlock()
}

func (m *MemoryAnnotations) SetAnnotationStyle(uid string, style models.Style) {
	m.mu.Lock()
	if a, ok := m.items[uid]; ok {
		a.Style = style.Clone()
	}
	m.mu.Unlock()
}

// Len returns the number of annotations.
func (m *MemoryAnnotations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// UIDs returns every annotation uid, sorted.
func (m *MemoryAnnotations) UIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for uid := range m.items {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
