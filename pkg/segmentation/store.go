// Package segmentation is the authoritative in-memory store for
// segmentations, their representations, color LUTs and per-viewport
// visibility state. Every operation is synchronous and atomic: callers never
// observe a partially applied mutation. Change notifications are published
// after the mutation is complete and the store lock is released.
package segmentation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/colorlut"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/logging"
)

// GlobalConfig holds the rendering defaults shared by all representations.
type GlobalConfig struct {
	RenderInactiveSegmentations bool
	Representations             map[models.RepresentationKind]models.Style
}

// Clone returns a deep copy.
func (g GlobalConfig) Clone() GlobalConfig {
	out := GlobalConfig{
		RenderInactiveSegmentations: g.RenderInactiveSegmentations,
		Representations:             make(map[models.RepresentationKind]models.Style, len(g.Representations)),
	}
	for k, s := range g.Representations {
		out.Representations[k] = s.Clone()
	}
	return out
}

// Options configures a Store.
type Options struct {
	Bus          *events.Bus
	Logger       logging.Logger
	GlobalConfig GlobalConfig

	// ShareDefaultColorLUT makes representations registered without a LUT
	// share one default table instead of allocating a fresh one each
	ShareDefaultColorLUT bool
}

type viewportState struct {
	order   []string
	entries map[string]*models.ViewportEntry
}

// Store holds every segmentation record of the process.
type Store struct {
	mu sync.RWMutex

	segmentations   map[string]*models.Segmentation
	segOrder        []string
	representations map[string]*models.Representation
	viewports       map[string]*viewportState
	colorLUTs       []colorlut.Table
	sharedLUT       int
	global          GlobalConfig

	shareDefaultLUT bool
	bus             *events.Bus
	log             logging.Logger
}

// NewStore returns an empty store.
func NewStore(opts Options) *Store {
	global := opts.GlobalConfig.Clone()
	if global.Representations == nil {
		global.Representations = make(map[models.RepresentationKind]models.Style)
	}
	return &Store{
		segmentations:   make(map[string]*models.Segmentation),
		representations: make(map[string]*models.Representation),
		viewports:       make(map[string]*viewportState),
		sharedLUT:       -1,
		global:          global,
		shareDefaultLUT: opts.ShareDefaultColorLUT,
		bus:             opts.Bus,
		log:             logging.Or(opts.Logger),
	}
}

// Bus returns the notification bus, which may be nil.
func (s *Store) Bus() *events.Bus {
	return s.bus
}

func (s *Store) publish(evs ...events.Event) {
	for _, e := range evs {
		s.bus.Publish(e)
	}
}

// SegmentationInput describes one segmentation to add.
type SegmentationInput struct {
	SegmentationID string
	Label          string

	// Data is the initially loaded representation, if any
	Data models.RepresentationData
}

// AddSegmentations adds every input or none of them. It fails with
// ErrAlreadyExists if any id is already stored or repeated in the batch.
func (s *Store) AddSegmentations(inputs []SegmentationInput) error {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		if in.SegmentationID == "" {
			s.mu.Unlock()
			return fmt.Errorf("segmentation id is required")
		}
		if _, ok := s.segmentations[in.SegmentationID]; ok {
			s.mu.Unlock()
			return ErrAlreadyExists{Entity: EntitySegmentation, ID: in.SegmentationID}
		}
		if _, ok := seen[in.SegmentationID]; ok {
			s.mu.Unlock()
			return ErrAlreadyExists{Entity: EntitySegmentation, ID: in.SegmentationID}
		}
		seen[in.SegmentationID] = struct{}{}
	}

	evs := make([]events.Event, 0, len(inputs))
	for _, in := range inputs {
		seg := &models.Segmentation{
			SegmentationID:     in.SegmentationID,
			Label:              in.Label,
			RepresentationData: make(map[models.RepresentationKind]models.RepresentationData),
		}
		if in.Data != nil {
			seg.RepresentationData[in.Data.Kind()] = models.CloneRepresentationData(in.Data)
		}
		s.segmentations[in.SegmentationID] = seg
		s.segOrder = append(s.segOrder, in.SegmentationID)
		evs = append(evs, events.Event{Type: events.SegmentationAdded, SegmentationID: in.SegmentationID})
	}
	s.mu.Unlock()

	s.log.Debugf("added %d segmentation(s)", len(inputs))
	s.publish(evs...)
	return nil
}

// GetSegmentation returns a copy of the segmentation.
func (s *Store) GetSegmentation(id string) (*models.Segmentation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segmentations[id]
	if !ok {
		return nil, false
	}
	return seg.Clone(), true
}

// GetSegmentations returns copies of every segmentation in insertion order.
func (s *Store) GetSegmentations() []*models.Segmentation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Segmentation, 0, len(s.segOrder))
	for _, id := range s.segOrder {
		out = append(out, s.segmentations[id].Clone())
	}
	return out
}

// RemoveSegmentation deletes the segmentation, every representation of it and
// every viewport association referencing those representations. Removing an
// unknown id returns ErrNotFound and changes nothing.
func (s *Store) RemoveSegmentation(id string) error {
	s.mu.Lock()
	if _, ok := s.segmentations[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntitySegmentation, ID: id}
	}

	var evs []events.Event
	for _, uid := range s.representationUIDsLocked(id) {
		evs = append(evs, s.removeRepresentationLocked(uid)...)
	}
	delete(s.segmentations, id)
	for i, sid := range s.segOrder {
		if sid == id {
			s.segOrder = append(s.segOrder[:i], s.segOrder[i+1:]...)
			break
		}
	}
	evs = append(evs, events.Event{Type: events.SegmentationRemoved, SegmentationID: id})
	s.mu.Unlock()

	s.log.Debugf("removed segmentation %s", id)
	s.publish(evs...)
	return nil
}

// ReplaceSegmentation removes oldID the way RemoveSegmentation does and adds
// in, under one lock. Nothing changes when oldID is unknown or in's id is
// taken by a segmentation other than oldID.
func (s *Store) ReplaceSegmentation(oldID string, in SegmentationInput) error {
	if in.SegmentationID == "" {
		return fmt.Errorf("segmentation id is required")
	}
	s.mu.Lock()
	if _, ok := s.segmentations[oldID]; !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntitySegmentation, ID: oldID}
	}
	if _, ok := s.segmentations[in.SegmentationID]; ok && in.SegmentationID != oldID {
		s.mu.Unlock()
		return ErrAlreadyExists{Entity: EntitySegmentation, ID: in.SegmentationID}
	}

	var evs []events.Event
	for _, uid := range s.representationUIDsLocked(oldID) {
		evs = append(evs, s.removeRepresentationLocked(uid)...)
	}
	delete(s.segmentations, oldID)
	for i, sid := range s.segOrder {
		if sid == oldID {
			s.segOrder = append(s.segOrder[:i], s.segOrder[i+1:]...)
			break
		}
	}
	seg := &models.Segmentation{
		SegmentationID:     in.SegmentationID,
		Label:              in.Label,
		RepresentationData: make(map[models.RepresentationKind]models.RepresentationData),
	}
	if in.Data != nil {
		seg.RepresentationData[in.Data.Kind()] = models.CloneRepresentationData(in.Data)
	}
	s.segmentations[in.SegmentationID] = seg
	s.segOrder = append(s.segOrder, in.SegmentationID)
	evs = append(evs,
		events.Event{Type: events.SegmentationRemoved, SegmentationID: oldID},
		events.Event{Type: events.SegmentationAdded, SegmentationID: in.SegmentationID},
	)
	s.mu.Unlock()

	s.log.Debugf("replaced segmentation %s with %s", oldID, in.SegmentationID)
	s.publish(evs...)
	return nil
}

// SetRepresentationData stores data under its kind, replacing any previous
// payload of the same kind.
func (s *Store) SetRepresentationData(segmentationID string, data models.RepresentationData) error {
	s.mu.Lock()
	seg, ok := s.segmentations[segmentationID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntitySegmentation, ID: segmentationID}
	}
	seg.RepresentationData[data.Kind()] = models.CloneRepresentationData(data)
	s.mu.Unlock()

	s.publish(events.Event{Type: events.SegmentationModified, SegmentationID: segmentationID, Kind: data.Kind()})
	return nil
}

// UpdateRepresentationData applies fn to the stored payload of kind while
// holding the store lock. fn receives a copy and returns the replacement.
func (s *Store) UpdateRepresentationData(segmentationID string, kind models.RepresentationKind, fn func(models.RepresentationData) (models.RepresentationData, error)) error {
	s.mu.Lock()
	seg, ok := s.segmentations[segmentationID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntitySegmentation, ID: segmentationID}
	}
	current, ok := seg.RepresentationData[kind]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("segmentation %s has no %s data: %w", segmentationID, kind, ErrNotFoundSentinel)
	}
	next, err := fn(models.CloneRepresentationData(current))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if next == nil || next.Kind() != kind {
		s.mu.Unlock()
		return fmt.Errorf("update of %s data returned a different kind", kind)
	}
	seg.RepresentationData[kind] = next
	s.mu.Unlock()

	s.publish(events.Event{Type: events.SegmentationModified, SegmentationID: segmentationID, Kind: kind})
	return nil
}

// GetGlobalConfig returns a copy of the rendering defaults.
func (s *Store) GetGlobalConfig() GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.Clone()
}

// SetGlobalConfig replaces the rendering defaults and notifies every
// representation.
func (s *Store) SetGlobalConfig(cfg GlobalConfig) {
	s.mu.Lock()
	s.global = cfg.Clone()
	if s.global.Representations == nil {
		s.global.Representations = make(map[models.RepresentationKind]models.Style)
	}
	uids := s.sortedRepresentationUIDsLocked()
	s.mu.Unlock()

	for _, uid := range uids {
		s.publish(events.Event{Type: events.RepresentationModified, SegmentationRepresentationUID: uid})
	}
}

func (s *Store) representationUIDsLocked(segmentationID string) []string {
	var uids []string
	for uid, rep := range s.representations {
		if rep.SegmentationID == segmentationID {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids
}

func (s *Store) sortedRepresentationUIDsLocked() []string {
	uids := make([]string, 0, len(s.representations))
	for uid := range s.representations {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func newUID() string {
	return uuid.NewString()
}

// GenerateID returns a new random identifier, used for generated segmentation
// ids and derived image or volume ids.
func GenerateID() string {
	return uuid.NewString()
}
