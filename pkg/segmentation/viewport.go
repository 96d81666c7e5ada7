package segmentation

import (
	"segmentation3d/internal/models"
	"segmentation3d/pkg/events"
)

func (s *Store) entryLocked(viewportID, uid string) (*models.ViewportEntry, error) {
	if _, ok := s.representations[uid]; !ok {
		return nil, ErrNotFound{Entity: EntityRepresentation, ID: uid}
	}
	vp, ok := s.viewports[viewportID]
	if !ok {
		return nil, ErrNotFound{Entity: EntityViewport, ID: viewportID}
	}
	entry, ok := vp.entries[uid]
	if !ok {
		return nil, ErrNotFound{Entity: EntityViewport, ID: viewportID + "/" + uid}
	}
	return entry, nil
}

// GetViewportEntry returns a copy of the association of uid with viewportID.
func (s *Store) GetViewportEntry(viewportID, uid string) (models.ViewportEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.entryLocked(viewportID, uid)
	if err != nil {
		return models.ViewportEntry{}, err
	}
	return entry.Clone(), nil
}

func (s *Store) updateEntry(viewportID, uid string, fn func(*models.ViewportEntry) bool) error {
	s.mu.Lock()
	entry, err := s.entryLocked(viewportID, uid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := fn(entry)
	segID := s.representations[uid].SegmentationID
	s.mu.Unlock()

	if changed {
		s.publish(events.Event{
			Type:                          events.RepresentationModified,
			ViewportID:                    viewportID,
			SegmentationID:                segID,
			SegmentationRepresentationUID: uid,
		})
	}
	return nil
}

// SetSegmentationRepresentationVisibility shows or hides the whole
// representation in one viewport.
func (s *Store) SetSegmentationRepresentationVisibility(viewportID, uid string, visible bool) error {
	return s.updateEntry(viewportID, uid, func(e *models.ViewportEntry) bool {
		if e.Visible == visible {
			return false
		}
		e.Visible = visible
		return true
	})
}

// GetSegmentationRepresentationVisibility reports whether the representation
// is shown in the viewport.
func (s *Store) GetSegmentationRepresentationVisibility(viewportID, uid string) (bool, error) {
	entry, err := s.GetViewportEntry(viewportID, uid)
	if err != nil {
		return false, err
	}
	return entry.Visible, nil
}

// SetVisibilityForSegmentIndex shows or hides a single segment.
func (s *Store) SetVisibilityForSegmentIndex(viewportID, uid string, segmentIndex int, visible bool) error {
	return s.updateEntry(viewportID, uid, func(e *models.ViewportEntry) bool {
		_, hidden := e.SegmentsHidden[segmentIndex]
		if hidden == !visible {
			return false
		}
		if visible {
			delete(e.SegmentsHidden, segmentIndex)
		} else {
			e.SegmentsHidden[segmentIndex] = struct{}{}
		}
		return true
	})
}

// GetSegmentIndexVisibility reports whether a segment is shown.
func (s *Store) GetSegmentIndexVisibility(viewportID, uid string, segmentIndex int) (bool, error) {
	entry, err := s.GetViewportEntry(viewportID, uid)
	if err != nil {
		return false, err
	}
	_, hidden := entry.SegmentsHidden[segmentIndex]
	return !hidden, nil
}

// GetHiddenSegments returns the hidden segment indices in ascending order.
func (s *Store) GetHiddenSegments(viewportID, uid string) ([]int, error) {
	entry, err := s.GetViewportEntry(viewportID, uid)
	if err != nil {
		return nil, err
	}
	return entry.HiddenSegments(), nil
}

// SetActiveSegmentationRepresentation makes uid the only active
// representation of the viewport.
func (s *Store) SetActiveSegmentationRepresentation(viewportID, uid string) error {
	s.mu.Lock()
	if _, err := s.entryLocked(viewportID, uid); err != nil {
		s.mu.Unlock()
		return err
	}
	vp := s.viewports[viewportID]
	var evs []events.Event
	for _, u := range vp.order {
		e := vp.entries[u]
		active := u == uid
		if e.Active != active {
			e.Active = active
			evs = append(evs, events.Event{
				Type:                          events.RepresentationModified,
				ViewportID:                    viewportID,
				SegmentationID:                s.representations[u].SegmentationID,
				SegmentationRepresentationUID: u,
			})
		}
	}
	s.mu.Unlock()

	s.publish(evs...)
	return nil
}

// GetActiveSegmentationRepresentation returns the active representation of
// the viewport.
func (s *Store) GetActiveSegmentationRepresentation(viewportID string) (*models.Representation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vp, ok := s.viewports[viewportID]
	if !ok {
		return nil, false
	}
	for _, uid := range vp.order {
		if vp.entries[uid].Active {
			return s.representations[uid].Clone(), true
		}
	}
	return nil, false
}

// ViewportIDs returns every viewport with at least one association.
func (s *Store) ViewportIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedViewportIDsLocked()
}
