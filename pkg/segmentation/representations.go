package segmentation

import (
	"fmt"
	"sort"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/colorlut"
	"segmentation3d/pkg/events"
)

// RepresentationInput describes a representation a viewport requests.
type RepresentationInput struct {
	SegmentationID string
	Kind           models.RepresentationKind

	// UID reuses an existing representation when it is already stored; a new
	// one is generated when empty
	UID string

	// ColorLUTIndex selects an existing LUT; when nil, ColorLUT is registered
	// or, if that is empty too, a default table is allocated
	ColorLUTIndex *int
	ColorLUT      colorlut.Table

	ConversionEnabled bool
	Config            models.RepresentationConfig
}

// AddSegmentationRepresentations creates or reuses a representation for each
// input and associates it with viewportID. It returns the UIDs in input order.
// The batch is validated before anything is stored.
func (s *Store) AddSegmentationRepresentations(viewportID string, inputs []RepresentationInput) ([]string, error) {
	s.mu.Lock()
	for _, in := range inputs {
		if in.UID != "" {
			if rep, ok := s.representations[in.UID]; ok {
				if rep.SegmentationID != in.SegmentationID && in.SegmentationID != "" {
					s.mu.Unlock()
					return nil, fmt.Errorf("representation %s belongs to segmentation %s, not %s", in.UID, rep.SegmentationID, in.SegmentationID)
				}
				continue
			}
		}
		if _, ok := s.segmentations[in.SegmentationID]; !ok {
			s.mu.Unlock()
			return nil, ErrNotFound{Entity: EntitySegmentation, ID: in.SegmentationID}
		}
		switch in.Kind {
		case models.Labelmap, models.Contour, models.Surface:
		default:
			s.mu.Unlock()
			return nil, fmt.Errorf("unknown representation kind %q", in.Kind)
		}
	}

	uids := make([]string, 0, len(inputs))
	var evs []events.Event
	for _, in := range inputs {
		if in.UID != "" {
			if _, ok := s.representations[in.UID]; ok {
				evs = append(evs, s.attachLocked(viewportID, in.UID)...)
				uids = append(uids, in.UID)
				continue
			}
		}
		uid := in.UID
		if uid == "" {
			uid = newUID()
		}
		rep := &models.Representation{
			SegmentationRepresentationUID: uid,
			SegmentationID:                in.SegmentationID,
			Kind:                          in.Kind,
			ColorLUTIndex:                 s.resolveColorLUTLocked(in),
			ConversionPolicy:              models.ConversionPolicy{Enabled: in.ConversionEnabled},
			Config:                        in.Config.Clone(),
		}
		s.representations[uid] = rep
		evs = append(evs, events.Event{
			Type:                          events.RepresentationAdded,
			SegmentationID:                in.SegmentationID,
			SegmentationRepresentationUID: uid,
			Kind:                          in.Kind,
		})
		evs = append(evs, s.attachLocked(viewportID, uid)...)
		uids = append(uids, uid)
	}
	s.mu.Unlock()

	s.publish(evs...)
	return uids, nil
}

// AddSegmentationRepresentation is the single-input form of
// AddSegmentationRepresentations.
func (s *Store) AddSegmentationRepresentation(viewportID string, in RepresentationInput) (string, error) {
	uids, err := s.AddSegmentationRepresentations(viewportID, []RepresentationInput{in})
	if err != nil {
		return "", err
	}
	return uids[0], nil
}

// AddSegmentationRepresentationUIDToViewport associates an existing
// representation with another viewport without duplicating its state.
func (s *Store) AddSegmentationRepresentationUIDToViewport(viewportID, uid string) error {
	s.mu.Lock()
	if _, ok := s.representations[uid]; !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityRepresentation, ID: uid}
	}
	evs := s.attachLocked(viewportID, uid)
	s.mu.Unlock()

	s.publish(evs...)
	return nil
}

// attachLocked adds the association if missing. The first representation of
// a viewport becomes its active one.
func (s *Store) attachLocked(viewportID, uid string) []events.Event {
	vp, ok := s.viewports[viewportID]
	if !ok {
		vp = &viewportState{entries: make(map[string]*models.ViewportEntry)}
		s.viewports[viewportID] = vp
	}
	if _, ok := vp.entries[uid]; ok {
		return nil
	}
	vp.entries[uid] = &models.ViewportEntry{
		Visible:        true,
		Active:         len(vp.order) == 0,
		SegmentsHidden: make(map[int]struct{}),
	}
	vp.order = append(vp.order, uid)
	return []events.Event{{
		Type:                          events.RepresentationModified,
		ViewportID:                    viewportID,
		SegmentationID:                s.representations[uid].SegmentationID,
		SegmentationRepresentationUID: uid,
	}}
}

func (s *Store) resolveColorLUTLocked(in RepresentationInput) int {
	switch {
	case in.ColorLUTIndex != nil:
		idx := *in.ColorLUTIndex
		if idx < 0 || idx >= len(s.colorLUTs) || s.colorLUTs[idx] == nil {
			s.log.Warningf("color LUT %d is not registered, registering default palette there", idx)
			s.addColorLUTLocked(colorlut.Default(), idx)
		}
		return idx
	case len(in.ColorLUT) > 0:
		return s.addColorLUTLocked(in.ColorLUT, len(s.colorLUTs))
	case s.shareDefaultLUT:
		if s.sharedLUT < 0 || s.colorLUTs[s.sharedLUT] == nil {
			s.sharedLUT = s.addColorLUTLocked(colorlut.Default(), len(s.colorLUTs))
		}
		return s.sharedLUT
	}
	return s.addColorLUTLocked(colorlut.Default(), len(s.colorLUTs))
}

// GetRepresentation returns a copy of the representation.
func (s *Store) GetRepresentation(uid string) (*models.Representation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.representations[uid]
	if !ok {
		return nil, false
	}
	return rep.Clone(), true
}

// RepresentationCount returns the number of stored representations.
func (s *Store) RepresentationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.representations)
}

// GetRepresentationsForSegmentation returns copies ordered by UID.
func (s *Store) GetRepresentationsForSegmentation(segmentationID string) []*models.Representation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Representation
	for _, uid := range s.representationUIDsLocked(segmentationID) {
		out = append(out, s.representations[uid].Clone())
	}
	return out
}

// GetRepresentationsForViewport returns copies in association order.
func (s *Store) GetRepresentationsForViewport(viewportID string) []*models.Representation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vp, ok := s.viewports[viewportID]
	if !ok {
		return nil
	}
	out := make([]*models.Representation, 0, len(vp.order))
	for _, uid := range vp.order {
		out = append(out, s.representations[uid].Clone())
	}
	return out
}

// GetViewportIDsWithRepresentation returns the sorted viewports that show uid.
func (s *Store) GetViewportIDsWithRepresentation(uid string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for vid, vp := range s.viewports {
		if _, ok := vp.entries[uid]; ok {
			out = append(out, vid)
		}
	}
	sort.Strings(out)
	return out
}

// GetViewportIDsWithSegmentation returns the sorted viewports that show any
// representation of the segmentation.
func (s *Store) GetViewportIDsWithSegmentation(segmentationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for vid, vp := range s.viewports {
		for uid := range vp.entries {
			if s.representations[uid].SegmentationID == segmentationID {
				out = append(out, vid)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// RemoveRepresentation deletes the representation and every viewport
// association referencing it.
func (s *Store) RemoveRepresentation(uid string) error {
	s.mu.Lock()
	if _, ok := s.representations[uid]; !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityRepresentation, ID: uid}
	}
	evs := s.removeRepresentationLocked(uid)
	s.mu.Unlock()

	s.publish(evs...)
	return nil
}

func (s *Store) removeRepresentationLocked(uid string) []events.Event {
	rep := s.representations[uid]
	var evs []events.Event
	for _, vid := range s.sortedViewportIDsLocked() {
		if s.detachLocked(vid, uid) {
			evs = append(evs, events.Event{
				Type:                          events.RepresentationRemoved,
				ViewportID:                    vid,
				SegmentationID:                rep.SegmentationID,
				SegmentationRepresentationUID: uid,
			})
		}
	}
	delete(s.representations, uid)
	evs = append(evs, events.Event{
		Type:                          events.RepresentationRemoved,
		SegmentationID:                rep.SegmentationID,
		SegmentationRepresentationUID: uid,
		Kind:                          rep.Kind,
	})
	return evs
}

// RemoveSegmentationRepresentations detaches uids from viewportID, or every
// representation of the viewport when uids is empty. The representations
// themselves stay in the store.
func (s *Store) RemoveSegmentationRepresentations(viewportID string, uids []string) error {
	s.mu.Lock()
	vp, ok := s.viewports[viewportID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityViewport, ID: viewportID}
	}
	if len(uids) == 0 {
		uids = append([]string(nil), vp.order...)
	}
	for _, uid := range uids {
		if _, ok := vp.entries[uid]; !ok {
			s.mu.Unlock()
			return ErrNotFound{Entity: EntityViewport, ID: viewportID + "/" + uid}
		}
	}
	var evs []events.Event
	for _, uid := range uids {
		s.detachLocked(viewportID, uid)
		evs = append(evs, events.Event{
			Type:                          events.RepresentationRemoved,
			ViewportID:                    viewportID,
			SegmentationID:                s.representations[uid].SegmentationID,
			SegmentationRepresentationUID: uid,
		})
	}
	s.mu.Unlock()

	s.publish(evs...)
	return nil
}

func (s *Store) detachLocked(viewportID, uid string) bool {
	vp, ok := s.viewports[viewportID]
	if !ok {
		return false
	}
	entry, ok := vp.entries[uid]
	if !ok {
		return false
	}
	delete(vp.entries, uid)
	for i, u := range vp.order {
		if u == uid {
			vp.order = append(vp.order[:i], vp.order[i+1:]...)
			break
		}
	}
	if len(vp.order) == 0 {
		delete(s.viewports, viewportID)
		return true
	}
	if entry.Active {
		vp.entries[vp.order[0]].Active = true
	}
	return true
}

func (s *Store) sortedViewportIDsLocked() []string {
	out := make([]string, 0, len(s.viewports))
	for vid := range s.viewports {
		out = append(out, vid)
	}
	sort.Strings(out)
	return out
}

// GetSegmentationRepresentationConfig returns a copy of the representation's
// style layers.
func (s *Store) GetSegmentationRepresentationConfig(uid string) (models.RepresentationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.representations[uid]
	if !ok {
		return models.RepresentationConfig{}, ErrNotFound{Entity: EntityRepresentation, ID: uid}
	}
	return rep.Config.Clone(), nil
}

// SetSegmentationRepresentationConfig replaces the representation's style
// layers.
func (s *Store) SetSegmentationRepresentationConfig(uid string, cfg models.RepresentationConfig) error {
	return s.mutateRepresentation(uid, func(rep *models.Representation) {
		rep.Config = cfg.Clone()
	})
}

// SetConversionPolicy enables or disables derivation of missing kinds.
func (s *Store) SetConversionPolicy(uid string, enabled bool) error {
	return s.mutateRepresentation(uid, func(rep *models.Representation) {
		rep.ConversionPolicy.Enabled = enabled
	})
}

// SetRenderingHandles replaces the dispatcher-owned transfer state.
func (s *Store) SetRenderingHandles(uid string, handles map[string]any) error {
	s.mu.Lock()
	rep, ok := s.representations[uid]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityRepresentation, ID: uid}
	}
	rep.RenderingHandles = handles
	s.mu.Unlock()
	return nil
}

func (s *Store) mutateRepresentation(uid string, fn func(*models.Representation)) error {
	s.mu.Lock()
	rep, ok := s.representations[uid]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound{Entity: EntityRepresentation, ID: uid}
	}
	fn(rep)
	segID := rep.SegmentationID
	s.mu.Unlock()

	s.publish(events.Event{
		Type:                          events.RepresentationModified,
		SegmentationID:                segID,
		SegmentationRepresentationUID: uid,
	})
	return nil
}
