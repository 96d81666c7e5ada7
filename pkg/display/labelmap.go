package display

import (
	"context"
	"fmt"
	"sync"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/segmentation"
)

type labelmapSnapshot struct {
	source   string
	segments map[int]SegmentAppearance
}

// LabelmapDispatcher renders labelmaps as per-segment voxel appearance.
type LabelmapDispatcher struct {
	base

	mu       sync.Mutex
	rendered map[renderKey]*labelmapSnapshot
}

// NewLabelmapDispatcher returns a labelmap dispatcher.
func NewLabelmapDispatcher(opts Options) *LabelmapDispatcher {
	return &LabelmapDispatcher{
		base:     newBase(models.Labelmap, opts),
		rendered: make(map[renderKey]*labelmapSnapshot),
	}
}

// Render adds the labelmap actor on first use and afterwards sends only the
// segments whose appearance changed.
func (d *LabelmapDispatcher) Render(ctx context.Context, vp Viewport, uid string, global segmentation.GlobalConfig) error {
	in, err := d.prepare(ctx, vp, uid, global)
	if err != nil || in == nil {
		return err
	}

	state := LabelmapState{SegmentationID: in.rep.SegmentationID}
	switch data := in.data.(type) {
	case models.LabelmapVolume:
		state.VolumeID = data.VolumeID
	case models.LabelmapStack:
		for _, key := range data.ImageIDReferenceMap.Keys() {
			derived, _ := data.ImageIDReferenceMap.Get(key)
			if len(derived) > 0 {
				state.ImageIDs = append(state.ImageIDs, derived[0])
			}
		}
	default:
		return fmt.Errorf("representation %s has no labelmap data", uid)
	}
	source := state.VolumeID
	if source == "" {
		source = fmt.Sprint(state.ImageIDs)
	}

	state.Segments = make(map[int]SegmentAppearance, len(in.lut))
	opacity := make(map[int]float64, len(in.lut))
	for idx := 1; idx < len(in.lut); idx++ {
		style := in.style(idx)
		a := SegmentAppearance{
			Color:          in.color(idx),
			Visible:        !in.hidden(idx),
			RenderFill:     style.Bool("renderFill", true),
			RenderOutline:  style.Bool("renderOutline", true),
			FillAlpha:      style.Float("fillAlpha", 0.5),
			OutlineWidth:   style.Float("outlineWidth", 1),
			OutlineOpacity: style.Float("outlineOpacity", 1),
		}
		state.Segments[idx] = a
		if a.Visible && a.RenderFill {
			opacity[idx] = a.FillAlpha
		} else {
			opacity[idx] = 0
		}
	}

	key := renderKey{vp.ID(), uid}
	d.mu.Lock()
	prev := d.rendered[key]
	d.mu.Unlock()

	switch {
	case prev == nil || prev.source != source:
		if prev != nil {
			d.backend.RemoveActors(vp.ID(), uid)
		}
		if err := d.backend.AddLabelmap(vp.ID(), uid, state); err != nil {
			return fmt.Errorf("add labelmap %s to viewport %s: %w", uid, vp.ID(), err)
		}
	default:
		changed := make(map[int]SegmentAppearance)
		for idx, a := range state.Segments {
			if old, ok := prev.segments[idx]; !ok || old != a {
				changed[idx] = a
			}
		}
		if len(changed) == 0 {
			return nil
		}
		if err := d.backend.UpdateLabelmap(vp.ID(), uid, changed); err != nil {
			return fmt.Errorf("update labelmap %s in viewport %s: %w", uid, vp.ID(), err)
		}
	}

	d.mu.Lock()
	d.rendered[key] = &labelmapSnapshot{source: source, segments: state.Segments}
	d.mu.Unlock()

	if err := d.store.SetRenderingHandles(uid, map[string]any{
		"colorLUTIndex": in.rep.ColorLUTIndex,
		"opacity":       opacity,
	}); err != nil {
		return err
	}
	d.publishRendered(vp, in.rep)
	return nil
}

// RemoveRepresentation drops the labelmap actor from the viewport.
func (d *LabelmapDispatcher) RemoveRepresentation(viewportID, uid string, immediate bool) {
	key := renderKey{viewportID, uid}
	d.mu.Lock()
	_, ok := d.rendered[key]
	delete(d.rendered, key)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.backend.RemoveActors(viewportID, uid)
	if immediate {
		d.backend.Render(viewportID)
	}
}
