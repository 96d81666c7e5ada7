package display

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/segmentation"
)

// SurfaceDispatcher renders one mesh actor per segment.
type SurfaceDispatcher struct {
	base

	mu       sync.Mutex
	rendered map[renderKey]map[string]SurfaceActor
}

// NewSurfaceDispatcher returns a surface dispatcher.
func NewSurfaceDispatcher(opts Options) *SurfaceDispatcher {
	return &SurfaceDispatcher{
		base:     newBase(models.Surface, opts),
		rendered: make(map[renderKey]map[string]SurfaceActor),
	}
}

// Render adds actors for geometries not yet shown, updates those whose
// color, opacity or visibility changed and removes those no longer in the
// surface data.
func (d *SurfaceDispatcher) Render(ctx context.Context, vp Viewport, uid string, global segmentation.GlobalConfig) error {
	in, err := d.prepare(ctx, vp, uid, global)
	if err != nil || in == nil {
		return err
	}
	data, ok := in.data.(models.SurfaceData)
	if !ok {
		return fmt.Errorf("representation %s has no surface data", uid)
	}

	key := renderKey{vp.ID(), uid}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.rendered[key]
	next := make(map[string]SurfaceActor, len(data.GeometryIDs))
	changed := 0
	for _, gid := range data.GeometryIDs {
		g, ok := d.caches.Geometries.GetGeometry(gid)
		if !ok || g.Mesh == nil {
			d.log.Warningf("surface geometry %s of %s is unavailable", gid, uid)
			continue
		}
		actor := SurfaceActor{
			GeometryID:   gid,
			SegmentIndex: g.SegmentIndex,
			Color:        in.color(g.SegmentIndex),
			Opacity:      in.style(g.SegmentIndex).Float("opacity", 1),
			Visible:      !in.hidden(g.SegmentIndex),
		}
		next[gid] = actor
		old, shown := prev[gid]
		switch {
		case !shown:
			if err := d.backend.AddSurface(vp.ID(), uid, actor); err != nil {
				return fmt.Errorf("add surface %s to viewport %s: %w", gid, vp.ID(), err)
			}
		case old != actor:
			if err := d.backend.UpdateSurface(vp.ID(), uid, actor); err != nil {
				return fmt.Errorf("update surface %s in viewport %s: %w", gid, vp.ID(), err)
			}
		default:
			continue
		}
		changed++
	}

	var stale []string
	for gid := range prev {
		if _, ok := next[gid]; !ok {
			stale = append(stale, gid)
		}
	}
	sort.Strings(stale)
	for _, gid := range stale {
		if err := d.backend.RemoveSurface(vp.ID(), uid, gid); err != nil {
			return fmt.Errorf("remove surface %s from viewport %s: %w", gid, vp.ID(), err)
		}
		changed++
	}
	d.rendered[key] = next
	if changed == 0 {
		return nil
	}
	d.publishRendered(vp, in.rep)
	return nil
}

// RemoveRepresentation drops every mesh actor of uid from the viewport.
func (d *SurfaceDispatcher) RemoveRepresentation(viewportID, uid string, immediate bool) {
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
