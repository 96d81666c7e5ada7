package display

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/kdtree"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/segmentation"
)

type contourSnapshot struct {
	hidden map[int]bool
	styles map[int]models.Style
}

type contourAnnotations struct {
	segmentationID string
	bySegment      map[int][]string
}

// ContourDispatcher materializes contour lines as annotations and keeps their
// visibility and style in step with the viewport and configuration.
type ContourDispatcher struct {
	base

	mu       sync.Mutex
	rendered map[renderKey]*contourSnapshot
	owned    map[string]*contourAnnotations
}

// NewContourDispatcher returns a contour dispatcher.
func NewContourDispatcher(opts Options) *ContourDispatcher {
	if opts.Annotations == nil {
		opts.Annotations = NewMemoryAnnotations()
	}
	return &ContourDispatcher{
		base:     newBase(models.Contour, opts),
		rendered: make(map[renderKey]*contourSnapshot),
		owned:    make(map[string]*contourAnnotations),
	}
}

// Render creates annotations the first time a representation is drawn and
// afterwards only touches segments whose visibility or style changed.
func (d *ContourDispatcher) Render(ctx context.Context, vp Viewport, uid string, global segmentation.GlobalConfig) error {
	in, err := d.prepare(ctx, vp, uid, global)
	if err != nil || in == nil {
		return err
	}
	data, ok := in.data.(models.ContourData)
	if !ok {
		return fmt.Errorf("representation %s has no contour data", uid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key := renderKey{vp.ID(), uid}
	existing := d.owned[uid]
	if existing == nil {
		return d.create(vp, key, in, data)
	}
	return d.update(vp, key, in, existing)
}

func (d *ContourDispatcher) create(vp Viewport, key renderKey, in *renderInput, data models.ContourData) error {
	locator := newImageLocator(vp.Images())
	bySegment := make(map[int][]string)
	snap := &contourSnapshot{hidden: make(map[int]bool), styles: make(map[int]models.Style)}

	for _, gid := range data.GeometryIDs {
		g, ok := d.caches.Geometries.GetGeometry(gid)
		if !ok || g.Contour == nil {
			d.log.Warningf("contour geometry %s of %s is unavailable", gid, key.uid)
			continue
		}
		seg := g.SegmentIndex
		if _, seen := snap.styles[seg]; !seen {
			snap.styles[seg] = in.style(seg)
			snap.hidden[seg] = in.hidden(seg)
		}
		for _, line := range g.Contour.Lines {
			a := &Annotation{
				UID:                           uuid.NewString(),
				SegmentationID:                in.rep.SegmentationID,
				SegmentationRepresentationUID: key.uid,
				SegmentIndex:                  seg,
				FrameOfReferenceUID:           g.FrameOfReferenceUID,
				Points:                        append([][3]float64(nil), line.Points...),
				Closed:                        line.Closed,
				Color:                         in.color(seg),
				Visible:                       !snap.hidden[seg],
				Style:                         snap.styles[seg].Clone(),
			}
			if locator != nil {
				a.ReferencedImageID = locator.nearest(centroid(line.Points))
			}
			d.annotations.AddAnnotation(a)
			bySegment[seg] = append(bySegment[seg], a.UID)
		}
	}

	d.owned[key.uid] = &contourAnnotations{segmentationID: in.rep.SegmentationID, bySegment: bySegment}
	d.rendered[key] = snap
	err := d.store.UpdateRepresentationData(in.rep.SegmentationID, models.Contour, func(rd models.RepresentationData) (models.RepresentationData, error) {
		cd := rd.(models.ContourData)
		cd.AnnotationUIDsMap = copyAnnotationMap(bySegment)
		return cd, nil
	})
	if err != nil {
		return fmt.Errorf("record annotations of %s: %w", key.uid, err)
	}
	d.publishRendered(vp, in.rep)
	return nil
}

func (d *ContourDispatcher) update(vp Viewport, key renderKey, in *renderInput, existing *contourAnnotations) error {
	prev := d.rendered[key]
	next := &contourSnapshot{hidden: make(map[int]bool), styles: make(map[int]models.Style)}
	var flipped, restyled []int
	for seg := range existing.bySegment {
		next.hidden[seg] = in.hidden(seg)
		next.styles[seg] = in.style(seg)
		if prev == nil || prev.hidden[seg] != next.hidden[seg] {
			flipped = append(flipped, seg)
		}
		if prev == nil || !prev.styles[seg].Equal(next.styles[seg]) {
			restyled = append(restyled, seg)
		}
	}
	d.rendered[key] = next
	if len(flipped) == 0 && len(restyled) == 0 {
		return nil
	}

	sort.Ints(flipped)
	sort.Ints(restyled)
	for _, seg := range flipped {
		for _, auid := range existing.bySegment[seg] {
			d.annotations.SetAnnotationVisibility(auid, !next.hidden[seg])
		}
	}
	for _, seg := range restyled {
		for _, auid := range existing.bySegment[seg] {
			d.annotations.SetAnnotationStyle(auid, next.styles[seg])
		}
	}
	d.log.Debugf("viewport %s: contour %s updated %d visibility and %d style change(s)", vp.ID(), key.uid, len(flipped), len(restyled))
	d.publishRendered(vp, in.rep)
	return nil
}

// RemoveRepresentation forgets the viewport's render state. Once no viewport
// shows the representation its annotations are deleted.
func (d *ContourDispatcher) RemoveRepresentation(viewportID, uid string, immediate bool) {
	d.mu.Lock()
	key := renderKey{viewportID, uid}
	if _, ok := d.rendered[key]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.rendered, key)
	stillShown := false
	for k := range d.rendered {
		if k.uid == uid {
			stillShown = true
			break
		}
	}
	var removed *contourAnnotations
	if !stillShown {
		removed = d.owned[uid]
		delete(d.owned, uid)
	}
	d.mu.Unlock()

	if removed != nil {
		for _, uids := range removed.bySegment {
			for _, auid := range uids {
				d.annotations.RemoveAnnotation(auid)
			}
		}
		err := d.store.UpdateRepresentationData(removed.segmentationID, models.Contour, func(rd models.RepresentationData) (models.RepresentationData, error) {
			cd := rd.(models.ContourData)
			cd.AnnotationUIDsMap = make(map[int][]string)
			return cd, nil
		})
		if err != nil {
			d.log.Debugf("contour annotations of %s not cleared: %v", uid, err)
		}
	}
	if immediate {
		d.backend.Render(viewportID)
	}
}

func copyAnnotationMap(in map[int][]string) map[int][]string {
	out := make(map[int][]string, len(in))
	for seg, uids := range in {
		out[seg] = append([]string(nil), uids...)
	}
	return out
}

func centroid(points [][3]float64) [3]float64 {
	var c [3]float64
	if len(points) == 0 {
		return c
	}
	for _, p := range points {
		c[0] += p[0]
		c[1] += p[1]
		c[2] += p[2]
	}
	n := float64(len(points))
	return [3]float64{c[0] / n, c[1] / n, c[2] / n}
}

// imageLocator finds the stack image whose centre is closest to a point.
type imageLocator struct {
	tree *kdtree.Tree
	ids  map[[3]float64]string
}

func newImageLocator(images []*models.Image) *imageLocator {
	if len(images) == 0 {
		return nil
	}
	pts := make(kdtree.Points, 0, len(images))
	ids := make(map[[3]float64]string, len(images))
	for _, img := range images {
		c := imageCenter(img)
		if _, dup := ids[c]; !dup {
			pts = append(pts, kdtree.Point{c[0], c[1], c[2]})
		}
		ids[c] = img.ID
	}
	return &imageLocator{tree: kdtree.New(pts, false), ids: ids}
}

func (l *imageLocator) nearest(p [3]float64) string {
	got, _ := l.tree.Nearest(kdtree.Point{p[0], p[1], p[2]})
	q := got.(kdtree.Point)
	return l.ids[[3]float64{q[0], q[1], q[2]}]
}

func imageCenter(img *models.Image) [3]float64 {
	dir := img.Direction
	if dir == ([9]float64{}) {
		dir = models.IdentityDirection
	}
	u := img.Spacing[0] * float64(img.Width-1) / 2
	v := img.Spacing[1] * float64(img.Height-1) / 2
	return [3]float64{
		img.Origin[0] + dir[0]*u + dir[3]*v,
		img.Origin[1] + dir[1]*u + dir[4]*v,
		img.Origin[2] + dir[2]*u + dir[5]*v,
	}
}
