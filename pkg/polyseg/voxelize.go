package polyseg

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/segmentation"
	"segmentation3d/pkg/volume"
)

const snapTolerance = 1e-6

// ray offsets keep scanlines off mesh edges and quad diagonals
const (
	rayOffsetY = 1e-4
	rayOffsetZ = 2e-4
)

func (e *Engine) geometries(ids []string) ([]*models.Geometry, error) {
	out := make([]*models.Geometry, 0, len(ids))
	for _, id := range ids {
		g, ok := e.caches.Geometries.GetGeometry(id)
		if !ok {
			return nil, fmt.Errorf("geometry %s is not cached", id)
		}
		out = append(out, g)
	}
	return out, nil
}

// targetVolume allocates an empty labelmap. With a reference volume the grid is
// copied from it; otherwise an axis-aligned grid covers [lo, hi]. centered
// places voxel centres half a voxel inside the bounds, for geometry that runs
// along voxel faces rather than through voxel centres.
func (e *Engine) targetVolume(cc ConversionContext, lo, hi, spacing [3]float64, centered bool, frame string) (*models.Volume, error) {
	if cc.ReferenceVolumeID != "" {
		ref, ok := e.caches.Volumes.GetVolume(cc.ReferenceVolumeID)
		if !ok {
			return nil, fmt.Errorf("reference volume %s: %w", cc.ReferenceVolumeID, segmentation.ErrMissingReference)
		}
		return &models.Volume{
			ID:                  uuid.NewString(),
			Dimensions:          ref.Dimensions,
			Spacing:             ref.Spacing,
			Origin:              ref.Origin,
			Direction:           ref.Direction,
			ScalarData:          make([]uint8, ref.VoxelCount()),
			ReferencedImageIDs:  append([]string(nil), ref.ReferencedImageIDs...),
			ReferencedVolumeID:  ref.ID,
			FrameOfReferenceUID: ref.FrameOfReferenceUID,
		}, nil
	}

	vol := &models.Volume{
		ID:                  uuid.NewString(),
		Spacing:             spacing,
		Direction:           models.IdentityDirection,
		FrameOfReferenceUID: frame,
	}
	for a := 0; a < 3; a++ {
		extent := math.Round((hi[a] - lo[a]) / spacing[a])
		if centered {
			vol.Origin[a] = lo[a] + spacing[a]/2
			vol.Dimensions[a] = int(extent)
		} else {
			vol.Origin[a] = lo[a]
			vol.Dimensions[a] = int(extent) + 1
		}
		if vol.Dimensions[a] < 1 {
			vol.Dimensions[a] = 1
		}
	}
	vol.ScalarData = make([]uint8, vol.VoxelCount())
	return vol, nil
}

func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < snapTolerance {
		return r
	}
	return v
}

// contourVolume rasterizes every contour line into a new labelmap. Each line
// is filled on the slice nearest its mean k index.
func (e *Engine) contourVolume(seg *models.Segmentation, cc ConversionContext) (*models.Volume, error) {
	data, ok := seg.RepresentationData[models.Contour].(models.ContourData)
	if !ok {
		return nil, fmt.Errorf("segmentation %s has no contour data", seg.SegmentationID)
	}
	geoms, err := e.geometries(data.GeometryIDs)
	if err != nil {
		return nil, err
	}

	var xs, ys, zs, planes []float64
	frame := ""
	for _, g := range geoms {
		frame = g.FrameOfReferenceUID
		for _, line := range g.Contour.Lines {
			lineZ := make([]float64, len(line.Points))
			for i, p := range line.Points {
				xs = append(xs, p[0])
				ys = append(ys, p[1])
				zs = append(zs, p[2])
				lineZ[i] = p[2]
			}
			if len(lineZ) > 0 {
				planes = append(planes, stat.Mean(lineZ, nil))
			}
		}
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("contours of segmentation %s have no points", seg.SegmentationID)
	}

	lo := [3]float64{floats.Min(xs), floats.Min(ys), floats.Min(zs)}
	hi := [3]float64{floats.Max(xs), floats.Max(ys), floats.Max(zs)}
	vol, err := e.targetVolume(cc, lo, hi, [3]float64{1, 1, planeSpacing(planes)}, false, frame)
	if err != nil {
		return nil, err
	}
	tr, err := volume.NewTransform(vol.Origin, vol.Spacing, vol.Direction)
	if err != nil {
		return nil, err
	}

	w, h, d := vol.Dimensions[0], vol.Dimensions[1], vol.Dimensions[2]
	skipped := 0
	for _, g := range geoms {
		for _, line := range g.Contour.Lines {
			if len(line.Points) == 0 {
				continue
			}
			pts := make([][2]float64, len(line.Points))
			ks := make([]float64, len(line.Points))
			for i, p := range line.Points {
				idx := tr.WorldToIndex(p)
				pts[i] = [2]float64{snap(idx[0]), snap(idx[1])}
				ks[i] = idx[2]
			}
			k := int(math.Round(stat.Mean(ks, nil)))
			if k < 0 || k >= d {
				skipped++
				continue
			}
			fillPolygon(vol.ScalarData[k*w*h:(k+1)*w*h], w, h, pts, line.Closed, uint8(g.SegmentIndex))
		}
	}
	if skipped > 0 {
		e.log.Debugf("segmentation %s: %d contour line(s) outside labelmap %s", seg.SegmentationID, skipped, vol.ID)
	}
	return vol, nil
}

// planeSpacing returns the smallest gap between distinct contour planes, or 1.
func planeSpacing(planes []float64) float64 {
	sorted := append([]float64(nil), planes...)
	sort.Float64s(sorted)
	best := math.Inf(1)
	for i := 1; i < len(sorted); i++ {
		if gap := sorted[i] - sorted[i-1]; gap > snapTolerance && gap < best {
			best = gap
		}
	}
	if math.IsInf(best, 1) {
		return 1
	}
	return best
}

// fillPolygon sets every pixel whose centre lies inside the polygon (even-odd
// rule, half-open in y) and every vertex pixel.
func fillPolygon(plane []uint8, w, h int, pts [][2]float64, closed bool, label uint8) {
	for _, p := range pts {
		x, y := int(math.Round(p[0])), int(math.Round(p[1]))
		if x >= 0 && y >= 0 && x < w && y < h {
			plane[y*w+x] = label
		}
	}
	if !closed || len(pts) < 3 {
		return
	}

	ymin, ymax := pts[0][1], pts[0][1]
	for _, p := range pts {
		ymin = math.Min(ymin, p[1])
		ymax = math.Max(ymax, p[1])
	}
	j0 := int(math.Max(0, math.Ceil(ymin)))
	j1 := int(math.Min(float64(h-1), math.Floor(ymax)))
	var xs []float64
	for j := j0; j <= j1; j++ {
		y := float64(j)
		xs = xs[:0]
		for i := range pts {
			a, b := pts[i], pts[(i+1)%len(pts)]
			if (a[1] <= y && y < b[1]) || (b[1] <= y && y < a[1]) {
				xs = append(xs, a[0]+(y-a[1])*(b[0]-a[0])/(b[1]-a[1]))
			}
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			from := int(math.Max(0, math.Ceil(xs[i]-snapTolerance)))
			to := int(math.Min(float64(w-1), math.Floor(xs[i+1]+snapTolerance)))
			for x := from; x <= to; x++ {
				plane[j*w+x] = label
			}
		}
	}
}

func (e *Engine) contourToLabelmap(_ context.Context, seg *models.Segmentation, cc ConversionContext) (models.RepresentationData, error) {
	vol, err := e.contourVolume(seg, cc)
	if err != nil {
		return nil, err
	}
	e.caches.Volumes.PutVolume(vol)
	return models.LabelmapVolume{VolumeID: vol.ID}, nil
}

func (e *Engine) contourToSurface(ctx context.Context, seg *models.Segmentation, cc ConversionContext) (models.RepresentationData, error) {
	vol, err := e.contourVolume(seg, cc)
	if err != nil {
		return nil, err
	}
	return e.surfacesFromVolume(ctx, vol)
}

func (e *Engine) surfaceToLabelmap(ctx context.Context, seg *models.Segmentation, cc ConversionContext) (models.RepresentationData, error) {
	data, ok := seg.RepresentationData[models.Surface].(models.SurfaceData)
	if !ok {
		return nil, fmt.Errorf("segmentation %s has no surface data", seg.SegmentationID)
	}
	geoms, err := e.geometries(data.GeometryIDs)
	if err != nil {
		return nil, err
	}

	var coords [3][]float64
	frame := ""
	for _, g := range geoms {
		frame = g.FrameOfReferenceUID
		for i := 0; i < g.Mesh.NumPoints(); i++ {
			p := g.Mesh.Point(i)
			for a := 0; a < 3; a++ {
				coords[a] = append(coords[a], p[a])
			}
		}
	}
	if len(coords[0]) == 0 {
		return nil, fmt.Errorf("surfaces of segmentation %s have no points", seg.SegmentationID)
	}
	var lo, hi [3]float64
	for a := 0; a < 3; a++ {
		lo[a], hi[a] = floats.Min(coords[a]), floats.Max(coords[a])
	}

	vol, err := e.targetVolume(cc, lo, hi, [3]float64{1, 1, 1}, true, frame)
	if err != nil {
		return nil, err
	}
	tr, err := volume.NewTransform(vol.Origin, vol.Spacing, vol.Direction)
	if err != nil {
		return nil, err
	}
	for _, g := range geoms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := make([][3]float64, g.Mesh.NumPoints())
		for i := range idx {
			idx[i] = tr.WorldToIndex(g.Mesh.Point(i))
		}
		voxelizeMesh(vol, idx, g.Mesh.Polys, uint8(g.SegmentIndex))
	}
	e.caches.Volumes.PutVolume(vol)
	return models.LabelmapVolume{VolumeID: vol.ID}, nil
}

// voxelizeMesh labels voxels inside a closed mesh given in index space by
// casting one ray along i per (j, k) row and filling between crossing pairs.
func voxelizeMesh(vol *models.Volume, pts [][3]float64, polys [][3]int, label uint8) {
	w, h, d := vol.Dimensions[0], vol.Dimensions[1], vol.Dimensions[2]
	hits := make(map[int][]float64)
	for _, tri := range polys {
		a, b, c := pts[tri[0]], pts[tri[1]], pts[tri[2]]
		det := (b[1]-a[1])*(c[2]-a[2]) - (c[1]-a[1])*(b[2]-a[2])
		if math.Abs(det) < 1e-12 {
			continue
		}
		jlo := int(math.Max(0, math.Ceil(math.Min(a[1], math.Min(b[1], c[1]))-rayOffsetY)))
		jhi := int(math.Min(float64(h-1), math.Floor(math.Max(a[1], math.Max(b[1], c[1]))-rayOffsetY)))
		klo := int(math.Max(0, math.Ceil(math.Min(a[2], math.Min(b[2], c[2]))-rayOffsetZ)))
		khi := int(math.Min(float64(d-1), math.Floor(math.Max(a[2], math.Max(b[2], c[2]))-rayOffsetZ)))
		for k := klo; k <= khi; k++ {
			pz := float64(k) + rayOffsetZ
			for j := jlo; j <= jhi; j++ {
				py := float64(j) + rayOffsetY
				u := ((py-a[1])*(c[2]-a[2]) - (c[1]-a[1])*(pz-a[2])) / det
				v := ((b[1]-a[1])*(pz-a[2]) - (py-a[1])*(b[2]-a[2])) / det
				if u < 0 || v < 0 || u+v > 1 {
					continue
				}
				row := k*h + j
				hits[row] = append(hits[row], a[0]+u*(b[0]-a[0])+v*(c[0]-a[0]))
			}
		}
	}
	for row, xs := range hits {
		sort.Float64s(xs)
		base := row * w
		for i := 0; i+1 < len(xs); i += 2 {
			from := int(math.Max(0, math.Ceil(xs[i])))
			to := int(math.Min(float64(w-1), math.Floor(xs[i+1])))
			for x := from; x <= to; x++ {
				vol.ScalarData[base+x] = label
			}
		}
	}
}
