// Package interpolation fills the gaps between labelled slices of a labelmap
// volume and runs that work on a background worker pool.
//
// The fill is morphological: each pair of consecutive slices containing the
// segment is turned into signed distance maps, the maps are blended for every
// slice in between and the negative region of the blend is labelled.
package interpolation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/volume"
)

// AllAxes interpolates along i, j and k and unions the results.
const AllAxes = -1

// Params controls one interpolation run over a volume.
type Params struct {
	SegmentIndex uint8

	// Axis is 0, 1, 2 or AllAxes
	Axis int

	// HeuristicAlignment moves the blended shape along the line between the
	// centroids of the two bounding slices
	HeuristicAlignment bool

	// Preview writes PreviewSegmentIndex instead of SegmentIndex
	Preview             bool
	PreviewSegmentIndex uint8

	// OverwriteOccupied lets the fill replace voxels of other segments
	OverwriteOccupied bool
}

func (p Params) axes() ([]volume.Axis, error) {
	switch {
	case p.Axis == AllAxes:
		return []volume.Axis{volume.AxisX, volume.AxisY, volume.AxisZ}, nil
	case p.Axis >= 0 && p.Axis <= 2:
		return []volume.Axis{volume.Axis(p.Axis)}, nil
	}
	return nil, fmt.Errorf("invalid interpolation axis %d", p.Axis)
}

// Interpolate labels the voxels between slices holding p.SegmentIndex in
// place. It returns the sorted k indices of the slices it modified.
func Interpolate(vol *models.Volume, p Params) ([]int, error) {
	axes, err := p.axes()
	if err != nil {
		return nil, err
	}
	if p.SegmentIndex == 0 {
		return nil, fmt.Errorf("segment index 0 is reserved")
	}
	if len(vol.ScalarData) != vol.VoxelCount() {
		return nil, fmt.Errorf("volume %s has %d voxels, dimensions %v need %d",
			vol.ID, len(vol.ScalarData), vol.Dimensions, vol.VoxelCount())
	}

	fill := make([]bool, len(vol.ScalarData))
	for _, axis := range axes {
		fillAxis(vol, axis, p, fill)
	}

	value := p.SegmentIndex
	if p.Preview {
		value = p.PreviewSegmentIndex
	}
	plane := vol.Dimensions[0] * vol.Dimensions[1]
	touched := make(map[int]struct{})
	for idx, f := range fill {
		if !f {
			continue
		}
		cur := vol.ScalarData[idx]
		if cur == p.SegmentIndex || cur == value {
			continue
		}
		if cur != 0 && !p.OverwriteOccupied {
			continue
		}
		vol.ScalarData[idx] = value
		touched[idx/plane] = struct{}{}
	}

	slices := make([]int, 0, len(touched))
	for k := range touched {
		slices = append(slices, k)
	}
	sort.Ints(slices)
	return slices, nil
}

func fillAxis(vol *models.Volume, axis volume.Axis, p Params, fill []bool) {
	sl := volume.NewSlicer(vol)
	w, h := sl.PlaneSize(axis)
	var keys []int
	for pos := 0; pos < sl.Count(axis); pos++ {
		if sl.SliceHasLabel(axis, pos, p.SegmentIndex) {
			keys = append(keys, pos)
		}
	}

	for n := 1; n < len(keys); n++ {
		p0, p1 := keys[n-1], keys[n]
		if p1-p0 < 2 {
			continue
		}
		m0 := maskOf(sl, axis, p0, p.SegmentIndex)
		m1 := maskOf(sl, axis, p1, p.SegmentIndex)
		d0 := signedDistance(m0, w, h)
		d1 := signedDistance(m1, w, h)
		var c0, c1 [2]float64
		if p.HeuristicAlignment {
			c0 = centroid(m0, w, h)
			c1 = centroid(m1, w, h)
		}

		for pos := p0 + 1; pos < p1; pos++ {
			t := float64(pos-p0) / float64(p1-p0)
			ct := [2]float64{(1-t)*c0[0] + t*c1[0], (1-t)*c0[1] + t*c1[1]}
			s0 := [2]float64{ct[0] - c0[0], ct[1] - c0[1]}
			s1 := [2]float64{ct[0] - c1[0], ct[1] - c1[1]}
			for v := 0; v < h; v++ {
				for u := 0; u < w; u++ {
					a := sample(d0, w, h, float64(u)-s0[0], float64(v)-s0[1])
					b := sample(d1, w, h, float64(u)-s1[0], float64(v)-s1[1])
					if (1-t)*a+t*b <= 0 {
						i, j, k := sl.Voxel(axis, pos, u, v)
						fill[vol.Index(i, j, k)] = true
					}
				}
			}
		}
	}
}

func maskOf(sl *volume.Slicer, axis volume.Axis, pos int, label uint8) []bool {
	plane, _ := sl.ExtractSlice(axis, pos)
	mask := make([]bool, len(plane))
	for i, v := range plane {
		mask[i] = v == label
	}
	return mask
}

// signedDistance is negative inside the mask and positive outside, with the
// zero level halfway between a boundary pixel and its outside neighbour.
func signedDistance(mask []bool, w, h int) []float64 {
	toInside := chamfer(mask, w, h, true)
	toOutside := chamfer(mask, w, h, false)
	d := make([]float64, len(mask))
	for i, in := range mask {
		if in {
			d[i] = 0.5 - toOutside[i]
		} else {
			d[i] = toInside[i] - 0.5
		}
	}
	return d
}

// chamfer returns the two-pass 8-neighbour distance from every pixel to the
// nearest pixel whose mask value equals target.
func chamfer(mask []bool, w, h int, target bool) []float64 {
	far := 2 * float64(w+h)
	d := make([]float64, len(mask))
	for i, m := range mask {
		if m != target {
			d[i] = far
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if d[i] == 0 {
				continue
			}
			best := d[i]
			if x > 0 {
				best = min(best, d[i-1]+1)
			}
			if y > 0 {
				best = min(best, d[i-w]+1)
				if x > 0 {
					best = min(best, d[i-w-1]+math.Sqrt2)
				}
				if x < w-1 {
					best = min(best, d[i-w+1]+math.Sqrt2)
				}
			}
			d[i] = best
		}
	}
	for y := h - 1; y >= 0; y-- {
		for x := w - 1; x >= 0; x-- {
			i := y*w + x
			if d[i] == 0 {
				continue
			}
			best := d[i]
			if x < w-1 {
				best = min(best, d[i+1]+1)
			}
			if y < h-1 {
				best = min(best, d[i+w]+1)
				if x < w-1 {
					best = min(best, d[i+w+1]+math.Sqrt2)
				}
				if x > 0 {
					best = min(best, d[i+w-1]+math.Sqrt2)
				}
			}
			d[i] = best
		}
	}
	return d
}

func centroid(mask []bool, w, h int) [2]float64 {
	var us, vs []float64
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			if mask[v*w+u] {
				us = append(us, float64(u))
				vs = append(vs, float64(v))
			}
		}
	}
	return [2]float64{stat.Mean(us, nil), stat.Mean(vs, nil)}
}

// sample reads d at the nearest pixel; positions off the plane are outside.
func sample(d []float64, w, h int, u, v float64) float64 {
	x, y := int(math.Round(u)), int(math.Round(v))
	if x < 0 || y < 0 || x >= w || y >= h {
		return math.Inf(1)
	}
	return d[y*w+x]
}
