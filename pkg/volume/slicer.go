// Package volume provides helpers over labelmap volumes: per-axis slice
// access, conversion between image stacks and volumes, and index/world
// coordinate transforms.
package volume

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"segmentation3d/internal/models"
)

// Axis selects the volume axis a slice is taken perpendicular to.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// ParseAxis accepts "x", "y", "z" (any case) or "0", "1", "2".
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "x", "i", "0":
		return AxisX, nil
	case "y", "j", "1":
		return AxisY, nil
	case "z", "k", "2":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
}

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// Slicer reads and writes 2D planes of a labelmap volume along any axis.
type Slicer struct {
	vol *models.Volume
}

// NewSlicer wraps vol. The slicer writes straight into vol.ScalarData.
func NewSlicer(vol *models.Volume) *Slicer {
	return &Slicer{vol: vol}
}

// Count returns the number of slices along axis.
func (s *Slicer) Count(axis Axis) int {
	return s.vol.Dimensions[axis]
}

// PlaneSize returns the width and height of a slice along axis.
//
//	x: (depth, height)   y: (width, depth)   z: (width, height)
func (s *Slicer) PlaneSize(axis Axis) (int, int) {
	d := s.vol.Dimensions
	switch axis {
	case AxisX:
		return d[2], d[1]
	case AxisY:
		return d[0], d[2]
	}
	return d[0], d[1]
}

// Voxel maps plane coordinates (u, v) on slice position p to volume indices.
func (s *Slicer) Voxel(axis Axis, p, u, v int) (int, int, int) {
	switch axis {
	case AxisX:
		return p, v, u
	case AxisY:
		return u, p, v
	}
	return u, v, p
}

func (s *Slicer) checkPosition(axis Axis, position int) error {
	if axis < AxisX || axis > AxisZ {
		return fmt.Errorf("invalid axis: %d", axis)
	}
	if position < 0 {
		return fmt.Errorf("position must be non-negative")
	}
	if position >= s.Count(axis) {
		return fmt.Errorf("position %d exceeds %s extent %d", position, axis, s.Count(axis))
	}
	return nil
}

// ExtractSlice copies the labels of one slice into a new row-major plane.
func (s *Slicer) ExtractSlice(axis Axis, position int) ([]uint8, error) {
	if err := s.checkPosition(axis, position); err != nil {
		return nil, err
	}
	w, h := s.PlaneSize(axis)
	plane := make([]uint8, w*h)
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			i, j, k := s.Voxel(axis, position, u, v)
			plane[v*w+u] = s.vol.ScalarData[s.vol.Index(i, j, k)]
		}
	}
	return plane, nil
}

// WriteSlice copies plane back into the volume.
func (s *Slicer) WriteSlice(axis Axis, position int, plane []uint8) error {
	if err := s.checkPosition(axis, position); err != nil {
		return err
	}
	w, h := s.PlaneSize(axis)
	if len(plane) != w*h {
		return fmt.Errorf("plane has %d labels, slice needs %d", len(plane), w*h)
	}
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			i, j, k := s.Voxel(axis, position, u, v)
			s.vol.ScalarData[s.vol.Index(i, j, k)] = plane[v*w+u]
		}
	}
	return nil
}

// SliceHasLabel reports whether any voxel of the slice equals label.
func (s *Slicer) SliceHasLabel(axis Axis, position int, label uint8) bool {
	w, h := s.PlaneSize(axis)
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			i, j, k := s.Voxel(axis, position, u, v)
			if s.vol.ScalarData[s.vol.Index(i, j, k)] == label {
				return true
			}
		}
	}
	return false
}

// SliceImage renders one slice as a gray image, scaling labels by the given
// factor so small label values stay visible.
func (s *Slicer) SliceImage(axis Axis, position int, scale uint8) (image.Image, error) {
	plane, err := s.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}
	w, h := s.PlaneSize(axis)
	img := image.NewGray(image.Rect(0, 0, w, h))
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			img.SetGray(u, v, color.Gray{Y: plane[v*w+u] * scale})
		}
	}
	return img, nil
}

// SaveSliceSequence writes every slice along axis as a PNG into outputDir.
func (s *Slicer) SaveSliceSequence(axis Axis, outputDir string, scale uint8) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < s.Count(axis); pos++ {
		img, err := s.SliceImage(axis, pos, scale)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := savePNG(img, filename); err != nil {
			return err
		}
	}
	return nil
}

func savePNG(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return png.Encode(file, img)
}
