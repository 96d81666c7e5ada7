package polyseg

import (
	"fmt"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/segmentation"
)

// Validate checks the structure of stored representation data against the
// caches. The returned error wraps segmentation.ErrValidationFailed.
func (e *Engine) Validate(data models.RepresentationData) error {
	var err error
	switch d := data.(type) {
	case models.LabelmapVolume:
		err = e.validateLabelmapVolume(d)
	case models.LabelmapStack:
		err = e.validateLabelmapStack(d)
	case models.ContourData:
		err = e.validateGeometries(d.GeometryIDs, models.GeometryContour)
	case models.SurfaceData:
		err = e.validateGeometries(d.GeometryIDs, models.GeometrySurface)
	default:
		err = fmt.Errorf("unknown representation data %T", data)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", segmentation.ErrValidationFailed, err)
	}
	return nil
}

func (e *Engine) validateLabelmapVolume(d models.LabelmapVolume) error {
	if d.VolumeID == "" {
		return fmt.Errorf("labelmap has no volume id")
	}
	if e.caches.Volumes == nil {
		return fmt.Errorf("no volume cache")
	}
	vol, ok := e.caches.Volumes.GetVolume(d.VolumeID)
	if !ok {
		return fmt.Errorf("volume %s is not cached", d.VolumeID)
	}
	if vol.VoxelCount() == 0 || len(vol.ScalarData) != vol.VoxelCount() {
		return fmt.Errorf("volume %s has %d scalars for dimensions %v", vol.ID, len(vol.ScalarData), vol.Dimensions)
	}
	return nil
}

func (e *Engine) validateLabelmapStack(d models.LabelmapStack) error {
	if d.ImageIDReferenceMap.Len() == 0 {
		return fmt.Errorf("labelmap stack has no slices")
	}
	if e.caches.Images == nil {
		return fmt.Errorf("no image cache")
	}
	for _, key := range d.ImageIDReferenceMap.Keys() {
		derived, _ := d.ImageIDReferenceMap.Get(key)
		if len(derived) == 0 {
			return fmt.Errorf("slice %s has no derived image", key)
		}
		img, ok := e.caches.Images.GetImage(derived[0])
		if !ok {
			return fmt.Errorf("image %s is not cached", derived[0])
		}
		if len(img.Pixels) != img.Width*img.Height || len(img.Pixels) == 0 {
			return fmt.Errorf("image %s has %d pixels for %dx%d", img.ID, len(img.Pixels), img.Width, img.Height)
		}
	}
	return nil
}

func (e *Engine) validateGeometries(ids []string, want models.GeometryType) error {
	if len(ids) == 0 {
		return fmt.Errorf("no %s geometries", want)
	}
	if e.caches.Geometries == nil {
		return fmt.Errorf("no geometry cache")
	}
	for _, id := range ids {
		g, ok := e.caches.Geometries.GetGeometry(id)
		if !ok {
			return fmt.Errorf("geometry %s is not cached", id)
		}
		if g.Type != want {
			return fmt.Errorf("geometry %s is %s, expected %s", id, g.Type, want)
		}
		switch want {
		case models.GeometryContour:
			if g.Contour == nil {
				return fmt.Errorf("geometry %s has no contour payload", id)
			}
		case models.GeometrySurface:
			if g.Mesh == nil || len(g.Mesh.Points)%3 != 0 {
				return fmt.Errorf("geometry %s has no valid mesh payload", id)
			}
			n := g.Mesh.NumPoints()
			for _, p := range g.Mesh.Polys {
				for _, v := range p {
					if v < 0 || v >= n {
						return fmt.Errorf("geometry %s references vertex %d of %d", id, v, n)
					}
				}
			}
		}
	}
	return nil
}
