package volume

import (
	"fmt"
	"math"

	"segmentation3d/internal/models"
)

// FromImages stacks same-sized slice images into a volume, one image per k.
// Geometry comes from the first image; the slice spacing is the distance
// between the first two origins when there are at least two images, otherwise
// the image's own third spacing component.
func FromImages(id string, images []*models.Image) (*models.Volume, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to build volume %s from", id)
	}
	first := images[0]
	if first.Width <= 0 || first.Height <= 0 {
		return nil, fmt.Errorf("image %s has invalid size %dx%d", first.ID, first.Width, first.Height)
	}
	sliceSize := first.Width * first.Height

	vol := &models.Volume{
		ID:                  id,
		Dimensions:          [3]int{first.Width, first.Height, len(images)},
		Spacing:             first.Spacing,
		Origin:              first.Origin,
		Direction:           first.Direction,
		ScalarData:          make([]uint8, sliceSize*len(images)),
		ImageIDs:            make([]string, len(images)),
		ReferencedImageIDs:  make([]string, len(images)),
		FrameOfReferenceUID: first.FrameOfReferenceUID,
	}
	if vol.Direction == ([9]float64{}) {
		vol.Direction = models.IdentityDirection
	}
	if len(images) > 1 {
		if d := distance(images[0].Origin, images[1].Origin); d > 0 {
			vol.Spacing[2] = d
		}
	}
	if vol.Spacing[2] == 0 {
		vol.Spacing[2] = 1
	}
	for a := 0; a < 2; a++ {
		if vol.Spacing[a] == 0 {
			vol.Spacing[a] = 1
		}
	}

	for k, img := range images {
		if img.Width != first.Width || img.Height != first.Height {
			return nil, fmt.Errorf("image %s is %dx%d, expected %dx%d", img.ID, img.Width, img.Height, first.Width, first.Height)
		}
		if len(img.Pixels) != sliceSize {
			return nil, fmt.Errorf("image %s has %d pixels, expected %d", img.ID, len(img.Pixels), sliceSize)
		}
		copy(vol.ScalarData[k*sliceSize:], img.Pixels)
		vol.ImageIDs[k] = img.ID
		vol.ReferencedImageIDs[k] = img.ReferencedImageID
	}
	return vol, nil
}

// ToImages splits a volume into one image per k slice. ids supplies the new
// image ids and refs the referenced source image ids, both one per slice.
func ToImages(vol *models.Volume, ids, refs []string) ([]*models.Image, error) {
	depth := vol.Dimensions[2]
	if len(ids) != depth {
		return nil, fmt.Errorf("volume %s has %d slices but %d image ids were given", vol.ID, depth, len(ids))
	}
	if len(refs) != depth {
		return nil, fmt.Errorf("volume %s has %d slices but %d referenced image ids were given", vol.ID, depth, len(refs))
	}
	tr, err := NewTransform(vol.Origin, vol.Spacing, vol.Direction)
	if err != nil {
		return nil, err
	}
	sliceSize := vol.Dimensions[0] * vol.Dimensions[1]
	images := make([]*models.Image, depth)
	for k := 0; k < depth; k++ {
		pixels := make([]uint8, sliceSize)
		copy(pixels, vol.ScalarData[k*sliceSize:(k+1)*sliceSize])
		images[k] = &models.Image{
			ID:                  ids[k],
			ReferencedImageID:   refs[k],
			Width:               vol.Dimensions[0],
			Height:              vol.Dimensions[1],
			Spacing:             vol.Spacing,
			Origin:              tr.IndexToWorld([3]float64{0, 0, float64(k)}),
			Direction:           vol.Direction,
			FrameOfReferenceUID: vol.FrameOfReferenceUID,
			Pixels:              pixels,
		}
	}
	return images, nil
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
