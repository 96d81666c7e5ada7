package models

// Image is a single labelmap slice held by the image cache. Pixel values are
// segment indices, 0 meaning unlabeled.
type Image struct {
	// ID is the identifier the image cache knows the image by
	ID string

	// ReferencedImageID is the source (e.g. DICOM) image this labelmap slice
	// was derived from
	ReferencedImageID string

	// Width and Height are the in-plane dimensions in pixels
	Width  int
	Height int

	// Spacing is the physical pixel spacing in mm; Spacing[2] is the slice
	// thickness used when stacking images into a volume
	Spacing [3]float64

	// Origin is the world position of pixel (0,0)
	Origin [3]float64

	// Direction holds the row, column and normal cosines, row-major 3x3
	Direction [9]float64

	// FrameOfReferenceUID groups images sharing a patient coordinate system
	FrameOfReferenceUID string

	// Pixels holds Width*Height labels in row-major order
	Pixels []uint8
}

// Volume represents a 3D labelmap buffer. The owning segmentation is the sole
// mutator; viewports read through VolumeView.
type Volume struct {
	// ID is the identifier the volume cache knows the volume by
	ID string

	// Dimensions are the voxel counts along i, j, k
	Dimensions [3]int

	// Spacing is the physical size of each voxel in mm
	Spacing [3]float64

	// Origin is the world position of voxel (0,0,0)
	Origin [3]float64

	// Direction holds the i, j, k axis cosines, row-major 3x3
	Direction [9]float64

	// ScalarData holds the labels as a 1D array, i fastest then j then k
	ScalarData []uint8

	// ImageIDs optionally lists one derived image id per k slice
	ImageIDs []string

	// ReferencedImageIDs lists the source images the volume was built from,
	// one per k slice
	ReferencedImageIDs []string

	// ReferencedVolumeID is set when this volume was derived from another
	// volume rather than directly from an image stack
	ReferencedVolumeID string

	// FrameOfReferenceUID groups volumes sharing a patient coordinate system
	FrameOfReferenceUID string
}

// IdentityDirection is the axis-aligned direction matrix.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// VoxelCount returns the number of voxels the dimensions describe.
func (v *Volume) VoxelCount() int {
	return v.Dimensions[0] * v.Dimensions[1] * v.Dimensions[2]
}

// Index returns the flat offset of voxel (i, j, k).
func (v *Volume) Index(i, j, k int) int {
	return k*v.Dimensions[0]*v.Dimensions[1] + j*v.Dimensions[0] + i
}

// Contains reports whether (i, j, k) lies inside the volume.
func (v *Volume) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 &&
		i < v.Dimensions[0] && j < v.Dimensions[1] && k < v.Dimensions[2]
}

// View returns a read-only view over the volume.
func (v *Volume) View() VolumeView {
	return VolumeView{v: v}
}

// VolumeView is the borrowed, read-only access a viewport gets to a
// segmentation's volume.
type VolumeView struct {
	v *Volume
}

func (w VolumeView) ID() string               { return w.v.ID }
func (w VolumeView) GetDimensions() [3]int    { return w.v.Dimensions }
func (w VolumeView) GetSpacing() [3]float64   { return w.v.Spacing }
func (w VolumeView) GetOrigin() [3]float64    { return w.v.Origin }
func (w VolumeView) GetDirection() [9]float64 { return w.v.Direction }
func (w VolumeView) At(i, j, k int) uint8     { return w.v.ScalarData[w.v.Index(i, j, k)] }
func (w VolumeView) Len() int                 { return len(w.v.ScalarData) }
