package reconstruction

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"segmentation3d/internal/models"
)

// SliceParams describes how a directory of label images maps onto a stack.
type SliceParams struct {
	// Spacing is the in-plane pixel size and the gap between slices, in mm
	Spacing [3]float64

	// Scale divides gray values to obtain labels, so images written with a
	// display scale read back as the original labels. Zero means 1.
	Scale uint8

	FrameOfReferenceUID string
}

// LoadLabelSlices reads every PNG or JPEG in dir as one stack slice, ordered
// by the number in the file name. The file name becomes the referenced source
// image id of each slice.
func LoadLabelSlices(dir string, p SliceParams) ([]*models.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".png" || ext == ".jpg" || ext == ".jpeg") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no PNG or JPEG images found in %s", dir)
	}
	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	spacing := p.Spacing
	for a := range spacing {
		if spacing[a] <= 0 {
			spacing[a] = 1
		}
	}

	images := make([]*models.Image, 0, len(files))
	for k, name := range files {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", name, err)
		}
		b := img.Bounds()
		if len(images) > 0 && (b.Dx() != images[0].Width || b.Dy() != images[0].Height) {
			return nil, fmt.Errorf("image %s is %dx%d, expected %dx%d", name, b.Dx(), b.Dy(), images[0].Width, images[0].Height)
		}
		pixels := make([]uint8, b.Dx()*b.Dy())
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				pixels[y*b.Dx()+x] = g.Y / scale
			}
		}
		images = append(images, &models.Image{
			ID:                  fmt.Sprintf("%s:%d", strings.TrimSuffix(name, filepath.Ext(name)), k),
			ReferencedImageID:   name,
			Width:               b.Dx(),
			Height:              b.Dy(),
			Spacing:             spacing,
			Origin:              [3]float64{0, 0, float64(k) * spacing[2]},
			Direction:           models.IdentityDirection,
			FrameOfReferenceUID: p.FrameOfReferenceUID,
			Pixels:              pixels,
		})
	}
	return images, nil
}

// extractNumber returns the digits of a file name as a number, 0 when there
// are none.
func extractNumber(filename string) int {
	var digits strings.Builder
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}
