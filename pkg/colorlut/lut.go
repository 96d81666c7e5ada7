// Package colorlut holds the segment index to RGBA palettes used by
// segmentation representations.
package colorlut

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Size is the number of entries a fully provisioned table holds.
const Size = 255

// Color is an RGBA entry with 8-bit channels.
type Color [4]uint8

// Unlabeled is the reserved color at index 0.
var Unlabeled = Color{0, 0, 0, 0}

// Table is an ordered palette; entry i is the color for segment index i.
type Table []Color

var defaultPalette = buildDefaultPalette()

// buildDefaultPalette walks the hue circle by the golden angle so that
// neighbouring segment indices get clearly distinct colors. The walk is
// deterministic, so the palette is the same in every process.
func buildDefaultPalette() Table {
	const goldenAngle = 137.50776405003785
	palette := make(Table, Size)
	palette[0] = Unlabeled
	for i := 1; i < Size; i++ {
		hue := math.Mod(float64(i-1)*goldenAngle, 360)
		sat := 0.55 + 0.35*float64((i-1)%3)/2
		val := 0.95 - 0.25*float64((i-1)%4)/3
		r, g, b := colorful.Hsv(hue, sat, val).Clamped().RGB255()
		palette[i] = Color{r, g, b, 255}
	}
	return palette
}

// Default returns a copy of the default palette.
func Default() Table {
	return defaultPalette.Clone()
}

// Clone returns a copy of the table.
func (t Table) Clone() Table {
	return append(Table(nil), t...)
}

// Normalize returns a new table whose entry 0 is Unlabeled and whose length is
// at least Size. When the supplied entry 0 is not Unlabeled the whole table is
// shifted right by one, so the color callers put at index k ends up at k+1.
// Missing entries are taken from the default palette at the same position.
func Normalize(in Table) Table {
	out := make(Table, 0, max(len(in)+1, Size))
	if len(in) == 0 || in[0] != Unlabeled {
		out = append(out, Unlabeled)
	}
	out = append(out, in...)
	for i := len(out); i < Size; i++ {
		out = append(out, defaultPalette[i])
	}
	return out
}

// Normalized returns the RGBA channels of c scaled to [0, 1].
func (c Color) Normalized() [4]float64 {
	return [4]float64{float64(c[0]) / 255, float64(c[1]) / 255, float64(c[2]) / 255, float64(c[3]) / 255}
}
