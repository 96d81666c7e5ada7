// Package stl extracts closed triangle surfaces for single segments of a
// labelmap and writes them as binary STL files.
package stl

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Triangle is one facet with its outward unit normal.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// face describes one of the six voxel faces: the axis it is perpendicular to,
// the side, and two in-plane axes ordered so that u x v points outward.
type face struct {
	axis, sign int
	u, v       int
}

var faces = [6]face{
	{axis: 0, sign: +1, u: 1, v: 2},
	{axis: 0, sign: -1, u: 2, v: 1},
	{axis: 1, sign: +1, u: 2, v: 0},
	{axis: 1, sign: -1, u: 0, v: 2},
	{axis: 2, sign: +1, u: 0, v: 1},
	{axis: 2, sign: -1, u: 1, v: 0},
}

// SurfaceExtractor builds the boundary surface of every voxel carrying one
// label. Each voxel face shared with a voxel of another label (or the volume
// border) becomes two triangles, so the result is closed and watertight.
// Coordinates are in voxel index space, scaled by SetScale.
type SurfaceExtractor struct {
	labels                 []uint8
	width, height, depth   int
	label                  uint8
	xScale, yScale, zScale float32
}

// NewSurfaceExtractor prepares extraction of label from a width*height*depth
// labelmap stored x fastest.
func NewSurfaceExtractor(labels []uint8, width, height, depth int, label uint8) *SurfaceExtractor {
	return &SurfaceExtractor{
		labels: labels,
		width:  width,
		height: height,
		depth:  depth,
		label:  label,
		xScale: 1, yScale: 1, zScale: 1,
	}
}

// SetScale sets the physical size of a voxel along each axis.
func (s *SurfaceExtractor) SetScale(x, y, z float32) {
	s.xScale, s.yScale, s.zScale = x, y, z
}

func (s *SurfaceExtractor) inside(x, y, z int) bool {
	if x < 0 || y < 0 || z < 0 || x >= s.width || y >= s.height || z >= s.depth {
		return false
	}
	return s.labels[z*s.width*s.height+y*s.width+x] == s.label
}

// GenerateMesh returns shared vertices in voxel index space (unscaled) and
// triangles as vertex index triples.
func (s *SurfaceExtractor) GenerateMesh() ([][3]float64, [][3]int) {
	// vertex keys are doubled coordinates so half-voxel corners stay integral
	index := make(map[[3]int]int)
	var points [][3]float64
	var polys [][3]int

	vertex := func(key [3]int) int {
		if id, ok := index[key]; ok {
			return id
		}
		id := len(points)
		index[key] = id
		points = append(points, [3]float64{float64(key[0]) / 2, float64(key[1]) / 2, float64(key[2]) / 2})
		return id
	}

	for z := 0; z < s.depth; z++ {
		for y := 0; y < s.height; y++ {
			for x := 0; x < s.width; x++ {
				if !s.inside(x, y, z) {
					continue
				}
				c := [3]int{2 * x, 2 * y, 2 * z}
				for _, f := range faces {
					n := [3]int{x, y, z}
					n[f.axis] += f.sign
					if s.inside(n[0], n[1], n[2]) {
						continue
					}
					var corners [4]int
					for ci, uv := range [4][2]int{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}} {
						key := c
						key[f.axis] += f.sign
						key[f.u] += uv[0]
						key[f.v] += uv[1]
						corners[ci] = vertex(key)
					}
					polys = append(polys,
						[3]int{corners[0], corners[1], corners[2]},
						[3]int{corners[0], corners[2], corners[3]},
					)
				}
			}
		}
	}
	return points, polys
}

// GenerateTriangles returns the scaled surface as independent facets.
func (s *SurfaceExtractor) GenerateTriangles() []Triangle {
	points, polys := s.GenerateMesh()
	scale := [3]float32{s.xScale, s.yScale, s.zScale}
	at := func(i int) [3]float32 {
		p := points[i]
		return [3]float32{float32(p[0]) * scale[0], float32(p[1]) * scale[1], float32(p[2]) * scale[2]}
	}
	triangles := make([]Triangle, 0, len(polys))
	for _, p := range polys {
		v1, v2, v3 := at(p[0]), at(p[1]), at(p[2])
		triangles = append(triangles, Triangle{
			Normal:  normal(v1, v2, v3),
			Vertex1: v1,
			Vertex2: v2,
			Vertex3: v3,
		})
	}
	return triangles
}

// MeshTriangles turns a flat x, y, z point buffer and its triangle indices
// into facets. Triangles referencing missing points are skipped.
func MeshTriangles(points []float64, polys [][3]int) []Triangle {
	n := len(points) / 3
	at := func(i int) [3]float32 {
		return [3]float32{float32(points[3*i]), float32(points[3*i+1]), float32(points[3*i+2])}
	}
	triangles := make([]Triangle, 0, len(polys))
	for _, p := range polys {
		if p[0] < 0 || p[1] < 0 || p[2] < 0 || p[0] >= n || p[1] >= n || p[2] >= n {
			continue
		}
		v1, v2, v3 := at(p[0]), at(p[1]), at(p[2])
		triangles = append(triangles, Triangle{Normal: normal(v1, v2, v3), Vertex1: v1, Vertex2: v2, Vertex3: v3})
	}
	return triangles
}

func normal(a, b, c [3]float32) [3]float32 {
	ux, uy, uz := b[0]-a[0], b[1]-a[1], b[2]-a[2]
	vx, vy, vz := c[0]-a[0], c[1]-a[1], c[2]-a[2]
	n := [3]float32{uy*vz - uz*vy, uz*vx - ux*vz, ux*vy - uy*vx}
	l := float32(math.Sqrt(float64(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])))
	if l == 0 {
		return n
	}
	return [3]float32{n[0] / l, n[1] / l, n[2] / l}
}

// SaveToSTL writes triangles to filename in binary STL format.
func SaveToSTL(filename string, triangles []Triangle) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer file.Close()

	header := make([]byte, 80)
	copy(header, "segmentation3d surface")
	if _, err := file.Write(header); err != nil {
		return err
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}
	for _, t := range triangles {
		record := struct {
			Normal, V1, V2, V3 [3]float32
			Attribute          uint16
		}{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3, 0}
		if err := binary.Write(file, binary.LittleEndian, record); err != nil {
			return err
		}
	}
	return nil
}
