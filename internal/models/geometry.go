package models

// GeometryType discriminates geometry payloads.
type GeometryType string

const (
	GeometryContour GeometryType = "Contour"
	GeometrySurface GeometryType = "Surface"
)

// Geometry is an opaque handle shared with the rendering backend. Exactly one
// of Contour or Mesh is set, matching Type.
type Geometry struct {
	ID           string
	Type         GeometryType
	SegmentIndex int

	// FrameOfReferenceUID is the coordinate system the points are expressed in
	FrameOfReferenceUID string

	Contour *ContourSet
	Mesh    *Mesh
}

// ContourLine is one polyline in world coordinates.
type ContourLine struct {
	Points [][3]float64
	Closed bool
}

// ContourSet is every polyline of a single segment.
type ContourSet struct {
	Lines []ContourLine
}

// PointCount returns the total number of points over all lines.
func (c *ContourSet) PointCount() int {
	n := 0
	for _, l := range c.Lines {
		n += len(l.Points)
	}
	return n
}

// Mesh is a triangulated surface in world coordinates.
type Mesh struct {
	// Points holds x, y, z triples
	Points []float64

	// Polys holds vertex index triples, one per triangle
	Polys [][3]int
}

// NumPoints returns the vertex count.
func (m *Mesh) NumPoints() int {
	return len(m.Points) / 3
}

// Point returns vertex i.
func (m *Mesh) Point(i int) [3]float64 {
	return [3]float64{m.Points[3*i], m.Points[3*i+1], m.Points[3*i+2]}
}
