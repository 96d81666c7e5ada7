package volume

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Transform maps continuous voxel indices to world (patient) coordinates:
//
//	world = origin + D * diag(spacing) * index
//
// where the columns of D are the axis cosines.
type Transform struct {
	origin  [3]float64
	forward *mat.Dense
	inverse *mat.Dense
}

// NewTransform builds the transform. direction is row-major with the i, j and
// k cosines in its rows, the layout volumes and images store.
func NewTransform(origin, spacing [3]float64, direction [9]float64) (*Transform, error) {
	forward := mat.NewDense(3, 3, nil)
	for axis := 0; axis < 3; axis++ {
		for c := 0; c < 3; c++ {
			forward.Set(c, axis, direction[axis*3+c]*spacing[axis])
		}
	}
	var inverse mat.Dense
	if err := inverse.Inverse(forward); err != nil {
		return nil, fmt.Errorf("singular index to world matrix: %w", err)
	}
	return &Transform{origin: origin, forward: forward, inverse: &inverse}, nil
}

// IndexToWorld maps (i, j, k) to world coordinates.
func (t *Transform) IndexToWorld(index [3]float64) [3]float64 {
	in := mat.NewVecDense(3, index[:])
	var out mat.VecDense
	out.MulVec(t.forward, in)
	return [3]float64{
		out.AtVec(0) + t.origin[0],
		out.AtVec(1) + t.origin[1],
		out.AtVec(2) + t.origin[2],
	}
}

// WorldToIndex maps world coordinates to continuous (i, j, k).
func (t *Transform) WorldToIndex(world [3]float64) [3]float64 {
	d := mat.NewVecDense(3, []float64{
		world[0] - t.origin[0],
		world[1] - t.origin[1],
		world[2] - t.origin[2],
	})
	var out mat.VecDense
	out.MulVec(t.inverse, d)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Normal returns the unit k axis direction.
func (t *Transform) Normal() [3]float64 {
	col := mat.Col(nil, 2, t.forward)
	n := mat.Norm(mat.NewVecDense(3, col), 2)
	if n == 0 {
		return [3]float64{0, 0, 1}
	}
	return [3]float64{col[0] / n, col[1] / n, col[2] / n}
}
