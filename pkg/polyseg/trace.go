package polyseg

// 8-neighbourhood in clockwise order for a y-down raster: E, SE, S, SW, W, NW, N, NE.
var (
	ndx = [8]int{1, 1, 0, -1, -1, -1, 0, 1}
	ndy = [8]int{0, 1, 1, 1, 0, -1, -1, -1}
)

func dirIndex(dx, dy int) int {
	for i := 0; i < 8; i++ {
		if ndx[i] == dx && ndy[i] == dy {
			return i
		}
	}
	return 0
}

// components labels the 8-connected components of pixels equal to label.
// Component ids start at 1; starts holds the first pixel of each component in
// raster order, which is always on its outer boundary.
func components(plane []uint8, w, h int, label uint8) ([]int, [][2]int) {
	comp := make([]int, w*h)
	var starts [][2]int
	var queue [][2]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if plane[y*w+x] != label || comp[y*w+x] != 0 {
				continue
			}
			id := len(starts) + 1
			starts = append(starts, [2]int{x, y})
			comp[y*w+x] = id
			queue = append(queue[:0], [2]int{x, y})
			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				for i := 0; i < 8; i++ {
					nx, ny := p[0]+ndx[i], p[1]+ndy[i]
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if plane[n] == label && comp[n] == 0 {
						comp[n] = id
						queue = append(queue, [2]int{nx, ny})
					}
				}
			}
		}
	}
	return comp, starts
}

// traceBoundary follows the outer boundary of component id clockwise from
// start using a radial sweep of the Moore neighbourhood. Every boundary pixel
// visited is returned; the closing point is not repeated.
func traceBoundary(comp []int, w, h, id int, start [2]int) [][2]int {
	inside := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < w && y < h && comp[y*w+x] == id
	}
	sweep := func(cur, prev [2]int) ([2]int, bool) {
		first := (dirIndex(prev[0]-cur[0], prev[1]-cur[1]) + 1) % 8
		for k := 0; k < 8; k++ {
			i := (first + k) % 8
			if inside(cur[0]+ndx[i], cur[1]+ndy[i]) {
				return [2]int{cur[0] + ndx[i], cur[1] + ndy[i]}, true
			}
		}
		return [2]int{}, false
	}

	pts := [][2]int{start}
	cur, prev := start, [2]int{start[0] - 1, start[1]}
	maxSteps := 4*w*h + 8
	for steps := 0; steps < maxSteps; steps++ {
		next, ok := sweep(cur, prev)
		if !ok {
			break
		}
		if cur == start && len(pts) > 1 && next == pts[1] {
			break
		}
		prev, cur = cur, next
		pts = append(pts, cur)
	}
	if n := len(pts); n > 1 && pts[n-1] == start {
		pts = pts[:n-1]
	}
	return pts
}

// sliceContours returns, per non-zero label present in plane, the outer
// boundary of every connected component in pixel coordinates.
func sliceContours(plane []uint8, w, h int) map[uint8][][][2]int {
	var present [256]bool
	for _, v := range plane {
		present[v] = true
	}
	out := make(map[uint8][][][2]int)
	for l := 1; l < 256; l++ {
		if !present[l] {
			continue
		}
		comp, starts := components(plane, w, h, uint8(l))
		for i, s := range starts {
			out[uint8(l)] = append(out[uint8(l)], traceBoundary(comp, w, h, i+1, s))
		}
	}
	return out
}

// labelsIn returns the ascending non-zero labels present in data.
func labelsIn(data []uint8) []uint8 {
	var present [256]bool
	for _, v := range data {
		present[v] = true
	}
	var labels []uint8
	for l := 1; l < 256; l++ {
		if present[l] {
			labels = append(labels, uint8(l))
		}
	}
	return labels
}
