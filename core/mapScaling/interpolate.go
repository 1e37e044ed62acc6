// Licensed to NASA JPL under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. NASA JPL licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package mapScaling

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Barycentric coordinates down to this are still inside a triangle, so points on shared edges
// and the hull boundary aren't lost to rounding
const insideTolerance = -1e-9

// Nearest measured positions searched when locating the triangle containing a grid point
const nearestNodes = 9

// GridInterpolate - resamples a map measured at (xx, yy) positions, which are close to but not
// exactly on a grid, onto a uniform grid of the same shape covering the same range. Returns the
// resampled map and the uniform xx, yy. Grid points outside the measured area are 0. If data is
// nil only the uniform grid is generated. Single row or column scans are returned unchanged
func GridInterpolate(data, xx, yy *mat.Dense) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	if xx == nil || yy == nil {
		return nil, nil, nil, errors.New("grid interpolation: no coordinates supplied")
	}
	if !sameShape(xx, yy) {
		return nil, nil, nil, errors.New("grid interpolation: shapes of coordinate arrays xx and yy do not match")
	}
	if data != nil && !sameShape(data, xx) {
		return nil, nil, nil, errors.New("grid interpolation: shapes of data and coordinate arrays do not match")
	}

	rows, cols := xx.Dims()
	if rows <= 1 || cols <= 1 {
		return data, xx, yy, nil
	}

	xMin, xMax := axisRange(xx)
	yMin, yMax := axisRange(yy)

	xxU := mat.NewDense(rows, cols, nil)
	yyU := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		y := linspace(yMin, yMax, rows, r)
		for c := 0; c < cols; c++ {
			xxU.Set(r, c, linspace(xMin, xMax, cols, c))
			yyU.Set(r, c, y)
		}
	}

	if data == nil {
		return nil, xxU, yyU, nil
	}

	dataU, err := InterpolateOnto(data, xx, yy, xxU, yyU)
	return dataU, xxU, yyU, err
}

// InterpolateOnto - linear interpolation of a map measured at (xx, yy) onto the given positions,
// which can be any shape. Positions outside the measured area get 0
func InterpolateOnto(data, xx, yy, xxU, yyU *mat.Dense) (*mat.Dense, error) {
	if !sameShape(data, xx) || !sameShape(xx, yy) {
		return nil, errors.New("grid interpolation: shapes of data and coordinate arrays do not match")
	}
	if !sameShape(xxU, yyU) {
		return nil, errors.New("grid interpolation: shapes of uniform coordinate arrays do not match")
	}

	mesh := newScanMesh(xx, yy)
	rows, cols := xxU.Dims()
	result := mat.NewDense(rows, cols, nil)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tri, w, ok := mesh.locate(xxU.At(r, c), yyU.At(r, c))
			if !ok {
				continue
			}
			v := 0.0
			for i, n := range tri {
				v += w[i] * data.At(n.row, n.col)
			}
			result.Set(r, c, v)
		}
	}
	return result, nil
}

func sameShape(a, b mat.Matrix) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	return ar == br && ac == bc
}

func linspace(from, to float64, n int, i int) float64 {
	if n <= 1 {
		return from
	}
	return from + (to-from)*float64(i)/float64(n-1)
}

// axisRange - start and end of a coordinate axis. The axis mostly changes along one dimension of
// the array (X along rows, Y down columns, or transposed), so take the medians of the first and
// last slices across that dimension. Start may be greater than end
func axisRange(vv *mat.Dense) (float64, float64) {
	rows, cols := vv.Dims()
	if math.Abs(vv.At(0, 0)-vv.At(0, cols-1)) > math.Abs(vv.At(0, 0)-vv.At(rows-1, 0)) {
		return median(mat.Col(nil, 0, vv)), median(mat.Col(nil, cols-1, vv))
	}
	return median(mat.Row(nil, 0, vv)), median(mat.Row(nil, rows-1, vv))
}

// median - middle value, or mean of the two middle values for even lengths
func median(values []float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// scanNode - a measured position and where it sits in the scan
type scanNode struct {
	x, y     float64
	row, col int
}

func (p scanNode) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(scanNode)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	default:
		panic("illegal dimension")
	}
}

func (p scanNode) Dims() int { return 2 }

func (p scanNode) Distance(c kdtree.Comparable) float64 {
	q := c.(scanNode)
	dx := p.x - q.x
	dy := p.y - q.y
	return dx*dx + dy*dy
}

type scanNodes []scanNode

func (p scanNodes) Index(i int) kdtree.Comparable { return p[i] }
func (p scanNodes) Len() int                       { return len(p) }
func (p scanNodes) Pivot(d kdtree.Dim) int         { return nodePlane{scanNodes: p, Dim: d}.Pivot() }
func (p scanNodes) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

type nodePlane struct {
	kdtree.Dim
	scanNodes
}

func (p nodePlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.scanNodes[i].x < p.scanNodes[j].x
	}
	return p.scanNodes[i].y < p.scanNodes[j].y
}
func (p nodePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p nodePlane) Slice(start, end int) kdtree.SortSlicer {
	p.scanNodes = p.scanNodes[start:end]
	return p
}
func (p nodePlane) Swap(i, j int) {
	p.scanNodes[i], p.scanNodes[j] = p.scanNodes[j], p.scanNodes[i]
}

// scanMesh - measured positions triangulated following the scan structure: each cell between
// neighbouring rows and columns becomes two triangles, split along its shorter diagonal
type scanMesh struct {
	nodes [][]scanNode
	rows  int
	cols  int
	tree  *kdtree.Tree
}

func newScanMesh(xx, yy *mat.Dense) *scanMesh {
	rows, cols := xx.Dims()
	m := &scanMesh{rows: rows, cols: cols, nodes: make([][]scanNode, rows)}

	all := make(scanNodes, 0, rows*cols)
	for r := 0; r < rows; r++ {
		m.nodes[r] = make([]scanNode, cols)
		for c := 0; c < cols; c++ {
			n := scanNode{x: xx.At(r, c), y: yy.At(r, c), row: r, col: c}
			m.nodes[r][c] = n
			all = append(all, n)
		}
	}

	m.tree = kdtree.New(all, false)
	return m
}

func (m *scanMesh) cellTriangles(r, c int) [2][3]scanNode {
	a := m.nodes[r][c]
	b := m.nodes[r][c+1]
	d := m.nodes[r+1][c]
	e := m.nodes[r+1][c+1]

	if a.Distance(e) <= b.Distance(d) {
		return [2][3]scanNode{{a, b, e}, {a, e, d}}
	}
	return [2][3]scanNode{{a, b, d}, {b, e, d}}
}

// locate - triangle containing (x, y) and the barycentric weights of its corners. Only cells
// touching the nearest measured positions are searched
func (m *scanMesh) locate(x, y float64) ([3]scanNode, [3]float64, bool) {
	keep := kdtree.NewNKeeper(nearestNodes)
	m.tree.NearestSet(keep, scanNode{x: x, y: y})

	checked := map[[2]int]bool{}
	for _, item := range keep.Heap {
		if item.Comparable == nil {
			continue
		}
		n := item.Comparable.(scanNode)

		for r := n.row - 1; r <= n.row; r++ {
			for c := n.col - 1; c <= n.col; c++ {
				if r < 0 || c < 0 || r >= m.rows-1 || c >= m.cols-1 || checked[[2]int{r, c}] {
					continue
				}
				checked[[2]int{r, c}] = true

				for _, tri := range m.cellTriangles(r, c) {
					if w, ok := barycentric(tri, x, y); ok {
						return tri, w, true
					}
				}
			}
		}
	}
	return [3]scanNode{}, [3]float64{}, false
}

func barycentric(tri [3]scanNode, x, y float64) ([3]float64, bool) {
	a, b, c := tri[0], tri[1], tri[2]
	det := (b.y-c.y)*(a.x-c.x) + (c.x-b.x)*(a.y-c.y)
	if det == 0 {
		return [3]float64{}, false
	}

	w0 := ((b.y-c.y)*(x-c.x) + (c.x-b.x)*(y-c.y)) / det
	w1 := ((c.y-a.y)*(x-c.x) + (a.x-c.x)*(y-c.y)) / det
	w2 := 1 - w0 - w1

	if w0 < insideTolerance || w1 < insideTolerance || w2 < insideTolerance {
		return [3]float64{}, false
	}
	return [3]float64{w0, w1, w2}, true
}
