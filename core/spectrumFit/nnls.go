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

package spectrumFit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// normalEquations - AᵀA for a regression matrix, computed once and shared by every pixel fit
type normalEquations struct {
	a         mat.Matrix
	ata       *mat.SymDense
	tolerance float64
}

func newNormalEquations(a mat.Matrix) *normalEquations {
	_, cols := a.Dims()
	ata := mat.NewSymDense(cols, nil)
	ata.SymOuterK(1, a.T())

	maxAbs := 0.0
	for i := 0; i < cols; i++ {
		for j := 0; j < cols; j++ {
			maxAbs = math.Max(maxAbs, math.Abs(ata.At(i, j)))
		}
	}

	return &normalEquations{
		a:         a,
		ata:       ata,
		tolerance: 10 * 2.220446049250313e-16 * maxAbs * float64(cols),
	}
}

func (n *normalEquations) atb(b []float64) []float64 {
	rows, cols := n.a.Dims()
	var v mat.VecDense
	v.MulVec(n.a.T(), mat.NewVecDense(rows, b))

	result := make([]float64, cols)
	for i := range result {
		result[i] = v.AtVec(i)
	}
	return result
}

// NNLS - solves min ||Ax - b|| subject to x >= 0. The bool is true if a singular subproblem was
// hit along the way, the result is still usable but not unique
func NNLS(a mat.Matrix, b []float64) ([]float64, bool, error) {
	rows, _ := a.Dims()
	if len(b) != rows {
		return nil, false, fmt.Errorf("NNLS: matrix has %v rows, data has %v values", rows, len(b))
	}

	ne := newNormalEquations(a)
	x, rankDeficient := ne.solve(ne.atb(b))
	return x, rankDeficient, nil
}

// solve - Lawson-Hanson active set iteration on the normal equations
func (n *normalEquations) solve(atb []float64) ([]float64, bool) {
	cols := len(atb)
	x := make([]float64, cols)
	passive := make([]bool, cols)
	w := make([]float64, cols)
	rankDeficient := false

	maxIter := 5*cols + 10
	for iter := 0; iter < maxIter; iter++ {
		n.gradient(atb, x, w)

		next := -1
		best := n.tolerance
		for i, g := range w {
			if !passive[i] && g > best {
				best = g
				next = i
			}
		}
		if next < 0 {
			break
		}
		passive[next] = true

		for inner := 0; inner < maxIter; inner++ {
			s, ok := n.solvePassive(atb, passive)
			if !ok {
				rankDeficient = true
			}

			alpha := 1.0
			feasible := true
			for i := range s {
				if passive[i] && s[i] <= 0 {
					feasible = false
					step := 0.0
					if d := x[i] - s[i]; d > 0 {
						step = x[i] / d
					}
					alpha = math.Min(alpha, step)
				}
			}

			if feasible {
				copy(x, s)
				break
			}

			for i := range x {
				if passive[i] {
					x[i] += alpha * (s[i] - x[i])
					if x[i] <= n.tolerance {
						x[i] = 0
						passive[i] = false
					}
				}
			}
		}
	}

	for i, v := range x {
		if v < 0 || math.IsNaN(v) {
			x[i] = 0
		}
	}
	return x, rankDeficient
}

func (n *normalEquations) gradient(atb []float64, x []float64, w []float64) {
	for i := range w {
		sum := atb[i]
		for j, v := range x {
			if v != 0 {
				sum -= n.ata.At(i, j) * v
			}
		}
		w[i] = sum
	}
}

// solvePassive - unconstrained least squares over the passive columns only, other entries are 0.
// Returns false if the subproblem was singular and had to be solved by pseudo-inverse
func (n *normalEquations) solvePassive(atb []float64, passive []bool) ([]float64, bool) {
	idx := []int{}
	for i, p := range passive {
		if p {
			idx = append(idx, i)
		}
	}

	result := make([]float64, len(atb))
	if len(idx) <= 0 {
		return result, true
	}

	sub := mat.NewSymDense(len(idx), nil)
	rhs := mat.NewVecDense(len(idx), nil)
	for r, i := range idx {
		rhs.SetVec(r, atb[i])
		for c := r; c < len(idx); c++ {
			sub.SetSym(r, c, n.ata.At(i, idx[c]))
		}
	}

	var sol mat.VecDense
	ok := true

	var chol mat.Cholesky
	if chol.Factorize(sub) {
		if err := chol.SolveVecTo(&sol, rhs); err != nil {
			ok = false
		}
	} else {
		ok = false
	}

	if !ok {
		var svd mat.SVD
		if !svd.Factorize(sub, mat.SVDThin) {
			return result, false
		}
		rank := svd.Rank(1e-12)
		if rank < 1 {
			return result, false
		}
		svd.SolveVecTo(&sol, rhs, rank)
	}

	for r, i := range idx {
		result[i] = sol.AtVec(r)
	}
	return result, ok
}

// matrixRank - numerical rank of the regression matrix
func matrixRank(a mat.Matrix) int {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0
	}
	return svd.Rank(1e-10)
}
