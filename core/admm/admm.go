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

// Package admm fits every pixel of a data set against a fixed set of reference spectra at once,
// solving min ||A·w - y||² with w >= 0 by the Alternating Direction Method of Multipliers. The
// (AᵀA + ρI) inverse is computed once and reused for every iteration and pixel.
package admm

import (
	"fmt"

	"github.com/pixlise/xrfmap/core/spectralCube"
	"github.com/pixlise/xrfmap/core/utils"
	"gonum.org/v1/gonum/mat"
)

// Data - an N dimensional array, row-major. The first axis is the spectral axis, everything after
// it is pixels. 1D is a single spectrum, 2D a line of spectra
type Data struct {
	Shape  []int
	Values []float64
}

type Result struct {
	Weights     Data // Shape is [number of references, data shape minus its first axis...]
	Convergence []float64
	Feasibility []float64
	Iterations  int
	Converged   bool
}

// Fit - runs ADMM with step rate, stopping when the relative change in weights drops below
// epsilon or after maxIter iterations. Every iteration run is recorded in the traces
func Fit(data Data, refs *mat.Dense, rate float64, maxIter int, epsilon float64) (*Result, error) {
	if err := checkArgs(data, refs, rate, maxIter, epsilon); err != nil {
		return nil, err
	}

	points := data.Shape[0]
	pixels := utils.Product(data.Shape[1:])

	y := mat.NewDense(points, pixels, append([]float64{}, data.Values...))
	w, result, err := iterate(y, refs, rate, maxIter, epsilon)
	if err != nil {
		return nil, err
	}

	_, nRefs := refs.Dims()
	result.Weights = Data{
		Shape:  append([]int{nRefs}, data.Shape[1:]...),
		Values: w.RawMatrix().Data,
	}
	return result, nil
}

// FitCube - fits every pixel of a cube, returning one weight map per reference
func FitCube(cube *spectralCube.Cube, refs *mat.Dense, rate float64, maxIter int, epsilon float64) ([]*mat.Dense, *Result, error) {
	if err := cube.Validate(); err != nil {
		return nil, nil, err
	}

	// Cube has channels fastest, ADMM wants channels down the rows
	pixels := cube.Rows * cube.Cols
	values := make([]float64, cube.Channels*pixels)
	for p := 0; p < pixels; p++ {
		for ch := 0; ch < cube.Channels; ch++ {
			values[ch*pixels+p] = cube.Counts[p*cube.Channels+ch]
		}
	}

	result, err := Fit(Data{Shape: []int{cube.Channels, cube.Rows, cube.Cols}, Values: values}, refs, rate, maxIter, epsilon)
	if err != nil {
		return nil, nil, err
	}

	_, nRefs := refs.Dims()
	maps := make([]*mat.Dense, nRefs)
	for r := range maps {
		maps[r] = mat.NewDense(cube.Rows, cube.Cols, append([]float64{}, result.Weights.Values[r*pixels:(r+1)*pixels]...))
	}
	return maps, result, nil
}

func checkArgs(data Data, refs *mat.Dense, rate float64, maxIter int, epsilon float64) error {
	if refs == nil || refs.IsEmpty() {
		return fmt.Errorf("ADMM fitting: no reference spectra supplied")
	}
	if len(data.Shape) <= 0 {
		return fmt.Errorf("ADMM fitting: data has no dimensions")
	}
	for _, d := range data.Shape {
		if d <= 0 {
			return fmt.Errorf("ADMM fitting: invalid data shape %v", data.Shape)
		}
	}
	if utils.Product(data.Shape) != len(data.Values) {
		return fmt.Errorf("ADMM fitting: data shape %v needs %v values, got %v", data.Shape, utils.Product(data.Shape), len(data.Values))
	}

	refPoints, _ := refs.Dims()
	if data.Shape[0] != refPoints {
		return fmt.Errorf("ADMM fitting: number of spectrum points in data (%v) and references (%v) do not match", data.Shape[0], refPoints)
	}
	if rate <= 0 {
		return fmt.Errorf("ADMM fitting: parameter 'rate' is zero or negative (%v)", rate)
	}
	if maxIter <= 0 {
		return fmt.Errorf("ADMM fitting: parameter 'maxiter' is zero or negative (%v)", maxIter)
	}
	if epsilon <= 0 {
		return fmt.Errorf("ADMM fitting: parameter 'epsilon' is zero or negative (%v)", epsilon)
	}
	return nil
}

// iterate - y is points x pixels, returns weights as references x pixels
func iterate(y *mat.Dense, refs *mat.Dense, rate float64, maxIter int, epsilon float64) (*mat.Dense, *Result, error) {
	_, pixels := y.Dims()
	_, nRefs := refs.Dims()

	var z mat.Dense
	z.Mul(refs.T(), y)

	var c mat.Dense
	c.Mul(refs.T(), refs)
	for i := 0; i < nRefs; i++ {
		c.Set(i, i, c.At(i, i)+rate)
	}

	var m1 mat.Dense
	if err := m1.Inverse(&c); err != nil {
		// Badly conditioned is still usable, anything else isn't
		if _, ok := err.(mat.Condition); !ok {
			return nil, nil, fmt.Errorf("ADMM fitting: failed to invert reference matrix: %v", err)
		}
	}

	w := mat.NewDense(nRefs, pixels, nil)
	for i := 0; i < nRefs; i++ {
		for p := 0; p < pixels; p++ {
			w.Set(i, p, 1)
		}
	}
	u := mat.NewDense(nRefs, pixels, nil)

	result := &Result{}

	var m2, x, wUpdated, diff mat.Dense
	for i := 0; i < maxIter; i++ {
		// x = M1 (z + ρ(w - u))
		m2.Sub(w, u)
		m2.Scale(rate, &m2)
		m2.Add(&z, &m2)
		x.Mul(&m1, &m2)

		// w = max(x + u, 0)
		wUpdated.Add(&x, u)
		wUpdated.Apply(func(_, _ int, v float64) float64 {
			if v < 0 {
				return 0
			}
			return v
		}, &wUpdated)

		// u = u + x - w
		u.Add(u, &x)
		u.Sub(u, &wUpdated)

		diff.Sub(&wUpdated, w)
		change := mat.Norm(&diff, 2)
		conv := change
		if norm := mat.Norm(&wUpdated, 2); norm > 0 {
			conv = change / norm
		}

		diff.Reset()
		diff.Sub(&x, &wUpdated)

		result.Convergence = append(result.Convergence, conv)
		result.Feasibility = append(result.Feasibility, mat.Norm(&diff, 2))
		result.Iterations = i + 1

		w.Copy(&wUpdated)
		diff.Reset()

		if conv < epsilon {
			result.Converged = true
			break
		}
	}

	return w, result, nil
}
