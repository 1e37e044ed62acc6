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

	"github.com/maorshutman/lm"
	"github.com/pixlise/xrfmap/core/spectralModel"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Offset in the 1/sqrt(c + |y|) residual weighting, stops empty channels getting infinite weight
const weightOffset = 1.0

const nonlinearIterations = 100

// NonlinearSolver - fits each column amplitude as a bounded (>= 0) parameter with
// Levenberg-Marquardt on Poisson-like weighted residuals. Starts from the NNLS solution, and
// reports standard errors from the covariance at the minimum
type NonlinearSolver struct {
	nnls       *NNLSSolver
	matrix     *mat.Dense
	iterations int
}

func NewNonlinearSolver(matrix *mat.Dense, prep Preprocess) (*NonlinearSolver, error) {
	nnls, err := NewNNLSSolver(matrix, prep)
	if err != nil {
		return nil, err
	}
	return &NonlinearSolver{nnls: nnls, matrix: matrix, iterations: nonlinearIterations}, nil
}

func (s *NonlinearSolver) Columns() int {
	return s.nnls.Columns()
}

// Amplitudes are x = sqrt(p²+1)-1, which can't go negative and is smooth at 0
func boundedToAmplitude(p float64) float64 {
	return math.Sqrt(p*p+1) - 1
}

func amplitudeToBounded(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt((x+1)*(x+1) - 1)
}

// centralJacobian - central difference jacobian of f, evaluated on the calling goroutine. Pixels
// are already fitted one per worker, so f is never called concurrently
func centralJacobian(f func(dst, x []float64)) func(dst *mat.Dense, x []float64) {
	return func(dst *mat.Dense, x []float64) {
		fd.Jacobian(dst, f, x, &fd.JacobianSettings{Formula: fd.Central})
	}
}

// solveLM - runs Levenberg-Marquardt, returning an error instead of panicking if a step hits a
// singular system
func solveLM(problem lm.LMProblem, iterations int) (result *lm.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("nonlinear fit failed: %v", r)
		}
	}()

	return lm.LM(problem, &lm.Settings{Iterations: iterations, ObjectiveTol: 1e-16})
}

func residualWeights(y []float64) []float64 {
	w := make([]float64, len(y))
	for i, v := range y {
		w[i] = 1 / math.Sqrt(weightOffset+math.Abs(v))
	}
	return w
}

func (s *NonlinearSolver) Fit(spectrum []float64) PixelResult {
	rows, cols := s.matrix.Dims()
	if len(spectrum) != rows {
		return failedResult(cols, true)
	}

	y, bgSum, _, err := s.nnls.prep.Apply(spectrum)
	if err != nil {
		return failedResult(cols, true)
	}

	start, rankDeficient := s.nnls.normal.solve(s.nnls.normal.atb(y))

	amplitudes, err := fitBoundedAmplitudes(s.matrix, y, start, s.iterations)
	if err != nil {
		result := failedResult(cols, true)
		result.Background = bgSum
		return result
	}

	errs, err := amplitudeErrors(s.matrix, y, amplitudes)
	if err != nil {
		errs = nanSlice(cols)
	}

	return PixelResult{
		Coefficients:  amplitudes,
		Errors:        errs,
		Background:    bgSum,
		R2:            CalcR2(y, spectralModel.Synthesize(s.matrix, amplitudes)),
		RankDeficient: rankDeficient || s.nnls.rankDeficient,
	}
}

// fitBoundedAmplitudes - LM fit of y ≈ A·x with x >= 0, from a starting guess
func fitBoundedAmplitudes(a *mat.Dense, y []float64, start []float64, iterations int) ([]float64, error) {
	rows, cols := a.Dims()
	w := residualWeights(y)

	f := func(dst, p []float64) {
		amplitudes := make([]float64, cols)
		for j, v := range p {
			amplitudes[j] = boundedToAmplitude(v)
		}
		for i := 0; i < rows; i++ {
			sum := 0.0
			for j, x := range amplitudes {
				sum += a.At(i, j) * x
			}
			dst[i] = (sum - y[i]) * w[i]
		}
	}

	init := make([]float64, cols)
	for j, x := range start {
		// Exactly 0 is a flat spot of the transform, LM can't move off it
		init[j] = math.Max(amplitudeToBounded(x), 1e-3)
	}

	problem := lm.LMProblem{
		Dim:        cols,
		Size:       rows,
		Func:       f,
		Jac:        centralJacobian(f),
		InitParams: init,
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}

	result, err := solveLM(problem, iterations)
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.X) != cols {
		return nil, fmt.Errorf("nonlinear fit returned no result")
	}

	out := make([]float64, cols)
	for j, p := range result.X {
		out[j] = boundedToAmplitude(p)
		if math.IsNaN(out[j]) || math.IsInf(out[j], 0) {
			return nil, fmt.Errorf("nonlinear fit diverged for column %v", j)
		}
	}
	return out, nil
}

// amplitudeErrors - standard error per amplitude: sqrt(diag((AᵀW²A)⁻¹) * reduced chi²)
func amplitudeErrors(a *mat.Dense, y []float64, amplitudes []float64) ([]float64, error) {
	rows, cols := a.Dims()
	if rows <= cols {
		return nil, fmt.Errorf("not enough channels (%v) to estimate errors for %v parameters", rows, cols)
	}

	w := residualWeights(y)
	fitted := spectralModel.Synthesize(a, amplitudes)

	chi2 := 0.0
	for i, v := range y {
		r := (fitted[i] - v) * w[i]
		chi2 += r * r
	}
	redChi := chi2 / float64(rows-cols)

	weighted := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			weighted.Set(i, j, a.At(i, j)*w[i])
		}
	}

	return covarianceErrors(weighted, redChi)
}

// covarianceErrors - given a (weighted) jacobian J, sqrt(diag((JᵀJ)⁻¹) * scale)
func covarianceErrors(j mat.Matrix, scale float64) ([]float64, error) {
	_, cols := j.Dims()
	jtj := mat.NewSymDense(cols, nil)
	jtj.SymOuterK(1, j.T())

	var chol mat.Cholesky
	if !chol.Factorize(jtj) {
		return nil, fmt.Errorf("covariance matrix is singular")
	}

	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, err
	}

	result := make([]float64, cols)
	for i := range result {
		result[i] = math.Sqrt(math.Abs(cov.At(i, i)) * scale)
	}
	return result, nil
}
