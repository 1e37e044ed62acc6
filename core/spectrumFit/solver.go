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

// Package spectrumFit fits a single spectrum against a regression matrix, either with
// non-negative least squares (fast, used for whole maps) or a bounded nonlinear least squares
// fit that also reports standard errors. Also contains the summed spectrum fit which refines
// the energy calibration.
package spectrumFit

import (
	"fmt"
	"math"

	"github.com/pixlise/xrfmap/core/background"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/spectralModel"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	MethodNNLS      = "nnls"
	MethodNonlinear = "nonlinear"
)

// Energy lost to a silicon detector escape event, keV
const siliconEscapeEnergy = 1.73998

// PixelResult - fit of one spectrum. Coefficients has one value per matrix column. Errors is only
// set by fits that estimate them
type PixelResult struct {
	Coefficients  []float64
	Errors        []float64
	Background    float64 // Sum of the subtracted SNIP background
	R2            float64
	Failed        bool
	RankDeficient bool
}

// Solver - fits one spectrum (already cut to the fit window). Implementations are read-only once
// built, so one can be shared by many goroutines
type Solver interface {
	Fit(spectrum []float64) PixelResult
	Columns() int
}

// Preprocess - what happens to a spectrum before it's fitted
type Preprocess struct {
	Calibration     fitParams.EnergyCalibration
	FirstChannel    float64 // Detector channel of the first value in the fit window
	UseSNIP         bool
	BackgroundWidth float64
	EscapeRatio     float64
	SNIPSmoothing   int // Boxcar width applied before clipping, 0 or 1 for none
	SNIPIterations  int // Clipping passes at the full window, 0 for the default
}

// PreprocessFromParams - reads background and escape settings from the fit parameters
func PreprocessFromParams(params fitParams.FitParameters, firstChannel float64, useSNIP bool) (Preprocess, error) {
	cal, err := params.Calibration()
	if err != nil {
		return Preprocess{}, err
	}
	if useSNIP && params.NonFitting.BackgroundWidth <= 0 {
		return Preprocess{}, fmt.Errorf("invalid background width: %v", params.NonFitting.BackgroundWidth)
	}

	return Preprocess{
		Calibration:     cal,
		FirstChannel:    firstChannel,
		UseSNIP:         useSNIP,
		BackgroundWidth: params.NonFitting.BackgroundWidth,
		EscapeRatio:     params.NonFitting.EscapeRatio,
	}, nil
}

// SNIPOptions - background options for a spectrum starting at FirstChannel
func (p Preprocess) SNIPOptions() []background.Option {
	opts := []background.Option{background.WithFirstChannel(p.FirstChannel)}
	if p.SNIPSmoothing > 1 {
		opts = append(opts, background.WithSmoothing(p.SNIPSmoothing))
	}
	if p.SNIPIterations > 0 {
		opts = append(opts, background.WithIterations(p.SNIPIterations))
	}
	return opts
}

// Apply - returns the spectrum with background (and escape peaks if configured) removed, the
// background sum and the background itself
func (p Preprocess) Apply(spectrum []float64) ([]float64, float64, []float64, error) {
	y := append([]float64{}, spectrum...)
	var bg []float64

	if p.UseSNIP {
		var err error
		bg, err = background.SNIP(spectrum, p.Calibration, p.BackgroundWidth, p.SNIPOptions()...)
		if err != nil {
			return nil, 0, nil, err
		}
		floats.Sub(y, bg)
	}

	if p.EscapeRatio > 0 {
		floats.Sub(y, EscapePeak(spectrum, p.Calibration, p.EscapeRatio))
	}

	bgSum := 0.0
	if bg != nil {
		bgSum = floats.Sum(bg)
	}
	return y, bgSum, bg, nil
}

// EscapePeak - estimated silicon escape peak contribution at each channel: counts detected
// 1.74 keV higher, scaled by the escape ratio. Channels whose source is past the end get 0
func EscapePeak(spectrum []float64, cal fitParams.EnergyCalibration, ratio float64) []float64 {
	result := make([]float64, len(spectrum))
	shift := siliconEscapeEnergy / cal.Linear

	for i := range result {
		src := float64(i) + shift
		lo := int(math.Floor(src))
		if lo < 0 || lo >= len(spectrum)-1 {
			continue
		}
		frac := src - float64(lo)
		result[i] = ratio * (spectrum[lo]*(1-frac) + spectrum[lo+1]*frac)
	}
	return result
}

// NewSolver - creates the solver for a fitting method
func NewSolver(method string, matrix *mat.Dense, prep Preprocess) (Solver, error) {
	switch method {
	case MethodNNLS, "":
		return NewNNLSSolver(matrix, prep)
	case MethodNonlinear:
		return NewNonlinearSolver(matrix, prep)
	}
	return nil, fmt.Errorf("unknown fitting method: %v", method)
}

// NNLSSolver - non-negative least squares against a fixed matrix. The normal equations are
// computed once when the solver is built
type NNLSSolver struct {
	prep          Preprocess
	matrix        *mat.Dense
	normal        *normalEquations
	rankDeficient bool
}

func NewNNLSSolver(matrix *mat.Dense, prep Preprocess) (*NNLSSolver, error) {
	if matrix == nil {
		return nil, fmt.Errorf("no regression matrix supplied")
	}
	if err := prep.Calibration.Validate(); err != nil {
		return nil, err
	}

	_, cols := matrix.Dims()
	return &NNLSSolver{
		prep:          prep,
		matrix:        matrix,
		normal:        newNormalEquations(matrix),
		rankDeficient: matrixRank(matrix) < cols,
	}, nil
}

func (s *NNLSSolver) Columns() int {
	_, cols := s.matrix.Dims()
	return cols
}

// RankDeficient - is the matrix itself rank deficient, in which case every pixel is flagged
func (s *NNLSSolver) RankDeficient() bool {
	return s.rankDeficient
}

func (s *NNLSSolver) Fit(spectrum []float64) PixelResult {
	rows, cols := s.matrix.Dims()
	if len(spectrum) != rows {
		return failedResult(cols, false)
	}

	y, bgSum, _, err := s.prep.Apply(spectrum)
	if err != nil {
		return failedResult(cols, false)
	}

	x, rankDeficient := s.normal.solve(s.normal.atb(y))

	return PixelResult{
		Coefficients:  x,
		Background:    bgSum,
		R2:            CalcR2(y, spectralModel.Synthesize(s.matrix, x)),
		RankDeficient: rankDeficient || s.rankDeficient,
	}
}

// CalcR2 - coefficient of determination of a fit. A constant spectrum gives 1 if fitted exactly
// and 0 otherwise
func CalcR2(y []float64, yFit []float64) float64 {
	mean := stat.Mean(y, nil)
	sse := 0.0
	sst := 0.0
	for i, v := range y {
		sse += (v - yFit[i]) * (v - yFit[i])
		sst += (v - mean) * (v - mean)
	}

	if sst == 0 {
		if sse == 0 {
			return 1
		}
		return 0
	}
	return 1 - sse/sst
}

func failedResult(cols int, withErrors bool) PixelResult {
	result := PixelResult{Coefficients: nanSlice(cols), R2: math.NaN(), Failed: true}
	if withErrors {
		result.Errors = nanSlice(cols)
	}
	return result
}

func nanSlice(n int) []float64 {
	result := make([]float64, n)
	for i := range result {
		result[i] = math.NaN()
	}
	return result
}
