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
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/lineCatalog"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/spectralModel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Energy calibration terms that a summed spectrum fit can refine, if not fixed
var calibrationTerms = []string{fitParams.EOffset, fitParams.ELinear, fitParams.EQuadratic}

// Residual used when a trial calibration can't produce a matrix, pushes LM back
const badModelResidual = 1e10

type SummedOptions struct {
	UseSNIP        bool
	SNIPSmoothing  int
	SNIPIterations int
	Iterations     int // Defaults to 100
	Catalog        lineCatalog.Catalog
	Log            logger.ILogger
}

// SummedFit - result of fitting a summed spectrum. Params is the input parameter set with the
// refined calibration written back, ready to save for pixel fitting
type SummedFit struct {
	Names             []string
	Coefficients      []float64
	Errors            []float64
	Params            fitParams.FitParameters
	CalibrationErrors map[string]float64
	Channels          []float64
	Spectrum          []float64
	Fitted            []float64 // Model including background and escape peaks
	Background        []float64
	Escape            []float64
	R2                float64
	ReducedChi2       float64
}

// FitSummedSpectrum - fits a summed spectrum (already cut to the fit window, channels being the
// detector channel of each value) refining both line amplitudes and any free energy calibration
// terms. Amplitudes are bounded at 0, calibration terms by their own bounds
func FitSummedSpectrum(spectrum []float64, channels []float64, params fitParams.FitParameters, lines []string, opts SummedOptions) (*SummedFit, error) {
	if len(spectrum) != len(channels) || len(spectrum) <= 0 {
		return nil, fmt.Errorf("spectrum has %v values for %v channels", len(spectrum), len(channels))
	}

	log := logger.OrNull(opts.Log)
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = nonlinearIterations
	}

	prep, err := PreprocessFromParams(params, channels[0], opts.UseSNIP)
	if err != nil {
		return nil, err
	}
	prep.SNIPSmoothing = opts.SNIPSmoothing
	prep.SNIPIterations = opts.SNIPIterations
	y, _, bg, err := prep.Apply(spectrum)
	if err != nil {
		return nil, errors.Wrap(err, "failed to remove background")
	}

	modelOpts := spectralModel.ModelOptions{Catalog: opts.Catalog, Log: log}
	model, err := spectralModel.ConstructLinearModel(channels, params, lines, modelOpts)
	if err != nil {
		return nil, err
	}
	_, cols := model.Matrix.Dims()

	// Only the lines accepted by the first build take part, so trial builds are quiet and must
	// come back with the same columns
	accepted := model.Names[:len(model.Lines)]
	modelOpts.Log = &logger.NullLogger{}

	free := []string{}
	for _, name := range calibrationTerms {
		if p, ok := params.Get(name); ok && p.IsFree() {
			free = append(free, name)
		}
	}

	ne := newNormalEquations(model.Matrix)
	start, _ := ne.solve(ne.atb(y))

	trialParams := func(x []float64) fitParams.FitParameters {
		result := params.Clone()
		for i, name := range free {
			p, _ := params.Get(name)
			p.Value = p.Clamp(x[cols+i])
			result.Params[name] = p
		}
		return result
	}

	w := residualWeights(y)

	// Residual as a function of amplitudes then calibration terms
	residual := func(dst []float64, amplitudes []float64, x []float64) {
		matrix := model.Matrix
		if len(free) > 0 {
			trial, err := spectralModel.ConstructLinearModel(channels, trialParams(x), accepted, modelOpts)
			if err != nil || len(trial.Names) != len(model.Names) {
				for i := range dst {
					dst[i] = badModelResidual
				}
				return
			}
			matrix = trial.Matrix
		}

		fitted := spectralModel.Synthesize(matrix, amplitudes)
		for i, v := range y {
			dst[i] = (fitted[i] - v) * w[i]
		}
	}

	f := func(dst, x []float64) {
		amplitudes := make([]float64, cols)
		for j := 0; j < cols; j++ {
			amplitudes[j] = boundedToAmplitude(x[j])
		}
		residual(dst, amplitudes, x)
	}

	init := make([]float64, cols+len(free))
	for j, a := range start {
		init[j] = math.Max(amplitudeToBounded(a), 1e-3)
	}
	for i, name := range free {
		init[cols+i] = params.Value(name, 0)
	}

	problem := lm.LMProblem{
		Dim:        len(init),
		Size:       len(y),
		Func:       f,
		Jac:        centralJacobian(f),
		InitParams: init,
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}

	solved, err := solveLM(problem, iterations)
	if err != nil {
		return nil, errors.Wrap(err, "summed spectrum fit failed")
	}
	if solved == nil || len(solved.X) != len(init) {
		return nil, errors.New("summed spectrum fit returned no result")
	}

	result := &SummedFit{
		Names:             append([]string{}, model.Names...),
		Coefficients:      make([]float64, cols),
		Params:            trialParams(solved.X),
		CalibrationErrors: map[string]float64{},
		Channels:          append([]float64{}, channels...),
		Spectrum:          append([]float64{}, spectrum...),
		Background:        bg,
	}
	for j := 0; j < cols; j++ {
		result.Coefficients[j] = boundedToAmplitude(solved.X[j])
		if math.IsNaN(result.Coefficients[j]) || math.IsInf(result.Coefficients[j], 0) {
			return nil, fmt.Errorf("summed spectrum fit diverged for %v", model.Names[j])
		}
	}

	final, err := spectralModel.ConstructLinearModel(channels, result.Params, accepted, modelOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build model from refined parameters")
	}

	yFit := spectralModel.Synthesize(final.Matrix, result.Coefficients)
	result.R2 = CalcR2(y, yFit)

	result.Fitted = append([]float64{}, yFit...)
	for i := range result.Fitted {
		if bg != nil {
			result.Fitted[i] += bg[i]
		}
	}
	if prep.EscapeRatio > 0 {
		result.Escape = EscapePeak(spectrum, prep.Calibration, prep.EscapeRatio)
		for i, v := range result.Escape {
			result.Fitted[i] += v
		}
	}

	// Errors from the jacobian with respect to the amplitudes themselves (not the bounded
	// transform) and the calibration terms
	solution := append(append([]float64{}, result.Coefficients...), solved.X[cols:]...)
	dof := len(y) - len(solution)

	chi2 := 0.0
	r := make([]float64, len(y))
	residual(r, result.Coefficients, solution)
	for _, v := range r {
		chi2 += v * v
	}

	result.Errors = nanSlice(cols)
	if dof > 0 {
		result.ReducedChi2 = chi2 / float64(dof)

		jac := mat.NewDense(len(y), len(solution), nil)
		fd.Jacobian(jac, func(dst, x []float64) { residual(dst, x[:cols], x) }, solution, &fd.JacobianSettings{OriginValue: r})

		errs, err := covarianceErrors(jac, result.ReducedChi2)
		if err != nil {
			log.Infof("Summed spectrum fit: could not estimate errors: %v", err)
		} else {
			copy(result.Errors, errs[:cols])
			for i, name := range free {
				result.CalibrationErrors[name] = errs[cols+i]
			}
		}
	}

	cal, _ := result.Params.Calibration()
	log.Infof("Summed spectrum fit: R2=%v, calibration offset=%v linear=%v quadratic=%v", result.R2, cal.Offset, cal.Linear, cal.Quadratic)
	return result, nil
}
