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

// Package pixelFit fits every pixel of a scan cube: cuts spectra to the fit window, builds the
// regression matrix once, optionally bins pixels or smooths the energy axis, then fits rows in
// parallel and assembles per-line maps.
package pixelFit

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/pixlise/xrfmap/core/background"
	"github.com/pixlise/xrfmap/core/fitMetrics"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/lineCatalog"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/mapScaling"
	"github.com/pixlise/xrfmap/core/spectralCube"
	"github.com/pixlise/xrfmap/core/spectralModel"
	"github.com/pixlise/xrfmap/core/spectrumFit"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Stage names reported to metrics
const (
	stagePrepare  = "prepare"
	stageFit      = "fit"
	stageAssemble = "assemble"
)

type Options struct {
	Method             string  // spectrumFit.MethodNNLS (default) or MethodNonlinear
	PixelBin           int     // Block side 2 or 3, or pixel count 4 or 9. 0 for none
	RaiseBackground    float64 // Added to every channel before fitting
	CompElasticCombine bool
	LinearBackground   bool // Fit a constant background column
	UseSNIP            bool
	SNIPSmoothing      int  // Boxcar width applied before clipping, 0 or 1 for none
	SNIPIterations     int  // Clipping passes at the full window, 0 for the default
	BackgroundColumn   bool // Fit a column shaped like the SNIP background of the summed spectrum
	BinEnergy          int  // Energy axis smoothing width 2 or 3, 0 or 1 for none
	Workers            int // 0 means one per CPU
	FirstPeakArea      bool
	Catalog            lineCatalog.Catalog
	Log                logger.ILogger
	Metrics            *fitMetrics.Metrics
}

// Diagnostics - what was fitted and how it went
type Diagnostics struct {
	Names               []string
	Matrix              *mat.Dense
	Results             mapScaling.ResultGrid
	FitRange            FitRange
	Channels            []float64 // Detector channel of each matrix row
	Energies            []float64 // keV of each matrix row
	ErrorMaps           []mapScaling.Map
	BinSize             int
	FailedPixels        int
	RankDeficientPixels int
	Elapsed             time.Duration
}

type FitResult struct {
	Maps        []mapScaling.Map
	Diagnostics Diagnostics
}

func (o Options) validate() (int, error) {
	switch o.Method {
	case "", spectrumFit.MethodNNLS, spectrumFit.MethodNonlinear:
	default:
		return 0, fmt.Errorf("unknown fitting method: %v", o.Method)
	}
	if o.BinEnergy < 0 || o.BinEnergy > 3 {
		return 0, fmt.Errorf("invalid energy binning: %v, expected 2 or 3", o.BinEnergy)
	}
	if o.Workers < 0 {
		return 0, fmt.Errorf("invalid worker count: %v", o.Workers)
	}
	if o.RaiseBackground < 0 {
		return 0, fmt.Errorf("invalid background raise: %v", o.RaiseBackground)
	}
	if o.SNIPSmoothing < 0 || o.SNIPIterations < 0 {
		return 0, fmt.Errorf("invalid SNIP smoothing %v or iterations %v", o.SNIPSmoothing, o.SNIPIterations)
	}
	if o.BackgroundColumn && o.UseSNIP {
		return 0, errors.New("background column can't be combined with per-pixel SNIP")
	}
	return blockSize(o.PixelBin)
}

// FitCube - fits every pixel of the cube with the given parameters. Anything wrong with the
// parameters or options is returned before any pixel is fitted. Pixels that fail to fit are
// flagged and counted in the diagnostics, they don't stop the run. Cancelling ctx stops the fit
// between rows
func FitCube(ctx context.Context, cube *spectralCube.Cube, params fitParams.FitParameters, opts Options) (*FitResult, error) {
	start := time.Now()
	log := logger.OrNull(opts.Log)

	n, err := opts.validate()
	if err != nil {
		return nil, err
	}
	if cube == nil {
		return nil, errors.New("no spectral cube supplied")
	}
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	cal, err := params.Calibration()
	if err != nil {
		return nil, err
	}
	cat := opts.Catalog
	if cat == nil {
		cat = lineCatalog.Builtin()
	}

	data, fitRange, channels, err := CutSpectrumWindow(cube, cal, params.NonFitting.EnergyBoundLow.Value, params.NonFitting.EnergyBoundHigh.Value)
	if err != nil {
		return nil, err
	}

	prep, err := spectrumFit.PreprocessFromParams(params, float64(fitRange.Low), opts.UseSNIP)
	if err != nil {
		return nil, err
	}
	prep.SNIPSmoothing = opts.SNIPSmoothing
	prep.SNIPIterations = opts.SNIPIterations

	data, err = prepareData(data, opts, n, log)
	if err != nil {
		return nil, err
	}

	model, err := buildModel(data, channels, params, prep, opts, cat, log)
	if err != nil {
		return nil, err
	}
	log.Infof("Matrix used for fitting has components: %v", model.Names)

	solver, err := spectrumFit.NewSolver(opts.Method, model.Matrix, prep)
	if err != nil {
		return nil, err
	}
	opts.Metrics.ObserveStage(stagePrepare, start)

	fitStart := time.Now()
	grid, err := FitRows(ctx, data, solver, opts)
	if err != nil {
		return nil, err
	}
	opts.Metrics.ObserveStage(stageFit, fitStart)

	assembleStart := time.Now()
	if n > 1 {
		scaleResults(grid.Pixels, 1/float64(n*n))
	}

	result := &FitResult{
		Diagnostics: Diagnostics{
			Names:    model.Names,
			Matrix:   model.Matrix,
			Results:  grid,
			FitRange: fitRange,
			Channels: channels,
			Energies: cal.EnergyAxis(channels),
			BinSize:  n,
		},
	}

	if opts.Method == spectrumFit.MethodNonlinear {
		result.Maps, result.Diagnostics.ErrorMaps, err = mapScaling.AreaAndErrorNonlinear(model.Names, model.Matrix, grid)
	} else {
		result.Maps, err = mapScaling.CalculateArea(model.Names, model.Matrix, grid, params.IncidentEnergy(), opts.FirstPeakArea, cat)
	}
	if err != nil {
		return nil, err
	}

	for _, p := range grid.Pixels {
		if p.Failed {
			result.Diagnostics.FailedPixels++
		} else if p.RankDeficient {
			result.Diagnostics.RankDeficientPixels++
		}
	}
	if result.Diagnostics.FailedPixels > 0 {
		log.Warnf("%v of %v pixels failed to fit", result.Diagnostics.FailedPixels, len(grid.Pixels))
	}
	if result.Diagnostics.RankDeficientPixels > 0 {
		log.Warnf("%v of %v pixels had a rank deficient fit", result.Diagnostics.RankDeficientPixels, len(grid.Pixels))
	}

	opts.Metrics.ObserveStage(stageAssemble, assembleStart)
	result.Diagnostics.Elapsed = time.Since(start)
	log.Infof("Fitted %vx%v pixels in %v", grid.Rows, grid.Cols, result.Diagnostics.Elapsed)
	return result, nil
}

// FitRegion - FitCube on a rectangular block of the cube, rows [rowStart, rowEnd) and cols
// [colStart, colEnd). For fitting large scans a piece at a time
func FitRegion(ctx context.Context, cube *spectralCube.Cube, rowStart, rowEnd, colStart, colEnd int, params fitParams.FitParameters, opts Options) (*FitResult, error) {
	chunk, err := cube.Chunk(rowStart, rowEnd, colStart, colEnd)
	if err != nil {
		return nil, err
	}
	return FitCube(ctx, chunk, params, opts)
}

func buildModel(data *spectralCube.Cube, channels []float64, params fitParams.FitParameters, prep spectrumFit.Preprocess, opts Options, cat lineCatalog.Catalog, log logger.ILogger) (*spectralModel.LinearModel, error) {
	modelOpts := spectralModel.ModelOptions{Catalog: cat, Log: log}
	if opts.BackgroundColumn {
		bg, err := summedBackground(data, params.NonFitting.BackgroundWidth, prep)
		if err != nil {
			return nil, err
		}
		modelOpts.Background = bg
	}

	model, err := spectralModel.ConstructLinearModel(channels, params, params.ElementLines(), modelOpts)
	if err != nil {
		return nil, err
	}

	if opts.CompElasticCombine {
		model, err = spectralModel.CombineComptonElastic(model)
		if err != nil {
			return nil, err
		}
	}
	if opts.LinearBackground {
		model = spectralModel.AppendConstantBackground(model)
	}
	return model, nil
}

// summedBackground - SNIP background of the summed spectrum scaled to unit area, so its
// coefficient is the background counts of a pixel
func summedBackground(data *spectralCube.Cube, width float64, prep spectrumFit.Preprocess) ([]float64, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid background width: %v", width)
	}

	bg, err := background.SNIP(data.SummedSpectrum(), prep.Calibration, width, prep.SNIPOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to estimate summed spectrum background")
	}

	area := floats.Sum(bg)
	if area <= 0 {
		return nil, errors.New("summed spectrum has no background to fit")
	}
	floats.Scale(1/area, bg)
	return bg, nil
}

// prepareData - background raise, spatial binning and energy smoothing, in that order. Never
// modifies the cube passed in
func prepareData(data *spectralCube.Cube, opts Options, n int, log logger.ILogger) (*spectralCube.Cube, error) {
	if opts.RaiseBackground > 0 {
		data = data.Clone()
		data.AddConstant(opts.RaiseBackground)
	}

	if n > 1 {
		log.Infof("Binning pixels in %vx%v blocks", n, n)
		binned, err := data.BinSpatial(n)
		if err != nil {
			return nil, err
		}
		data = binned
	}

	if opts.BinEnergy > 1 {
		log.Infof("Smoothing energy axis with width %v", opts.BinEnergy)
		smoothed, err := data.ConvolveEnergy(opts.BinEnergy)
		if err != nil {
			return nil, err
		}
		data = smoothed
	}
	return data, nil
}

// scaleResults - converts fits of n x n block sums to per original pixel values
func scaleResults(pixels []spectrumFit.PixelResult, scale float64) {
	for i := range pixels {
		for j := range pixels[i].Coefficients {
			pixels[i].Coefficients[j] *= scale
		}
		for j := range pixels[i].Errors {
			pixels[i].Errors[j] *= scale
		}
		pixels[i].Background *= scale
	}
}

// FitRows - fits every pixel of the cube (already cut to the solver's window), one task per row
// over a pool of workers. Results are in row-major pixel order regardless of which row finishes
// first
func FitRows(ctx context.Context, data *spectralCube.Cube, solver spectrumFit.Solver, opts Options) (mapScaling.ResultGrid, error) {
	grid := mapScaling.ResultGrid{Rows: data.Rows, Cols: data.Cols, Pixels: make([]spectrumFit.PixelResult, data.Rows*data.Cols)}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	method := opts.Method
	if len(method) <= 0 {
		method = spectrumFit.MethodNNLS
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for r := 0; r < data.Rows; r++ {
		if gctx.Err() != nil {
			break
		}

		row := r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fitRow(row, data, solver, grid.Pixels[row*data.Cols:(row+1)*data.Cols], method, opts.Metrics)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return grid, errors.Wrap(err, "pixel fitting cancelled")
	}
	if err := ctx.Err(); err != nil {
		return grid, errors.Wrap(err, "pixel fitting cancelled")
	}
	return grid, nil
}

// fitRow - fits one row of pixels into its slots of the output
func fitRow(row int, data *spectralCube.Cube, solver spectrumFit.Solver, out []spectrumFit.PixelResult, method string, metrics *fitMetrics.Metrics) {
	for c := range out {
		start := time.Now()
		out[c] = solver.Fit(data.Spectrum(row, c))
		metrics.ObservePixel(method, time.Since(start), out[c].Failed, out[c].RankDeficient)
	}
}
