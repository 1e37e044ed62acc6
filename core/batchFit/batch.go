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

// Package batchFit fits a list of scan cubes with one parameter set and writes the maps of each.
// A scan that fails is recorded in its outcome and logged, the rest of the batch carries on.
package batchFit

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/fitMetrics"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/fitPlot"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/mapScaling"
	"github.com/pixlise/xrfmap/core/mapStore"
	"github.com/pixlise/xrfmap/core/pixelFit"
	"github.com/pixlise/xrfmap/core/spectrumFit"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Names of the files written into each scan's output directory
const (
	MapsFileName      = "maps.json"
	ErrorMapsFileName = "errors.json"
	SummedPlotName    = "summed_fit.png"
	TIFFDirName       = "tiff"
	TXTDirName        = "txt"
)

// RoiSpec - an energy range to sum counts over, giving a map named Name
type RoiSpec struct {
	Name    string
	LowKeV  float64
	HighKeV float64
}

// ParseRoiSpec - reads "name:lowKeV:highKeV", eg "Fe_roi:6.2:6.6"
func ParseRoiSpec(spec string) (RoiSpec, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 || len(strings.TrimSpace(parts[0])) <= 0 {
		return RoiSpec{}, fmt.Errorf("invalid ROI \"%v\", expected name:lowKeV:highKeV", spec)
	}

	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return RoiSpec{}, errors.Wrapf(err, "invalid ROI \"%v\" low energy", spec)
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return RoiSpec{}, errors.Wrapf(err, "invalid ROI \"%v\" high energy", spec)
	}
	if hi <= lo {
		return RoiSpec{}, fmt.Errorf("invalid ROI \"%v\": high energy must be above low", spec)
	}
	return RoiSpec{Name: strings.TrimSpace(parts[0]), LowKeV: lo, HighKeV: hi}, nil
}

// Job - what to fit and what to write
type Job struct {
	Scans          []string // Cube files relative to the data root
	ParamName      string   // Name of the parameter set in the parameter store
	Fit            pixelFit.Options
	IncidentEnergy float64 // Overrides the parameter set's incident energy if > 0

	// Start from the calibration stored with each scan instead of the parameter set's, for scans
	// that carry one
	UseScanCalibration bool

	// Refine the calibration on each scan's summed spectrum before pixel fitting. If SaveParams
	// is set the refined parameters are saved back as <scan>_<param name>
	FitSummed  bool
	SaveParams bool

	ScalerName  string   // Scaler stored with the cube to normalise maps by
	NotScalable []string // Maps never normalised, defaults to r_squared
	Interpolate bool     // Resample maps onto a uniform grid using the cube's x/y positions
	Rois        []RoiSpec

	OutputDir  string // Within the output root, defaults to the run ID
	OutputTIFF bool
	OutputTXT  bool
	SavePlot   bool
	Parallel   int // Scans fitted at once, defaults to 1
}

// FileOutcome - result of one scan of the batch. Err is nil if it was fitted and written
type FileOutcome struct {
	Scan      string
	OutputDir string
	Summary   mapStore.RunSummary
	Err       error
}

// Runner - the storage, stores and ambient services a batch runs against
type Runner struct {
	Data      fileaccess.Root
	Output    fileaccess.Root
	Params    fitParams.Store
	Summaries mapStore.SummaryStore // Optional
	Log       logger.ILogger
	Metrics   *fitMetrics.Metrics
	RunID     string
}

// ScanOutputDir - where the output of a scan goes, relative to the output root
func ScanOutputDir(outputDir string, scan string) string {
	name := strings.TrimSuffix(path.Base(scan), path.Ext(scan))
	return path.Join(outputDir, fileaccess.MakeValidObjectName(name))
}

// Run - fits every scan of the job. Errors that apply to the whole batch (no scans, parameter
// set can't be loaded) are returned before anything is fitted. Per-scan failures are only in
// the outcomes. Cancelling ctx stops scans that haven't started and returns ctx's error
func (r *Runner) Run(ctx context.Context, job Job) ([]FileOutcome, error) {
	log := logger.OrNull(r.Log)

	if len(job.Scans) <= 0 {
		return nil, errors.New("no scans to fit")
	}
	if r.Params == nil {
		return nil, errors.New("no parameter store supplied")
	}
	if job.Parallel < 0 {
		return nil, fmt.Errorf("invalid parallel scan count: %v", job.Parallel)
	}

	params, err := r.Params.Load(ctx, job.ParamName)
	if err != nil {
		return nil, err
	}
	if job.IncidentEnergy > 0 {
		log.Infof("Incident energy overridden: %v keV", job.IncidentEnergy)
		params = params.WithIncidentEnergy(job.IncidentEnergy)
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrapf(err, "parameter set %v", job.ParamName)
	}

	if len(job.OutputDir) <= 0 {
		job.OutputDir = r.RunID
	}
	if len(job.NotScalable) <= 0 {
		job.NotScalable = []string{mapScaling.RSquaredName}
	}
	job.Fit.Log = log
	job.Fit.Metrics = r.Metrics

	parallel := job.Parallel
	if parallel <= 0 {
		parallel = 1
	}

	outcomes := make([]FileOutcome, len(job.Scans))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)

	for c, scan := range job.Scans {
		if groupCtx.Err() != nil {
			break
		}

		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			outcomes[c] = r.fitScan(groupCtx, job, scan, params)

			// Only cancellation stops the batch
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return outcomes, errors.Wrap(err, "batch fit cancelled")
	}
	if err := ctx.Err(); err != nil {
		return outcomes, errors.Wrap(err, "batch fit cancelled")
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	log.Infof("Batch %v: fitted %v of %v scans", r.RunID, len(outcomes)-failed, len(outcomes))
	return outcomes, nil
}

func (r *Runner) fitScan(ctx context.Context, job Job, scan string, params fitParams.FitParameters) FileOutcome {
	log := logger.OrNull(r.Log)
	start := time.Now()

	outcome := FileOutcome{Scan: scan, OutputDir: ScanOutputDir(job.OutputDir, scan)}
	outcome.Summary = mapStore.RunSummary{
		RunID:      r.RunID,
		Scan:       scan,
		ParamName:  job.ParamName,
		Method:     job.Fit.Method,
		OutputPath: r.Output.Path(outcome.OutputDir),
	}
	if len(outcome.Summary.Method) <= 0 {
		outcome.Summary.Method = spectrumFit.MethodNNLS
	}

	outcome.Err = r.fitAndWrite(ctx, job, scan, params, &outcome)
	if outcome.Err != nil {
		log.Warnf("Scan %v failed: %v", scan, outcome.Err)
		outcome.Summary.Error = outcome.Err.Error()
	}
	outcome.Summary.Timestamp(start, time.Since(start))

	if r.Summaries != nil {
		if err := r.Summaries.SaveSummary(ctx, outcome.Summary); err != nil {
			log.Errorf("Failed to save run summary for %v: %v", scan, err)
		}
	}
	r.Metrics.ScanDone(outcome.Err)
	return outcome
}

func (r *Runner) fitAndWrite(ctx context.Context, job Job, scan string, params fitParams.FitParameters, outcome *FileOutcome) error {
	log := logger.OrNull(r.Log)

	scanData, err := mapStore.ReadCube(r.Data, scan)
	if err != nil {
		return err
	}
	cube := scanData.Cube
	log.Infof("Fitting scan %v: %vx%v pixels, %v channels", scan, cube.Rows, cube.Cols, cube.Channels)

	if job.UseScanCalibration {
		if scanData.Calibration == nil {
			log.Warnf("Scan %v has no stored calibration, using parameter set %v", scan, job.ParamName)
		} else {
			params = params.WithCalibration(*scanData.Calibration)
		}
	}

	if job.FitSummed {
		params, err = r.fitSummed(ctx, job, scan, params, scanData, outcome.OutputDir)
		if err != nil {
			return err
		}
	}

	result, err := pixelFit.FitCube(ctx, cube, params, job.Fit)
	if err != nil {
		return err
	}
	diag := result.Diagnostics

	// Total counts and ROIs are at scan resolution, so only added if the fit wasn't binned
	maps := result.Maps
	if diag.BinSize <= 1 {
		maps = append(maps, mapScaling.MapTotalCounts(cube))
	}

	if len(job.Rois) > 0 {
		cal, _ := params.Calibration()
		windows := []mapScaling.RoiWindow{}
		for _, roi := range job.Rois {
			w, err := mapScaling.RoiWindowFromEnergy(roi.Name, roi.LowKeV, roi.HighKeV, cal, 0)
			if err != nil {
				return err
			}
			windows = append(windows, w)
		}
		roiMaps, err := mapScaling.RoiSum(cube, windows)
		if err != nil {
			return err
		}
		if diag.BinSize <= 1 {
			maps = append(maps, roiMaps...)
		} else {
			log.Warnf("Scan %v: ROI maps not written, maps are binned by %v", scan, diag.BinSize)
		}
	}

	errorMaps := diag.ErrorMaps
	if len(job.ScalerName) > 0 {
		scaler, ok := scanData.Scalers[job.ScalerName]
		if !ok {
			log.Warnf("Scan %v has no scaler %v, maps not normalised", scan, job.ScalerName)
		} else {
			maps = mapScaling.NormalizeMaps(maps, scaler, job.NotScalable)
			errorMaps = mapScaling.NormalizeMaps(errorMaps, scaler, job.NotScalable)
		}
	}

	if job.Interpolate {
		if scanData.X == nil || scanData.Y == nil {
			log.Warnf("Scan %v has no positions, maps not interpolated", scan)
		} else if diag.BinSize > 1 {
			log.Warnf("Scan %v: binned maps can't be interpolated onto scan positions", scan)
		} else {
			if maps, err = interpolateMaps(maps, scanData); err != nil {
				return err
			}
			if errorMaps, err = interpolateMaps(errorMaps, scanData); err != nil {
				return err
			}
		}
	}

	if err := r.writeMaps(job, outcome.OutputDir, maps, errorMaps); err != nil {
		return err
	}

	names := make([]string, len(maps))
	for c, m := range maps {
		names[c] = m.Name
	}
	rows, cols := 0, 0
	if len(maps) > 0 {
		rows, cols = maps[0].Values.Dims()
	}

	outcome.Summary.Names = names
	outcome.Summary.Rows = rows
	outcome.Summary.Cols = cols
	outcome.Summary.FailedPixels = diag.FailedPixels
	outcome.Summary.RankDeficientPixels = diag.RankDeficientPixels
	return nil
}

// fitSummed - refines the calibration on the scan's summed spectrum, returns the refined params
func (r *Runner) fitSummed(ctx context.Context, job Job, scan string, params fitParams.FitParameters, scanData *mapStore.ScanData, outputDir string) (fitParams.FitParameters, error) {
	cal, err := params.Calibration()
	if err != nil {
		return params, err
	}

	cut, _, channels, err := pixelFit.CutSpectrumWindow(scanData.Cube, cal, params.NonFitting.EnergyBoundLow.Value, params.NonFitting.EnergyBoundHigh.Value)
	if err != nil {
		return params, err
	}

	summed, err := spectrumFit.FitSummedSpectrum(cut.SummedSpectrum(), channels, params, params.ElementLines(), spectrumFit.SummedOptions{
		UseSNIP:        job.Fit.UseSNIP,
		SNIPSmoothing:  job.Fit.SNIPSmoothing,
		SNIPIterations: job.Fit.SNIPIterations,
		Catalog:        job.Fit.Catalog,
		Log:            r.Log,
	})
	if err != nil {
		return params, errors.Wrap(err, "summed spectrum fit")
	}

	if job.SavePlot {
		p, err := fitPlot.SummedFitPlot(summed, fitPlot.Options{Title: scan, LogScale: true})
		if err == nil {
			err = fitPlot.SavePNG(r.Output, path.Join(outputDir, SummedPlotName), p, fitPlot.Options{})
		}
		if err != nil {
			logger.OrNull(r.Log).Warnf("Scan %v: failed to save summed fit plot: %v", scan, err)
		}
	}

	if job.SaveParams {
		name := SavedParamName(scan, job.ParamName)
		if err := r.Params.Save(ctx, name, summed.Params); err != nil {
			return params, err
		}
	}
	return summed.Params, nil
}

// SavedParamName - name refined parameters of a scan are saved under
func SavedParamName(scan string, paramName string) string {
	scanName := strings.TrimSuffix(path.Base(scan), path.Ext(scan))
	return path.Join(path.Dir(paramName), fileaccess.MakeValidObjectName(scanName)+"_"+path.Base(paramName))
}

func interpolateMaps(maps []mapScaling.Map, scanData *mapStore.ScanData) ([]mapScaling.Map, error) {
	result := make([]mapScaling.Map, 0, len(maps))
	for _, m := range maps {
		values, _, _, err := mapScaling.GridInterpolate(m.Values, scanData.X, scanData.Y)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to interpolate %v", m.Name)
		}
		result = append(result, mapScaling.Map{Name: m.Name, Values: values})
	}
	return result, nil
}

func (r *Runner) writeMaps(job Job, outputDir string, maps []mapScaling.Map, errorMaps []mapScaling.Map) error {
	if err := mapStore.WriteMaps(r.Output, path.Join(outputDir, MapsFileName), maps); err != nil {
		return err
	}
	if len(errorMaps) > 0 {
		if err := mapStore.WriteMaps(r.Output, path.Join(outputDir, ErrorMapsFileName), errorMaps); err != nil {
			return err
		}
	}
	if job.OutputTIFF {
		if err := mapStore.ExportTIFF(r.Output, path.Join(outputDir, TIFFDirName), maps); err != nil {
			return err
		}
	}
	if job.OutputTXT {
		if err := mapStore.ExportTXT(r.Output, path.Join(outputDir, TXTDirName), maps); err != nil {
			return err
		}
	}
	return nil
}
