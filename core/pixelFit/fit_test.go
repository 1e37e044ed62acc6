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

package pixelFit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/pixlise/xrfmap/core/fitMetrics"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/spectralCube"
	"github.com/pixlise/xrfmap/core/spectralModel"
	"github.com/pixlise/xrfmap/core/spectrumFit"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const testChannels = 4096

func makeTestParams() fitParams.FitParameters {
	p := fitParams.New()
	p.SetValue(fitParams.EOffset, 0)
	p.SetValue(fitParams.ELinear, 0.01)
	p.SetValue(fitParams.EQuadratic, 0)
	p.SetValue(fitParams.FwhmOffset, 0.12)
	p.SetValue(fitParams.FwhmFanoprime, 0.00012)
	p.SetValue(fitParams.CoherentEnergy, 12)
	p.SetValue(fitParams.ComptonAngle, 90)
	p.SetValue(fitParams.ComptonFwhmCorr, 1.5)
	p.SetElementLines([]string{"Fe_K", "Ca_K"})
	p.NonFitting.EnergyBoundLow.Value = 1
	p.NonFitting.EnergyBoundHigh.Value = 13
	p.NonFitting.BackgroundWidth = 0.5
	return p
}

// Fe_K and Ca_K peaks over a flat background, laid out over all detector channels
func makeSpectrum(t *testing.T, fe float64, ca float64, flat float64) []float64 {
	channels := []float64{}
	for c := 100; c <= 1300; c++ {
		channels = append(channels, float64(c))
	}

	model, err := spectralModel.ConstructLinearModel(channels, makeTestParams(), []string{"Fe_K", "Ca_K"}, spectralModel.ModelOptions{})
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	peaks := spectralModel.Synthesize(model.Matrix, []float64{fe, ca, 0, 0})

	result := make([]float64, testChannels)
	for i := range result {
		result[i] = flat
	}
	floats.Add(result[100:1301], peaks)
	return result
}

func makeTestCube(t *testing.T, rows int, cols int, flat float64) *spectralCube.Cube {
	cube := spectralCube.New(rows, cols, testChannels)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			scale := 1 + 0.1*float64(r*cols+c)
			if err := cube.SetSpectrum(r, c, makeSpectrum(t, 5000*scale, 2000*scale, flat)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	return cube
}

func relErr(v float64, exp float64) float64 {
	return math.Abs(v-exp) / math.Abs(exp)
}

func Example_cutSpectrumWindow() {
	cube := spectralCube.New(1, 2, 2000)
	cal := fitParams.EnergyCalibration{Offset: 0, Linear: 0.01}

	cut, fr, channels, err := CutSpectrumWindow(cube, cal, 1, 13)
	fmt.Printf("%v|%+v|%v|%v|%v|%v\n", cut.Channels, fr, len(channels), channels[0], channels[len(channels)-1], err)

	cut, fr, _, err = CutSpectrumWindow(cube, cal, 1.005, 30)
	fmt.Printf("%v|%+v|%v\n", cut.Channels, fr, err)

	_, _, _, err = CutSpectrumWindow(cube, cal, 13, 1)
	fmt.Println(err)

	_, _, _, err = CutSpectrumWindow(cube, cal, 25, 30)
	fmt.Println(err)

	_, _, _, err = CutSpectrumWindow(cube, fitParams.EnergyCalibration{}, 1, 13)
	fmt.Println(err)

	// Output:
	// 1201|{Low:100 High:1300}|1201|100|1300|<nil>
	// 1900|{Low:100 High:1999}|<nil>
	// invalid energy window: 13 to 1 keV
	// energy window 25 to 30 keV is outside the 2000 detector channels
	// invalid energy calibration, linear term must be non-zero: 0
}

func Example_fitCubeErrors() {
	cube := spectralCube.New(2, 2, 2000)
	params := makeTestParams()

	_, err := FitCube(context.Background(), cube, params, Options{Method: "magic"})
	fmt.Println(err)

	_, err = FitCube(context.Background(), cube, params, Options{PixelBin: 5})
	fmt.Println(err)

	_, err = FitCube(context.Background(), cube, params, Options{BinEnergy: 7})
	fmt.Println(err)

	_, err = FitCube(context.Background(), cube, params, Options{Workers: -1})
	fmt.Println(err)

	_, err = FitCube(context.Background(), nil, params, Options{})
	fmt.Println(err)

	noLines := makeTestParams()
	noLines.SetElementLines([]string{})
	_, err = FitCube(context.Background(), cube, noLines, Options{})
	fmt.Println(err)

	badLine := makeTestParams()
	badLine.SetElementLines([]string{"Fe_K", "Qq_K"})
	_, err = FitCube(context.Background(), cube, badLine, Options{})
	fmt.Println(err)

	_, err = FitCube(context.Background(), cube, params, Options{UseSNIP: true, CompElasticCombine: true, PixelBin: 3})
	fmt.Println(err)

	_, err = FitCube(context.Background(), cube, params, Options{UseSNIP: true, SNIPSmoothing: -2})
	fmt.Println(err)

	_, err = FitCube(context.Background(), cube, params, Options{UseSNIP: true, BackgroundColumn: true})
	fmt.Println(err)

	// Output:
	// unknown fitting method: magic
	// invalid pixel binning: 5, expected 2 or 3
	// invalid energy binning: 7, expected 2 or 3
	// invalid worker count: -1
	// no spectral cube supplied
	// fit parameters have an empty element list
	// unknown line: Qq_K: unknown element: Qq
	// cannot bin 2x2 pixels in 3x3 blocks
	// invalid SNIP smoothing -2 or iterations 0
	// background column can't be combined with per-pixel SNIP
}

// Binning and parallel dispatch turned off must give exactly what fitting each pixel directly does
func TestFitCubeMatchesDirectFit(t *testing.T) {
	cube := makeTestCube(t, 5, 10, 2)
	params := makeTestParams()
	log := &logger.CaptureLogger{}

	result, err := FitCube(context.Background(), cube, params, Options{Method: spectrumFit.MethodNNLS, UseSNIP: true, PixelBin: 0, BinEnergy: 1, Workers: 3, Log: log})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fmt.Sprintf("%v", result.Diagnostics.Names) != "[Fe_K Ca_K compton elastic]" {
		t.Errorf("unexpected names: %v", result.Diagnostics.Names)
	}
	if result.Diagnostics.FitRange != (FitRange{Low: 100, High: 1300}) || result.Diagnostics.BinSize != 1 {
		t.Errorf("unexpected diagnostics: %+v %v", result.Diagnostics.FitRange, result.Diagnostics.BinSize)
	}
	if !log.Contains("Matrix used for fitting has components: [Fe_K Ca_K compton elastic]") {
		t.Errorf("matrix components not logged: %v", log.Lines())
	}

	prep, err := spectrumFit.PreprocessFromParams(params, 100, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	solver, err := spectrumFit.NewSolver(spectrumFit.MethodNNLS, result.Diagnostics.Matrix, prep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sums := make([]float64, 4)
	for c := range sums {
		for r := 0; r < 1201; r++ {
			sums[c] += result.Diagnostics.Matrix.At(r, c)
		}
	}

	for r := 0; r < cube.Rows; r++ {
		for c := 0; c < cube.Cols; c++ {
			direct := solver.Fit(cube.Spectrum(r, c)[100:1301])
			got := result.Diagnostics.Results.Pixels[r*cube.Cols+c]

			if !floats.EqualApprox(got.Coefficients, direct.Coefficients, 1e-12) || got.Background != direct.Background || got.R2 != direct.R2 {
				t.Fatalf("pixel %v,%v: %v, direct fit gave %v", r, c, got.Coefficients, direct.Coefficients)
			}

			for m := 0; m < 4; m++ {
				if math.Abs(result.Maps[m].Values.At(r, c)-direct.Coefficients[m]*sums[m]) > 1e-9*math.Max(1, math.Abs(direct.Coefficients[m]*sums[m])) {
					t.Errorf("map %v at %v,%v: %v", result.Maps[m].Name, r, c, result.Maps[m].Values.At(r, c))
				}
			}
		}
	}

	if len(result.Maps) != 6 || result.Maps[4].Name != "snip_bkg" || result.Maps[5].Name != "r_squared" {
		t.Errorf("unexpected maps")
	}
	if result.Diagnostics.FailedPixels != 0 {
		t.Errorf("%v pixels failed", result.Diagnostics.FailedPixels)
	}
}

func TestFitCubeWorkerCountDoesNotChangeResult(t *testing.T) {
	cube := makeTestCube(t, 4, 3, 1)
	params := makeTestParams()

	one, err := FitCube(context.Background(), cube, params, Options{UseSNIP: true, Workers: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	many, err := FitCube(context.Background(), cube, params, Options{UseSNIP: true, Workers: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, p := range one.Diagnostics.Results.Pixels {
		if !floats.Equal(p.Coefficients, many.Diagnostics.Results.Pixels[i].Coefficients) {
			t.Errorf("pixel %v differs between 1 and 8 workers", i)
		}
	}
}

func TestFitCubeBinning(t *testing.T) {
	// Identical spectra, 5x5 so a row and column get dropped
	cube := spectralCube.New(5, 5, testChannels)
	spectrum := makeSpectrum(t, 5000, 2000, 0)
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			if err := cube.SetSpectrum(r, c, spectrum); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	tolerance := map[string]float64{spectrumFit.MethodNNLS: 1e-6, spectrumFit.MethodNonlinear: 1e-3}
	for _, method := range []string{spectrumFit.MethodNNLS, spectrumFit.MethodNonlinear} {
		unbinned, err := FitCube(context.Background(), cube, makeTestParams(), Options{Method: method})
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", method, err)
		}

		for _, bin := range []int{2, 4} {
			result, err := FitCube(context.Background(), cube, makeTestParams(), Options{Method: method, PixelBin: bin})
			if err != nil {
				t.Fatalf("%v: unexpected error: %v", method, err)
			}

			grid := result.Diagnostics.Results
			if grid.Rows != 2 || grid.Cols != 2 || result.Diagnostics.BinSize != 2 {
				t.Fatalf("%v bin %v: unexpected grid %vx%v", method, bin, grid.Rows, grid.Cols)
			}
			for i, p := range grid.Pixels {
				if relErr(p.Coefficients[0], 5000) > tolerance[method] || relErr(p.Coefficients[1], 2000) > tolerance[method] {
					t.Errorf("%v bin %v pixel %v: %v", method, bin, i, p.Coefficients)
				}
			}

			// Binned maps are per original pixel, same units as the unbinned fit
			for m := 0; m < 2; m++ {
				if relErr(result.Maps[m].Values.At(0, 0), unbinned.Maps[m].Values.At(0, 0)) > tolerance[method] {
					t.Errorf("%v bin %v: %v map %v, unbinned %v", method, bin, result.Maps[m].Name, result.Maps[m].Values.At(0, 0), unbinned.Maps[m].Values.At(0, 0))
				}
			}

			if method == spectrumFit.MethodNonlinear {
				if len(result.Diagnostics.ErrorMaps) != len(unbinned.Diagnostics.ErrorMaps) {
					t.Fatalf("bin %v: %v error maps, unbinned %v", bin, len(result.Diagnostics.ErrorMaps), len(unbinned.Diagnostics.ErrorMaps))
				}
				for i, p := range grid.Pixels {
					if len(p.Errors) != len(p.Coefficients) {
						t.Errorf("bin %v pixel %v: %v errors for %v coefficients", bin, i, len(p.Errors), len(p.Coefficients))
					}
				}
			}
		}
	}
}

func TestFitCubeEnergySmoothing(t *testing.T) {
	cube := makeTestCube(t, 1, 2, 0)

	result, err := FitCube(context.Background(), cube, makeTestParams(), Options{BinEnergy: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Smoothing broadens peaks slightly, amplitudes stay close
	for i, p := range result.Diagnostics.Results.Pixels {
		scale := 1 + 0.1*float64(i)
		if relErr(p.Coefficients[0], 5000*scale) > 0.02 || relErr(p.Coefficients[1], 2000*scale) > 0.02 {
			t.Errorf("pixel %v: %v", i, p.Coefficients)
		}
	}
}

func TestFitCubeCombinedScatterAndConstBackground(t *testing.T) {
	cube := makeTestCube(t, 2, 2, 0)
	orig := append([]float64{}, cube.Counts...)

	result, err := FitCube(context.Background(), cube, makeTestParams(), Options{CompElasticCombine: true, LinearBackground: true, RaiseBackground: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fmt.Sprintf("%v", result.Diagnostics.Names) != "[Fe_K Ca_K comp_elastic const_bkg]" {
		t.Fatalf("unexpected names: %v", result.Diagnostics.Names)
	}
	for i, p := range result.Diagnostics.Results.Pixels {
		scale := 1 + 0.1*float64(i)
		if relErr(p.Coefficients[0], 5000*scale) > 1e-6 || relErr(p.Coefficients[3], 5) > 1e-6 {
			t.Errorf("pixel %v: %v", i, p.Coefficients)
		}
	}

	if !floats.Equal(orig, cube.Counts) {
		t.Errorf("input cube was modified")
	}
}

func TestFitCubeNonlinear(t *testing.T) {
	cube := makeTestCube(t, 2, 2, 0)

	result, err := FitCube(context.Background(), cube, makeTestParams(), Options{Method: spectrumFit.MethodNonlinear, Workers: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Diagnostics.ErrorMaps) != 4 || len(result.Maps) != 5 || result.Maps[4].Name != "snip_bkg" {
		t.Fatalf("unexpected maps: %v values, %v errors", len(result.Maps), len(result.Diagnostics.ErrorMaps))
	}
	for i, p := range result.Diagnostics.Results.Pixels {
		scale := 1 + 0.1*float64(i)
		if relErr(p.Coefficients[0], 5000*scale) > 1e-3 || relErr(p.Coefficients[1], 2000*scale) > 1e-3 {
			t.Errorf("pixel %v: %v", i, p.Coefficients)
		}
		if len(p.Errors) != 4 {
			t.Errorf("pixel %v has %v errors", i, len(p.Errors))
		}
	}
}

func TestFitCubeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FitCube(ctx, makeTestCube(t, 2, 2, 0), makeTestParams(), Options{})
	if err == nil || !strings.Contains(err.Error(), "pixel fitting cancelled") {
		t.Errorf("expected cancellation error, got %v", err)
	}
}

func TestFitRegionMatchesFullFit(t *testing.T) {
	cube := makeTestCube(t, 3, 4, 1)
	params := makeTestParams()

	full, err := FitCube(context.Background(), cube, params, Options{UseSNIP: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	region, err := FitRegion(context.Background(), cube, 1, 3, 2, 4, params, Options{UseSNIP: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if region.Diagnostics.Results.Rows != 2 || region.Diagnostics.Results.Cols != 2 {
		t.Fatalf("unexpected region size")
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			got := region.Diagnostics.Results.Pixels[r*2+c].Coefficients
			exp := full.Diagnostics.Results.Pixels[(r+1)*4+c+2].Coefficients
			if !floats.Equal(got, exp) {
				t.Errorf("region pixel %v,%v: %v, full fit %v", r, c, got, exp)
			}
		}
	}

	if _, err = FitRegion(context.Background(), cube, 2, 1, 0, 1, params, Options{}); err == nil {
		t.Errorf("expected error for invalid region")
	}
}

func TestFitCubeMetrics(t *testing.T) {
	m := fitMetrics.New()
	if _, err := FitCube(context.Background(), makeTestCube(t, 2, 3, 0), makeTestParams(), Options{Metrics: m}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pixels := 0.0
	stages := 0
	for _, f := range families {
		switch f.GetName() {
		case "xrfmap_pixels_fitted_total":
			for _, metric := range f.GetMetric() {
				pixels += metric.GetCounter().GetValue()
			}
		case "xrfmap_stage_seconds":
			stages = len(f.GetMetric())
		}
	}
	if pixels != 6 || stages != 3 {
		t.Errorf("recorded %v pixels, %v stages", pixels, stages)
	}
}

func TestFitCubeBackgroundColumn(t *testing.T) {
	cube := spectralCube.New(2, 3, testChannels)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			flat := 2 + float64(r*3+c)
			if err := cube.SetSpectrum(r, c, makeSpectrum(t, 5000, 2000, flat)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	for _, method := range []string{spectrumFit.MethodNNLS, spectrumFit.MethodNonlinear} {
		result, err := FitCube(context.Background(), cube, makeTestParams(), Options{Method: method, BackgroundColumn: true, SNIPIterations: 5})
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", method, err)
		}

		if fmt.Sprintf("%v", result.Diagnostics.Names) != "[Fe_K Ca_K background compton elastic]" {
			t.Fatalf("%v: unexpected names: %v", method, result.Diagnostics.Names)
		}
		if math.Abs(floats.Sum(mat.Col(nil, 2, result.Diagnostics.Matrix))-1) > 1e-9 {
			t.Errorf("%v: background column should have unit area", method)
		}

		windowChannels := float64(len(result.Diagnostics.Channels))
		bg := result.Maps[2]
		fe := result.Maps[0]
		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				flat := 2 + float64(r*3+c)
				if relErr(bg.Values.At(r, c), flat*windowChannels) > 0.05 {
					t.Errorf("%v: background at %v,%v is %v, expected about %v", method, r, c, bg.Values.At(r, c), flat*windowChannels)
				}
				if relErr(fe.Values.At(r, c), fe.Values.At(0, 0)) > 0.05 {
					t.Errorf("%v: Fe at %v,%v is %v, expected about %v", method, r, c, fe.Values.At(r, c), fe.Values.At(0, 0))
				}
			}
		}
	}
}

func TestFitCubeSNIPOptions(t *testing.T) {
	cube := makeTestCube(t, 1, 2, 3)

	plain, err := FitCube(context.Background(), cube, makeTestParams(), Options{UseSNIP: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	smoothed, err := FitCube(context.Background(), cube, makeTestParams(), Options{UseSNIP: true, SNIPSmoothing: 5, SNIPIterations: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Flat background is removed either way, the per-pixel background sums differ
	for i, p := range smoothed.Diagnostics.Results.Pixels {
		scale := 1 + 0.1*float64(i)
		if relErr(p.Coefficients[0], 5000*scale) > 0.02 {
			t.Errorf("pixel %v: %v", i, p.Coefficients)
		}
	}
	if plain.Diagnostics.Results.Pixels[0].Background == smoothed.Diagnostics.Results.Pixels[0].Background {
		t.Errorf("SNIP options had no effect on the background")
	}
}
