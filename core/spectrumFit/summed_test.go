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
	"math/rand"
	"testing"

	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/spectralModel"
)

func Example_fitSummedSpectrumErrors() {
	p := makeTestParams()

	_, err := FitSummedSpectrum([]float64{1, 2, 3}, []float64{1, 2}, p, p.ElementLines(), SummedOptions{})
	fmt.Println(err)

	_, err = FitSummedSpectrum([]float64{1, 2}, []float64{1, 2}, p, []string{"Xx_K"}, SummedOptions{})
	fmt.Println(err != nil)

	delete(p.Params, fitParams.ELinear)
	_, err = FitSummedSpectrum([]float64{1, 2}, []float64{1, 2}, p, []string{"Fe_K"}, SummedOptions{})
	fmt.Println(err)

	// Output:
	// spectrum has 3 values for 2 channels
	// true
	// fit parameters missing calibration terms: e_linear
}

func TestFitSummedSpectrumFixedCalibration(t *testing.T) {
	model := makeTestModel(t)
	truth := []float64{5000, 2000, 0, 300, 800}
	spectrum := spectralModel.Synthesize(model.Matrix, truth)

	params := makeTestParams()
	result, err := FitSummedSpectrum(spectrum, makeChannels(100, 1300), params, params.ElementLines(), SummedOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Names) != 5 || result.Names[4] != spectralModel.ElasticName {
		t.Errorf("unexpected names: %v", result.Names)
	}
	for i, exp := range truth {
		if exp > 0 && math.Abs(result.Coefficients[i]-exp)/exp > 1e-4 {
			t.Errorf("%v: expected %v, got %v", result.Names[i], exp, result.Coefficients[i])
		}
	}
	if len(result.CalibrationErrors) != 0 {
		t.Errorf("no calibration terms are free, got errors for %v", result.CalibrationErrors)
	}
	if result.Params.Value(fitParams.EOffset, -1) != 0 {
		t.Errorf("fixed offset should not change")
	}
	if result.R2 < 0.999999 {
		t.Errorf("expected exact fit, R2 %v", result.R2)
	}
	if len(result.Fitted) != len(spectrum) || result.Background != nil || result.Escape != nil {
		t.Errorf("unexpected fitted/background/escape lengths")
	}
}

func TestFitSummedSpectrumRefinesOffset(t *testing.T) {
	// Spectrum generated with a shifted offset, fit starts from 0
	trueParams := makeTestParams()
	trueParams.SetValue(fitParams.EOffset, 0.02)

	channels := makeChannels(100, 1300)
	model, err := spectralModel.ConstructLinearModel(channels, trueParams, trueParams.ElementLines(), spectralModel.ModelOptions{})
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	spectrum := spectralModel.Synthesize(model.Matrix, []float64{5000, 2000, 100, 300, 800})

	params := makeTestParams()
	params.Params[fitParams.EOffset] = fitParams.Param{Value: 0, Min: -0.1, Max: 0.1, BoundType: fitParams.BoundLoHi}

	log := &logger.CaptureLogger{}
	result, err := FitSummedSpectrum(spectrum, channels, params, params.ElementLines(), SummedOptions{Log: log})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	offset := result.Params.Value(fitParams.EOffset, -1)
	if math.Abs(offset-0.02) > 0.005 {
		t.Errorf("expected offset near 0.02, got %v", offset)
	}
	if p, _ := result.Params.Get(fitParams.EOffset); p.BoundType != fitParams.BoundLoHi || p.Min != -0.1 {
		t.Errorf("bounds should be kept on refined parameter: %+v", p)
	}
	if _, ok := result.CalibrationErrors[fitParams.EOffset]; !ok {
		t.Errorf("expected an error estimate for the offset")
	}
	if result.R2 < 0.99 {
		t.Errorf("poor fit after refinement, R2 %v", result.R2)
	}
	if !log.Contains("Summed spectrum fit: R2=") {
		t.Errorf("expected summary log line, got %v", log.Lines())
	}

	// Input parameters must not be modified
	if params.Value(fitParams.EOffset, -1) != 0 {
		t.Errorf("input parameters were modified")
	}
}

func TestFitSummedSpectrumRepeatable(t *testing.T) {
	trueParams := makeTestParams()
	trueParams.SetValue(fitParams.EOffset, 0.01)

	channels := makeChannels(100, 1300)
	model, err := spectralModel.ConstructLinearModel(channels, trueParams, trueParams.ElementLines(), spectralModel.ModelOptions{})
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	clean := spectralModel.Synthesize(model.Matrix, []float64{5000, 2000, 100, 300, 800})

	rng := rand.New(rand.NewSource(5))
	spectrum := make([]float64, len(clean))
	for i, v := range clean {
		spectrum[i] = math.Max(0, v+rng.NormFloat64()*math.Sqrt(v+1))
	}

	params := makeTestParams()
	params.Params[fitParams.EOffset] = fitParams.Param{Value: 0, Min: -0.1, Max: 0.1, BoundType: fitParams.BoundLoHi}

	first, err := FitSummedSpectrum(spectrum, channels, params, params.ElementLines(), SummedOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		again, err := FitSummedSpectrum(spectrum, channels, params, params.ElementLines(), SummedOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.Params.Value(fitParams.EOffset, -1) != first.Params.Value(fitParams.EOffset, -1) {
			t.Errorf("run %v: offset %v, first run %v", i, again.Params.Value(fitParams.EOffset, -1), first.Params.Value(fitParams.EOffset, -1))
		}
		for j, v := range again.Coefficients {
			if v != first.Coefficients[j] {
				t.Errorf("run %v: %v %v, first run %v", i, first.Names[j], v, first.Coefficients[j])
			}
		}
	}
}
