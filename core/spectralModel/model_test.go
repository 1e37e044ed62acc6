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

package spectralModel

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/logger"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

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
	return p
}

func makeChannels(from int, to int) []float64 {
	result := []float64{}
	for c := from; c <= to; c++ {
		result = append(result, float64(c))
	}
	return result
}

func argMax(col []float64) int {
	return floats.MaxIdx(col)
}

func Example_constructLinearModel() {
	model, err := ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Fe_K", "Ca_K", "Si_K-Si_K"}, ModelOptions{})
	fmt.Printf("%v\n", err)
	fmt.Println(model.Names)
	rows, cols := model.Matrix.Dims()
	fmt.Printf("%v x %v\n", rows, cols)

	// Peak positions, in channels from start of window
	for c, name := range model.Names {
		fmt.Printf("%v: %v\n", name, 100+argMax(mat.Col(nil, c, model.Matrix)))
	}

	// Output:
	// <nil>
	// [Fe_K Ca_K Si_K-Si_K compton elastic]
	// 1201 x 5
	// Fe_K: 640
	// Ca_K: 369
	// Si_K-Si_K: 348
	// compton: 1172
	// elastic: 1200
}

func Example_constructLinearModelErrors() {
	_, err := ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{}, ModelOptions{})
	fmt.Println(err)

	_, err = ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Fe_K", "Xx_K"}, ModelOptions{})
	fmt.Println(err)

	_, err = ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Fe_K", "Fe_Q"}, ModelOptions{})
	fmt.Println(err)

	_, err = ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Fe_K", "Fe_K"}, ModelOptions{})
	fmt.Println(err)

	p := makeTestParams()
	p.SetValue(fitParams.ELinear, 0)
	_, err = ConstructLinearModel(makeChannels(100, 1300), p, []string{"Fe_K"}, ModelOptions{})
	fmt.Println(err)

	// Output:
	// no element lines specified, nothing to fit
	// unknown line: Xx_K: unknown element: Xx
	// invalid line name: "Fe_Q", expected K, L or M line
	// line Fe_K specified more than once
	// invalid energy calibration, linear term must be non-zero: 0
}

func Example_notActivatedLineSkipped() {
	l := &logger.CaptureLogger{}
	model, err := ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Mo_K", "Fe_K", "Pb_L"}, ModelOptions{Log: l})
	fmt.Printf("%v|%v\n", model.Names, err)
	fmt.Println(l.Lines())

	_, err = ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Mo_K"}, ModelOptions{Log: l})
	fmt.Println(err)

	// Output:
	// [Fe_K compton elastic]|<nil>
	// [WARN: Line Mo_K is not activated at incident energy 12 keV, skipping WARN: Line Pb_L is not activated at incident energy 12 keV, skipping]
	// none of the lines [Mo_K] are activated at incident energy 12 keV
}

func Test_ColumnOrderFollowsLineList(t *testing.T) {
	lines := []string{"Fe_K", "Ca_K", "Si_K", "K_K", "Ti_K", "Au_M", "Si_K-Si_K", "Zn_K"}
	rnd := rand.New(rand.NewSource(3))
	channels := makeChannels(100, 1300)

	ref, err := ConstructLinearModel(channels, makeTestParams(), lines, ModelOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refCols := map[string][]float64{}
	for c, name := range ref.Names {
		refCols[name] = mat.Col(nil, c, ref.Matrix)
	}

	for trial := 0; trial < 20; trial++ {
		perm := append([]string{}, lines...)
		rnd.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		model, err := ConstructLinearModel(channels, makeTestParams(), perm, ModelOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		expNames := append(append([]string{}, perm...), ComptonName, ElasticName)
		if fmt.Sprintf("%v", model.Names) != fmt.Sprintf("%v", expNames) {
			t.Fatalf("names %v, expected %v", model.Names, expNames)
		}

		for c, name := range model.Names {
			if !floats.Equal(mat.Col(nil, c, model.Matrix), refCols[name]) {
				t.Errorf("trial %v: column %v (%v) differs from reference", trial, c, name)
			}
		}
		for c, info := range model.Lines {
			if info.Name != perm[c] {
				t.Errorf("line info %v is %v, expected %v", c, info.Name, perm[c])
			}
		}
	}
}

func Test_ColumnsUnitAreaAndNonNegative(t *testing.T) {
	// Wide window so peaks are entirely inside
	model, err := ConstructLinearModel(makeChannels(0, 2000), makeTestParams(), []string{"Fe_K", "Ca_K", "Si_K-Si_K"}, ModelOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, cols := model.Matrix.Dims()
	for c := 0; c < cols; c++ {
		col := mat.Col(nil, c, model.Matrix)
		for r := 0; r < rows; r++ {
			if col[r] < 0 || math.IsNaN(col[r]) {
				t.Fatalf("column %v row %v is %v", model.Names[c], r, col[r])
			}
		}
		sum := floats.Sum(col)
		if model.Names[c] != ComptonName && math.Abs(sum-1) > 1e-3 {
			t.Errorf("column %v sums to %v", model.Names[c], sum)
		}
	}

	if model.Lines[2].Energy != 2*1.74 || !model.Lines[2].Pileup || model.Lines[0].Z != 26 {
		t.Errorf("unexpected line info: %+v", model.Lines)
	}
}

func Test_CombineAndConstBackground(t *testing.T) {
	model, err := ConstructLinearModel(makeChannels(100, 1300), makeTestParams(), []string{"Fe_K"}, ModelOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	combined, err := CombineComptonElastic(model)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprintf("%v", combined.Names) != "[Fe_K comp_elastic]" {
		t.Errorf("combined names: %v", combined.Names)
	}
	rows, _ := model.Matrix.Dims()
	for r := 0; r < rows; r++ {
		exp := model.Matrix.At(r, 1) + model.Matrix.At(r, 2)
		if combined.Matrix.At(r, 1) != exp || combined.Matrix.At(r, 0) != model.Matrix.At(r, 0) {
			t.Fatalf("combined column wrong at row %v", r)
		}
	}

	// Can't combine twice
	if _, err = CombineComptonElastic(combined); err == nil {
		t.Errorf("expected error combining twice")
	}

	withBg := AppendConstantBackground(combined)
	if withBg.ColumnIndex(ConstBackgroundName) != 2 || withBg.Matrix.At(17, 2) != 1 {
		t.Errorf("const background column wrong: %v", withBg.Names)
	}
	// Original untouched
	if _, c := combined.Matrix.Dims(); c != 2 {
		t.Errorf("original matrix modified")
	}
}

func Test_GaussianHelpers(t *testing.T) {
	sigma := FwhmToSigma(0.2355)
	if math.Abs(SigmaToFwhm(sigma)-0.2355) > 1e-12 {
		t.Errorf("fwhm/sigma round trip failed")
	}
	if math.Abs(GaussianAreaToMax(GaussianMaxToArea(5, 0.1), 0.1)-5) > 1e-12 {
		t.Errorf("max/area round trip failed")
	}
	if math.Abs(ComptonEnergy(12, 90)-11.7247) > 1e-3 {
		t.Errorf("compton energy: %v", ComptonEnergy(12, 90))
	}
	y := Synthesize(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), []float64{1, 1})
	if y[0] != 3 || y[1] != 7 {
		t.Errorf("Synthesize: %v", y)
	}
}
