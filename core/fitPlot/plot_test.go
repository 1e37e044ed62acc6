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

package fitPlot

import (
	"bytes"
	"fmt"
	"image/png"
	"testing"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/spectrumFit"
	"gonum.org/v1/plot/vg"
)

func makeFit() *spectrumFit.SummedFit {
	params := fitParams.New()
	params.SetValue(fitParams.EOffset, 0)
	params.SetValue(fitParams.ELinear, 0.01)
	params.SetValue(fitParams.EQuadratic, 0)

	fit := &spectrumFit.SummedFit{Params: params, R2: 0.987}
	for c := 100; c < 200; c++ {
		fit.Channels = append(fit.Channels, float64(c))
		fit.Spectrum = append(fit.Spectrum, float64(c%7))
		fit.Fitted = append(fit.Fitted, 3)
		fit.Background = append(fit.Background, 1)
	}
	return fit
}

func Example_spectrumPlot() {
	_, err := SpectrumPlot([]float64{1, 2, 3}, []Curve{{Name: "Data", Values: []float64{1, 2}}}, Options{})
	fmt.Println(err)

	p, err := SpectrumPlot([]float64{1, 2, 3}, []Curve{{Name: "Data", Values: []float64{0, 2, 3}}, {Name: "Empty"}}, Options{Title: "Pixel 3,4", LogScale: true})
	fmt.Println(p.Title.Text, p.Y.Min, err)

	// Output:
	// curve Data has 2 values for 3 energies
	// Pixel 3,4 0.1 <nil>
}

func TestSummedFitPNG(t *testing.T) {
	p, err := SummedFitPlot(makeFit(), Options{LogScale: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Title.Text != "Summed spectrum fit, R² = 0.9870" {
		t.Errorf("unexpected title: %v", p.Title.Text)
	}

	opts := Options{Width: 4 * vg.Inch, Height: 3 * vg.Inch}
	data, err := EncodePNG(p, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("not a PNG: %v", err)
	}
	if img.Bounds().Dx() <= 0 || img.Bounds().Dy() <= 0 {
		t.Errorf("empty image")
	}

	root := fileaccess.Root{Access: &fileaccess.FSAccess{}, Bucket: t.TempDir()}
	if err := SavePNG(root, "scan1/summed_fit.png", p, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, err := root.Access.ObjectExists(root.Bucket, "scan1/summed_fit.png"); !ok || err != nil {
		t.Errorf("plot not written: %v, %v", ok, err)
	}
}

func TestSummedFitPlotBadCalibration(t *testing.T) {
	fit := makeFit()
	fit.Params.SetValue(fitParams.ELinear, 0)
	if _, err := SummedFitPlot(fit, Options{}); err == nil {
		t.Errorf("expected calibration error")
	}
}
