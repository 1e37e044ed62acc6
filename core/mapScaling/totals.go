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

package mapScaling

import (
	"fmt"
	"math"

	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/spectralCube"
	"gonum.org/v1/gonum/mat"
)

// TotalCountsName - name of the total counts map
const TotalCountsName = "total_cnt"

// MapTotalCounts - sum over all channels of each pixel
func MapTotalCounts(cube *spectralCube.Cube) Map {
	return Map{Name: TotalCountsName, Values: cube.TotalCounts()}
}

// RoiWindow - a named channel range, Start inclusive, End exclusive
type RoiWindow struct {
	Name  string
	Start int
	End   int
}

// RoiWindowFromEnergy - channel window covering lowKeV to highKeV. firstChannel is the detector
// channel at index 0 of the cube the window will be applied to
func RoiWindowFromEnergy(name string, lowKeV, highKeV float64, cal fitParams.EnergyCalibration, firstChannel int) (RoiWindow, error) {
	if err := cal.Validate(); err != nil {
		return RoiWindow{}, err
	}
	if highKeV <= lowKeV {
		return RoiWindow{}, fmt.Errorf("invalid energy range for %v: %v to %v keV", name, lowKeV, highKeV)
	}
	start := int(math.Round(cal.Channel(lowKeV))) - firstChannel
	end := int(math.Round(cal.Channel(highKeV))) - firstChannel
	return RoiWindow{Name: name, Start: start, End: end}, nil
}

// RoiSum - one map per window, of the counts summed over the window's channels. Windows are
// clipped to the cube, one entirely outside it is an error
func RoiSum(cube *spectralCube.Cube, windows []RoiWindow) ([]Map, error) {
	result := []Map{}
	for _, w := range windows {
		start := max(w.Start, 0)
		end := min(w.End, cube.Channels)
		if end <= start {
			return nil, fmt.Errorf("ROI %v channels %v-%v not within cube with %v channels", w.Name, w.Start, w.End, cube.Channels)
		}

		values := mat.NewDense(cube.Rows, cube.Cols, nil)
		for r := 0; r < cube.Rows; r++ {
			for c := 0; c < cube.Cols; c++ {
				sum := 0.0
				for _, v := range cube.Spectrum(r, c)[start:end] {
					sum += v
				}
				values.Set(r, c, sum)
			}
		}
		result = append(result, Map{Name: w.Name, Values: values})
	}
	return result, nil
}
