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
	"fmt"
	"math"

	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/spectralCube"
	"github.com/pixlise/xrfmap/core/utils"
)

// FitRange - detector channels included in a fit, both inclusive
type FitRange struct {
	Low  int
	High int
}

// CutSpectrumWindow - cuts a cube to the channels covering lowKeV..highKeV. Bounds are converted
// to channels with the linear part of the calibration, floored, and clamped to the cube. Returns
// the cut cube, the detector channels it covers and the channel numbers as a fit axis
func CutSpectrumWindow(cube *spectralCube.Cube, cal fitParams.EnergyCalibration, lowKeV float64, highKeV float64) (*spectralCube.Cube, FitRange, []float64, error) {
	if err := cal.Validate(); err != nil {
		return nil, FitRange{}, nil, err
	}
	if highKeV <= lowKeV {
		return nil, FitRange{}, nil, fmt.Errorf("invalid energy window: %v to %v keV", lowKeV, highKeV)
	}

	fr := FitRange{
		Low:  clampChannel(math.Floor(cal.Channel(lowKeV)), cube.Channels),
		High: clampChannel(math.Floor(cal.Channel(highKeV)), cube.Channels),
	}
	if fr.High < fr.Low {
		fr.Low, fr.High = fr.High, fr.Low
	}
	if fr.Low == fr.High {
		return nil, fr, nil, fmt.Errorf("energy window %v to %v keV is outside the %v detector channels", lowKeV, highKeV, cube.Channels)
	}

	cut, err := cube.Cut(fr.Low, fr.High)
	if err != nil {
		return nil, fr, nil, err
	}

	channels := make([]float64, 0, fr.High-fr.Low+1)
	for c := fr.Low; c <= fr.High; c++ {
		channels = append(channels, float64(c))
	}
	return cut, fr, channels, nil
}

func clampChannel(ch float64, channels int) int {
	return int(utils.Clamp(ch, 0, float64(channels-1)))
}

// blockSize - the side of the pixel binning block. Accepts the side (2, 3) or the pixel count
// (4, 9), 0 or 1 mean no binning
func blockSize(pixelBin int) (int, error) {
	switch pixelBin {
	case 0, 1:
		return 1, nil
	case 2, 4:
		return 2, nil
	case 3, 9:
		return 3, nil
	}
	return 0, fmt.Errorf("invalid pixel binning: %v, expected 2 or 3", pixelBin)
}
