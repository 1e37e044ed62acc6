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

package fitParams

import (
	"fmt"
	"math"
)

// EnergyCalibration - maps channel index to energy in keV. Shared read-only by all fitting
// workers, so it's a plain value type
type EnergyCalibration struct {
	Offset    float64
	Linear    float64
	Quadratic float64
}

func (c EnergyCalibration) Validate() error {
	if c.Linear == 0 || math.IsNaN(c.Linear) || math.IsInf(c.Linear, 0) {
		return fmt.Errorf("invalid energy calibration, linear term must be non-zero: %v", c.Linear)
	}
	return nil
}

// Energy - energy of a (possibly fractional) channel
func (c EnergyCalibration) Energy(channel float64) float64 {
	return c.Offset + c.Linear*channel + c.Quadratic*channel*channel
}

// EnergyAxis - energies of the given channels
func (c EnergyCalibration) EnergyAxis(channels []float64) []float64 {
	result := make([]float64, len(channels))
	for i, ch := range channels {
		result[i] = c.Energy(ch)
	}
	return result
}

// Channel - inverts the calibration, ignoring the quadratic term (which is tiny for real
// detectors). Use this for placing peaks and cutting windows, not for precise positions
func (c EnergyCalibration) Channel(energy float64) float64 {
	return (energy - c.Offset) / c.Linear
}
