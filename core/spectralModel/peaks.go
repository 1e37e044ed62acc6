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
	"math"

	"github.com/pixlise/xrfmap/core/fitParams"
)

// Detector resolution: noise term plus Fano statistics term. Epsilon is the energy to create an
// electron-hole pair in silicon, keV
const epsilonSi = 2.96e-3

var fwhmToSigmaFactor = 2 * math.Sqrt(2*math.Ln2) // ~2.3548

// FwhmToSigma - gaussian width conversion
func FwhmToSigma(fwhm float64) float64 {
	return fwhm / fwhmToSigmaFactor
}

func SigmaToFwhm(sigma float64) float64 {
	return sigma * fwhmToSigmaFactor
}

// GaussianMaxToArea - area of a gaussian with the given peak height
func GaussianMaxToArea(peakMax float64, sigma float64) float64 {
	return peakMax * sigma * math.Sqrt(2*math.Pi)
}

func GaussianAreaToMax(area float64, sigma float64) float64 {
	return area / (sigma * math.Sqrt(2*math.Pi))
}

// DetectorSigma - gaussian sigma (keV) of a peak at the given energy
func DetectorSigma(fwhmOffset float64, fwhmFanoprime float64, energy float64) float64 {
	s := FwhmToSigma(fwhmOffset)
	v := s*s + energy*epsilonSi*fwhmFanoprime
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// peakWidth - the detector width terms as read from a parameter set
type peakWidth struct {
	offset    float64
	fanoprime float64
}

func newPeakWidth(params fitParams.FitParameters) peakWidth {
	return peakWidth{
		offset:    params.Value(fitParams.FwhmOffset, 0),
		fanoprime: params.Value(fitParams.FwhmFanoprime, 0),
	}
}

func (w peakWidth) sigma(energy float64) float64 {
	return DetectorSigma(w.offset, w.fanoprime, energy)
}

func gaussian(x float64, area float64, center float64, sigma float64) float64 {
	d := x - center
	return area / (sigma * math.Sqrt(2*math.Pi)) * math.Exp(-d*d/(2*sigma*sigma))
}

// gaussianStep - incomplete charge collection step below a peak
func gaussianStep(x float64, area float64, center float64, sigma float64) float64 {
	return area * math.Erfc((x-center)/(math.Sqrt2*sigma)) / (2 * center)
}

// gaussianTail - exponential tail on the low energy side of a peak
func gaussianTail(x float64, area float64, center float64, sigma float64, gamma float64) float64 {
	dx := x - center
	if dx > 0 {
		dx = 0
	}
	return area / (2 * gamma * sigma) * math.Exp(dx/(gamma*sigma)) * math.Erfc(dx/(math.Sqrt2*sigma)+1/(gamma*math.Sqrt2))
}

// ComptonEnergy - energy of photons of the given energy after Compton scattering through the
// given angle (degrees)
func ComptonEnergy(incidentKeV float64, angleDeg float64) float64 {
	const electronRestKeV = 511.0
	return incidentKeV / (1 + (incidentKeV/electronRestKeV)*(1-math.Cos(angleDeg*math.Pi/180)))
}

// comptonShape - unit area Compton peak: broadened gaussian plus step and low/high side tails,
// each weighted by its fraction
type comptonShape struct {
	center float64
	sigma  float64

	fStep   float64
	fTail   float64
	gamma   float64
	fHiTail float64
	hiGamma float64
}

func newComptonShape(params fitParams.FitParameters, w peakWidth) comptonShape {
	incident := params.IncidentEnergy()
	center := ComptonEnergy(incident, params.Value(fitParams.ComptonAngle, 90))
	return comptonShape{
		center:  center,
		sigma:   w.sigma(center),
		fStep:   params.Value(fitParams.ComptonStep, 0),
		fTail:   params.Value(fitParams.ComptonTail, 0),
		gamma:   params.Value(fitParams.ComptonGamma, 0),
		fHiTail: params.Value(fitParams.ComptonHiTail, 0),
		hiGamma: params.Value(fitParams.ComptonHiGamma, 0),
	}
}

func (c comptonShape) value(energy float64, fwhmCorr float64) float64 {
	factor := 1 / (1 + c.fStep + c.fTail + c.fHiTail)

	result := factor * gaussian(energy, 1, c.center, c.sigma*fwhmCorr)
	if c.fStep > 0 {
		result += factor * c.fStep * gaussianStep(energy, 1, c.center, c.sigma)
	}
	if c.fTail > 0 && c.gamma > 0 {
		result += factor * c.fTail * gaussianTail(energy, 1, c.center, c.sigma, c.gamma)
	}
	if c.fHiTail > 0 && c.hiGamma > 0 {
		result += factor * c.fHiTail * gaussianTail(-energy, 1, -c.center, c.sigma, c.hiGamma)
	}
	return result
}
