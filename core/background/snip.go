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

// Package background estimates the smooth continuum under XRF peaks with the SNIP (statistics
// sensitive non-linear iterative peak clipping) algorithm. Clipping works in a window proportional
// to the detector resolution at each channel, so it adapts to peaks getting wider with energy.
package background

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/conv"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pkg/errors"
)

type snipOptions struct {
	epsilon         float64
	smoothing      int
	iterations     int
	widthThreshold float64
	decreaseFactor float64
	firstChannel   float64
}

type Option func(*snipOptions)

// WithSmoothing - boxcar smooth the spectrum over n channels before clipping
func WithSmoothing(n int) Option {
	return func(o *snipOptions) { o.smoothing = n }
}

// WithIterations - number of clipping passes at the full window before the window starts shrinking
func WithIterations(n int) Option {
	return func(o *snipOptions) { o.iterations = n }
}

// WithFirstChannel - detector channel of the first value, for spectra already cut to a window
func WithFirstChannel(channel float64) Option {
	return func(o *snipOptions) { o.firstChannel = channel }
}

// SNIP - returns the background of the spectrum. Output is the same length as the input and for
// non-negative input is never above the input or below zero. Width scales the clipping window
// relative to the detector FWHM.
func SNIP(spectrum []float64, cal fitParams.EnergyCalibration, width float64, options ...Option) ([]float64, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}

	opts := snipOptions{
		epsilon:        2.96,
		iterations:     3,
		widthThreshold: 0.5,
		decreaseFactor: math.Sqrt2,
	}
	for _, o := range options {
		o(&opts)
	}

	n := len(spectrum)
	if n <= 0 {
		return []float64{}, nil
	}

	window := clipWindow(n, cal, width, opts)

	bg := append([]float64{}, spectrum...)
	if opts.smoothing > 1 {
		var err error
		bg, err = boxcar(bg, opts.smoothing)
		if err != nil {
			return nil, err
		}
	}

	// LLS operator, compresses the dynamic range so small peaks on a big background still clip
	for i, v := range bg {
		bg[i] = math.Log(math.Log(v+1) + 1)
	}

	for j := 0; j < opts.iterations; j++ {
		clipPass(bg, window)
	}

	current := append([]float64{}, window...)
	for maxOf(current) >= opts.widthThreshold {
		clipPass(bg, current)
		for i := range current {
			current[i] /= opts.decreaseFactor
		}
	}

	for i, v := range bg {
		v = math.Exp(math.Exp(v)-1) - 1
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			v = 0
		}
		// Smoothing can lift the estimate above a narrow dip in the raw data
		if v > spectrum[i] {
			v = math.Max(spectrum[i], 0)
		}
		bg[i] = v
	}

	return bg, nil
}

// clipWindow - half window in channels for each channel, from the resolution at its energy
func clipWindow(n int, cal fitParams.EnergyCalibration, width float64, opts snipOptions) []float64 {
	stdToFwhm := 2 * math.Sqrt(2*math.Ln2)
	window := make([]float64, n)

	for i := range window {
		e := cal.Energy(float64(i) + opts.firstChannel)

		tmp := (cal.Offset/stdToFwhm)*(cal.Offset/stdToFwhm) + e*opts.epsilon*cal.Linear
		if tmp < 0 {
			tmp = 0
		}
		fwhm := stdToFwhm * math.Sqrt(tmp)

		window[i] = width * fwhm / cal.Linear
	}
	return window
}

// clipPass - replaces each channel with the mean of the two channels a window away either side,
// if that's lower. All channels compare against the values from before the pass
func clipPass(bg []float64, window []float64) {
	last := float64(len(bg) - 1)
	prev := append([]float64{}, bg...)

	for i := range bg {
		lo := clamp(float64(i)-window[i], 0, last)
		hi := clamp(float64(i)+window[i], 0, last)

		mean := (prev[int(lo)] + prev[int(hi)]) / 2
		if bg[i] > mean {
			bg[i] = mean
		}
	}
}

func boxcar(data []float64, n int) ([]float64, error) {
	kernel := make([]float64, n)
	for i := range kernel {
		kernel[i] = 1 / float64(n)
	}
	result, err := conv.ConvolveMode(data, kernel, conv.ModeSame)
	if err != nil {
		return nil, errors.Wrap(err, "failed to smooth spectrum")
	}
	return result, nil
}

func clamp(v float64, lo float64, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func maxOf(values []float64) float64 {
	result := math.Inf(-1)
	for _, v := range values {
		if v > result {
			result = v
		}
	}
	return result
}
