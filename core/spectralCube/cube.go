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

// Package spectralCube holds a scan's per-pixel spectra in memory, and the preprocessing applied
// before fitting: energy window cuts, spatial binning, energy-axis smoothing and chunking.
package spectralCube

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/conv"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Cube - rows x cols x channels of counts, stored row-major with the channel axis fastest, so
// each pixel's spectrum is a contiguous slice
type Cube struct {
	Rows     int
	Cols     int
	Channels int
	Counts   []float64
}

func New(rows int, cols int, channels int) *Cube {
	return &Cube{
		Rows:     rows,
		Cols:     cols,
		Channels: channels,
		Counts:   make([]float64, rows*cols*channels),
	}
}

// FromCounts - wraps existing counts, checking they match the dimensions
func FromCounts(rows int, cols int, channels int, counts []float64) (*Cube, error) {
	c := &Cube{Rows: rows, Cols: cols, Channels: channels, Counts: counts}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cube) Validate() error {
	if c.Rows <= 0 || c.Cols <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid cube dimensions: %vx%vx%v", c.Rows, c.Cols, c.Channels)
	}
	if len(c.Counts) != c.Rows*c.Cols*c.Channels {
		return fmt.Errorf("cube %vx%vx%v expects %v values, got %v", c.Rows, c.Cols, c.Channels, c.Rows*c.Cols*c.Channels, len(c.Counts))
	}
	return nil
}

func (c *Cube) Clone() *Cube {
	return &Cube{
		Rows:     c.Rows,
		Cols:     c.Cols,
		Channels: c.Channels,
		Counts:   append([]float64{}, c.Counts...),
	}
}

// Spectrum - returns a view (not a copy) of the spectrum at a pixel
func (c *Cube) Spectrum(row int, col int) []float64 {
	start := (row*c.Cols + col) * c.Channels
	return c.Counts[start : start+c.Channels]
}

// Row - returns a view of all spectra in a row, cols*channels values
func (c *Cube) Row(row int) []float64 {
	start := row * c.Cols * c.Channels
	return c.Counts[start : start+c.Cols*c.Channels]
}

func (c *Cube) SetSpectrum(row int, col int, spectrum []float64) error {
	if len(spectrum) != c.Channels {
		return fmt.Errorf("spectrum has %v channels, cube has %v", len(spectrum), c.Channels)
	}
	copy(c.Spectrum(row, col), spectrum)
	return nil
}

// Cut - returns a new cube holding channels lo..hi inclusive
func (c *Cube) Cut(lo int, hi int) (*Cube, error) {
	if lo < 0 || hi >= c.Channels || lo > hi {
		return nil, fmt.Errorf("invalid channel range %v-%v for cube with %v channels", lo, hi, c.Channels)
	}

	result := New(c.Rows, c.Cols, hi-lo+1)
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			copy(result.Spectrum(r, col), c.Spectrum(r, col)[lo:hi+1])
		}
	}
	return result, nil
}

// AddConstant - adds a value to every channel of every pixel, in place
func (c *Cube) AddConstant(value float64) {
	floats.AddConst(value, c.Counts)
}

// BinSpatial - sums spectra over non-overlapping n x n pixel blocks. Rows/cols left over when
// the dimensions aren't divisible by n are dropped. n <= 1 returns the cube itself
func (c *Cube) BinSpatial(n int) (*Cube, error) {
	if n <= 1 {
		return c, nil
	}

	rows := c.Rows / n
	cols := c.Cols / n
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("cannot bin %vx%v pixels in %vx%v blocks", c.Rows, c.Cols, n, n)
	}

	result := New(rows, cols, c.Channels)
	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			dest := result.Spectrum(r, col)
			for br := 0; br < n; br++ {
				for bc := 0; bc < n; bc++ {
					floats.Add(dest, c.Spectrum(r*n+br, col*n+bc))
				}
			}
		}
	}
	return result, nil
}

// ConvolveEnergy - smooths every spectrum with a uniform kernel of the given width, keeping the
// channel count. Width <= 1 returns the cube itself
func (c *Cube) ConvolveEnergy(width int) (*Cube, error) {
	if width <= 1 {
		return c, nil
	}
	if width > c.Channels {
		return nil, fmt.Errorf("energy convolution width %v exceeds channel count %v", width, c.Channels)
	}

	kernel := make([]float64, width)
	for i := range kernel {
		kernel[i] = 1 / float64(width)
	}

	result := New(c.Rows, c.Cols, c.Channels)
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			smoothed, err := conv.ConvolveMode(c.Spectrum(r, col), kernel, conv.ModeSame)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to convolve spectrum at %v,%v", r, col)
			}
			copy(result.Spectrum(r, col), smoothed)
		}
	}
	return result, nil
}

// Chunk - copies out a rectangular block of pixels, rows [rowStart, rowEnd), cols [colStart, colEnd)
func (c *Cube) Chunk(rowStart int, rowEnd int, colStart int, colEnd int) (*Cube, error) {
	if rowStart < 0 || colStart < 0 || rowEnd > c.Rows || colEnd > c.Cols || rowStart >= rowEnd || colStart >= colEnd {
		return nil, fmt.Errorf("invalid chunk rows %v-%v, cols %v-%v for %vx%v cube", rowStart, rowEnd, colStart, colEnd, c.Rows, c.Cols)
	}

	result := New(rowEnd-rowStart, colEnd-colStart, c.Channels)
	for r := rowStart; r < rowEnd; r++ {
		for col := colStart; col < colEnd; col++ {
			copy(result.Spectrum(r-rowStart, col-colStart), c.Spectrum(r, col))
		}
	}
	return result, nil
}

// TotalCounts - map of summed counts per pixel
func (c *Cube) TotalCounts() *mat.Dense {
	result := mat.NewDense(c.Rows, c.Cols, nil)
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			result.Set(r, col, floats.Sum(c.Spectrum(r, col)))
		}
	}
	return result
}

// SummedSpectrum - spectrum summed over all pixels
func (c *Cube) SummedSpectrum() []float64 {
	result := make([]float64, c.Channels)
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			floats.Add(result, c.Spectrum(r, col))
		}
	}
	return result
}
