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

// Package fitPlot draws fitted spectra (measured counts, fitted model, background) as PNGs so a
// fit can be checked by eye.
package fitPlot

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/spectrumFit"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Counts below this are drawn at this level on log plots, which can't show 0
const logFloor = 0.1

var (
	dataColor       = color.RGBA{R: 27, G: 170, B: 139, A: 255}
	fitColor        = color.RGBA{R: 255, G: 78, B: 96, A: 255}
	backgroundColor = color.RGBA{R: 127, G: 127, B: 127, A: 255}
	escapeColor     = color.RGBA{R: 99, G: 124, B: 198, A: 255}
)

type Options struct {
	Title    string
	LogScale bool
	Width    vg.Length // Defaults to 10 inches
	Height   vg.Length // Defaults to 6 inches
}

// Curve - one named line to draw against the energy axis
type Curve struct {
	Name   string
	Values []float64
	Color  color.Color
}

// SpectrumPlot - plots curves against energy (keV). Nil or empty curves are skipped
func SpectrumPlot(energies []float64, curves []Curve, opts Options) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "Energy (keV)"
	p.Y.Label.Text = "Counts"
	p.Legend.Top = true

	if opts.LogScale {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	for _, c := range curves {
		if len(c.Values) <= 0 {
			continue
		}
		if len(c.Values) != len(energies) {
			return nil, fmt.Errorf("curve %v has %v values for %v energies", c.Name, len(c.Values), len(energies))
		}

		xy := make(plotter.XYs, len(energies))
		for i, e := range energies {
			xy[i].X = e
			xy[i].Y = c.Values[i]
			if opts.LogScale && xy[i].Y < logFloor {
				xy[i].Y = logFloor
			}
		}

		line, err := plotter.NewLine(xy)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to plot %v", c.Name)
		}
		line.Color = c.Color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(c.Name, line)
	}

	if opts.LogScale {
		p.Y.Min = logFloor
	}
	return p, nil
}

// SummedFitPlot - measured summed spectrum with the fit, background and escape peaks
func SummedFitPlot(fit *spectrumFit.SummedFit, opts Options) (*plot.Plot, error) {
	cal, err := fit.Params.Calibration()
	if err != nil {
		return nil, err
	}
	if len(opts.Title) <= 0 {
		opts.Title = fmt.Sprintf("Summed spectrum fit, R² = %.4f", fit.R2)
	}

	return SpectrumPlot(cal.EnergyAxis(fit.Channels), []Curve{
		{Name: "Data", Values: fit.Spectrum, Color: dataColor},
		{Name: "Fit", Values: fit.Fitted, Color: fitColor},
		{Name: "Background", Values: fit.Background, Color: backgroundColor},
		{Name: "Escape", Values: fit.Escape, Color: escapeColor},
	}, opts)
}

// EncodePNG - renders a plot as PNG
func EncodePNG(p *plot.Plot, opts Options) ([]byte, error) {
	w := opts.Width
	if w <= 0 {
		w = 10 * vg.Inch
	}
	h := opts.Height
	if h <= 0 {
		h = 6 * vg.Inch
	}

	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return nil, errors.Wrap(err, "failed to render plot")
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to encode plot")
	}
	return buf.Bytes(), nil
}

// SavePNG - renders a plot and writes it to storage
func SavePNG(root fileaccess.Root, path string, p *plot.Plot, opts Options) error {
	data, err := EncodePNG(p, opts)
	if err != nil {
		return err
	}
	return errors.Wrapf(root.Access.WriteObject(root.Bucket, root.Path(path), data), "failed to write plot: %v", path)
}
