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

// Package spectralModel builds the regression matrix used to fit XRF spectra: one column per
// element line (or pileup), then optional background, then the Compton and elastic scatter peaks.
// Each column is the synthetic spectrum of that component at unit area.
package spectralModel

import (
	"fmt"

	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/lineCatalog"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Names of the non-element columns
const (
	BackgroundName      = "background"
	ComptonName         = "compton"
	ElasticName         = "elastic"
	CompElasticName     = "comp_elastic"
	ConstBackgroundName = "const_bkg"
)

// LineInfo - what a line column was built from
type LineInfo struct {
	Name       string
	Z          int
	Energy     float64 // Primary energy, or sum of both for a pileup
	Pileup     bool
	Components []lineCatalog.SubLine
}

// LinearModel - the regression matrix and what each column is. Column j is Names[j]. Lines only
// covers the element line columns, which come first
type LinearModel struct {
	Names    []string
	Matrix   *mat.Dense
	Lines    []LineInfo
	Channels []float64
}

type ModelOptions struct {
	// If set, appended as a column after the element lines. Must be the same length as channels
	Background []float64
	Catalog    lineCatalog.Catalog // Defaults to the built in catalog
	Log        logger.ILogger
}

// ConstructLinearModel - builds the regression matrix for the given channels (indexes into the
// detector's channels, already cut to the fit window) and lines. Lines that the incident beam
// can't excite are dropped with a warning, they're not part of the accepted names. Unknown line
// names or an empty list are errors
func ConstructLinearModel(channels []float64, params fitParams.FitParameters, lines []string, opts ModelOptions) (*LinearModel, error) {
	if len(lines) <= 0 {
		return nil, errors.New("no element lines specified, nothing to fit")
	}
	if len(channels) <= 0 {
		return nil, errors.New("no channels in fit window")
	}

	if opts.Background != nil && len(opts.Background) != len(channels) {
		return nil, fmt.Errorf("background length %v does not match channel count %v", len(opts.Background), len(channels))
	}

	cal, err := params.Calibration()
	if err != nil {
		return nil, err
	}

	cat := opts.Catalog
	if cat == nil {
		cat = lineCatalog.Builtin()
	}
	log := logger.OrNull(opts.Log)

	incident := params.IncidentEnergy()
	if incident <= 0 {
		return nil, fmt.Errorf("invalid incident energy: %v", incident)
	}

	width := newPeakWidth(params)
	energies := cal.EnergyAxis(channels)

	model := &LinearModel{Channels: append([]float64{}, channels...)}
	columns := [][]float64{}
	seen := map[string]bool{}

	for _, name := range lines {
		if seen[name] {
			return nil, fmt.Errorf("line %v specified more than once", name)
		}
		seen[name] = true

		info, ok, err := resolveLine(cat, name, incident)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warnf("Line %v is not activated at incident energy %v keV, skipping", name, incident)
			continue
		}

		col, err := lineColumn(info, energies, cal.Linear, width)
		if err != nil {
			return nil, err
		}

		model.Names = append(model.Names, name)
		model.Lines = append(model.Lines, info)
		columns = append(columns, col)
	}

	if len(model.Lines) <= 0 {
		return nil, fmt.Errorf("none of the lines %v are activated at incident energy %v keV", lines, incident)
	}

	if opts.Background != nil {
		model.Names = append(model.Names, BackgroundName)
		columns = append(columns, append([]float64{}, opts.Background...))
	}

	compton := newComptonShape(params, width)
	if compton.sigma <= 0 {
		return nil, fmt.Errorf("peak width is zero at %v keV, check %v and %v", compton.center, fitParams.FwhmOffset, fitParams.FwhmFanoprime)
	}
	fwhmCorr := params.Value(fitParams.ComptonFwhmCorr, 1)
	col := make([]float64, len(energies))
	for i, e := range energies {
		col[i] = compton.value(e, fwhmCorr) * cal.Linear
	}
	model.Names = append(model.Names, ComptonName)
	columns = append(columns, col)

	elastic, err := gaussianColumn(energies, []lineCatalog.SubLine{{Name: ElasticName, Energy: incident, CrossSection: 1}}, cal.Linear, width)
	if err != nil {
		return nil, err
	}
	model.Names = append(model.Names, ElasticName)
	columns = append(columns, elastic)

	model.Matrix = fromColumns(columns)
	return model, nil
}

// resolveLine - looks up a line or pileup. Returns false if it can't be excited
func resolveLine(cat lineCatalog.Catalog, name string, incident float64) (LineInfo, bool, error) {
	info := LineInfo{Name: name}

	spec, err := lineCatalog.ParseLineSpec(name)
	if err != nil {
		return info, false, err
	}
	info.Pileup = spec.Pileup

	for _, id := range spec.Parts {
		elem, err := cat.Element(id.Element)
		if err != nil {
			return info, false, errors.Wrapf(err, "unknown line: %v", name)
		}
		if info.Z == 0 {
			info.Z = elem.Z
		}

		subLines, err := lineCatalog.SubLines(cat, id, incident)
		if err != nil {
			return info, false, err
		}

		sum := 0.0
		for _, s := range subLines {
			sum += s.CrossSection
		}
		if sum <= 0 {
			return info, false, nil
		}

		primary, err := lineCatalog.PrimaryEnergy(cat, id, incident)
		if err != nil {
			return info, false, err
		}
		info.Energy += primary

		if !spec.Pileup {
			info.Components = subLines
		}
	}

	if spec.Pileup {
		// Pileup peak is a single peak at the sum of both energies
		info.Components = []lineCatalog.SubLine{{Name: name, Energy: info.Energy, CrossSection: 1}}
	}

	return info, true, nil
}

func lineColumn(info LineInfo, energies []float64, linear float64, width peakWidth) ([]float64, error) {
	return gaussianColumn(energies, info.Components, linear, width)
}

// gaussianColumn - unit area sum of gaussians, each sub-line weighted by its share of the total
// cross-section. Scaled by the channel width so the column sums to ~1 when the whole peak is
// inside the window
func gaussianColumn(energies []float64, subLines []lineCatalog.SubLine, linear float64, width peakWidth) ([]float64, error) {
	total := 0.0
	for _, s := range subLines {
		total += s.CrossSection
	}

	col := make([]float64, len(energies))
	if total <= 0 {
		return col, nil
	}

	for _, s := range subLines {
		if s.CrossSection <= 0 {
			continue
		}
		sigma := width.sigma(s.Energy)
		if sigma <= 0 {
			return nil, fmt.Errorf("peak width is zero at %v keV, check %v and %v", s.Energy, fitParams.FwhmOffset, fitParams.FwhmFanoprime)
		}
		ratio := s.CrossSection / total
		for i, e := range energies {
			col[i] += ratio * gaussian(e, 1, s.Energy, sigma) * linear
		}
	}
	return col, nil
}

func fromColumns(columns [][]float64) *mat.Dense {
	m := mat.NewDense(len(columns[0]), len(columns), nil)
	for c, col := range columns {
		m.SetCol(c, col)
	}
	return m
}

// CombineComptonElastic - merges the compton and elastic columns (which must be last) into one
// comp_elastic column, so a single amplitude covers both scatter peaks
func CombineComptonElastic(model *LinearModel) (*LinearModel, error) {
	n := len(model.Names)
	if n < 2 || model.Names[n-2] != ComptonName || model.Names[n-1] != ElasticName {
		return nil, fmt.Errorf("cannot combine scatter peaks, last columns are not %v, %v", ComptonName, ElasticName)
	}

	rows, _ := model.Matrix.Dims()
	result := &LinearModel{
		Names:    append(append([]string{}, model.Names[:n-2]...), CompElasticName),
		Lines:    model.Lines,
		Channels: model.Channels,
		Matrix:   mat.NewDense(rows, n-1, nil),
	}

	result.Matrix.Copy(model.Matrix.Slice(0, rows, 0, n-1))
	for r := 0; r < rows; r++ {
		result.Matrix.Set(r, n-2, model.Matrix.At(r, n-2)+model.Matrix.At(r, n-1))
	}
	return result, nil
}

// AppendConstantBackground - adds a column of ones, for fitting a flat background instead of
// subtracting SNIP
func AppendConstantBackground(model *LinearModel) *LinearModel {
	rows, cols := model.Matrix.Dims()
	result := &LinearModel{
		Names:    append(append([]string{}, model.Names...), ConstBackgroundName),
		Lines:    model.Lines,
		Channels: model.Channels,
		Matrix:   mat.NewDense(rows, cols+1, nil),
	}
	result.Matrix.Copy(model.Matrix)
	for r := 0; r < rows; r++ {
		result.Matrix.Set(r, cols, 1)
	}
	return result
}

// ColumnIndex - index of a named column, -1 if not there
func (m *LinearModel) ColumnIndex(name string) int {
	for c, n := range m.Names {
		if n == name {
			return c
		}
	}
	return -1
}

// Synthesize - model spectrum for the given coefficients
func Synthesize(matrix mat.Matrix, coeffs []float64) []float64 {
	rows, cols := matrix.Dims()
	if cols != len(coeffs) {
		panic(fmt.Sprintf("Synthesize: %v coefficients for %v columns", len(coeffs), cols))
	}
	var y mat.VecDense
	y.MulVec(matrix, mat.NewVecDense(cols, append([]float64{}, coeffs...)))
	result := make([]float64, rows)
	for i := range result {
		result[i] = y.AtVec(i)
	}
	return result
}
