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

// Package mapScaling turns per-pixel fit coefficients into element maps (intensity per line,
// optionally first peak only), normalizes maps by scaler channels such as beam current, and
// resamples maps from measured scan positions onto a uniform grid.
package mapScaling

import (
	"fmt"

	"github.com/pixlise/xrfmap/core/lineCatalog"
	"github.com/pixlise/xrfmap/core/spectrumFit"
	"gonum.org/v1/gonum/mat"
)

// Names of the extra maps produced alongside the per-column maps
const (
	SnipBackgroundName = "snip_bkg"
	RSquaredName       = "r_squared"
)

// Map - one named 2D map
type Map struct {
	Name   string
	Values *mat.Dense
}

// ResultGrid - raw per-pixel fit results for a rows x cols scan, row-major
type ResultGrid struct {
	Rows   int
	Cols   int
	Pixels []spectrumFit.PixelResult
}

func (g ResultGrid) validate(columns int) error {
	if g.Rows <= 0 || g.Cols <= 0 || len(g.Pixels) != g.Rows*g.Cols {
		return fmt.Errorf("result grid %vx%v has %v pixels", g.Rows, g.Cols, len(g.Pixels))
	}
	for i, p := range g.Pixels {
		if len(p.Coefficients) != columns {
			return fmt.Errorf("pixel %v has %v coefficients, expected %v", i, len(p.Coefficients), columns)
		}
	}
	return nil
}

// ColumnSums - area of each matrix column, the factor converting a coefficient to counts
func ColumnSums(matrix mat.Matrix) []float64 {
	rows, cols := matrix.Dims()
	result := make([]float64, cols)
	for c := range result {
		for r := 0; r < rows; r++ {
			result[c] += matrix.At(r, c)
		}
	}
	return result
}

// CalculateArea - one map per matrix column of coefficient x column area, then background sum
// and R² maps. With firstPeakArea, element line maps are further scaled by the branching ratio
// of the strongest line so they report only that peak's area
func CalculateArea(names []string, matrix mat.Matrix, grid ResultGrid, incidentKeV float64, firstPeakArea bool, cat lineCatalog.Catalog) ([]Map, error) {
	_, cols := matrix.Dims()
	if len(names) != cols {
		return nil, fmt.Errorf("%v names for %v matrix columns", len(names), cols)
	}
	if err := grid.validate(cols); err != nil {
		return nil, err
	}
	if cat == nil {
		cat = lineCatalog.Builtin()
	}

	sums := ColumnSums(matrix)
	result := []Map{}

	for c, name := range names {
		scale := sums[c]
		if firstPeakArea {
			ratio, err := firstPeakRatio(cat, name, incidentKeV)
			if err != nil {
				return nil, err
			}
			scale *= ratio
		}

		result = append(result, Map{Name: name, Values: gridMap(grid, func(p spectrumFit.PixelResult) float64 { return p.Coefficients[c] * scale })})
	}

	result = append(result,
		Map{Name: SnipBackgroundName, Values: gridMap(grid, func(p spectrumFit.PixelResult) float64 { return p.Background })},
		Map{Name: RSquaredName, Values: gridMap(grid, func(p spectrumFit.PixelResult) float64 { return p.R2 })},
	)
	return result, nil
}

// AreaAndErrorNonlinear - like CalculateArea without the branching ratio, but also returns the
// standard error maps scaled the same way. Areas end with the background sum map
func AreaAndErrorNonlinear(names []string, matrix mat.Matrix, grid ResultGrid) ([]Map, []Map, error) {
	_, cols := matrix.Dims()
	if len(names) != cols {
		return nil, nil, fmt.Errorf("%v names for %v matrix columns", len(names), cols)
	}
	if err := grid.validate(cols); err != nil {
		return nil, nil, err
	}

	sums := ColumnSums(matrix)
	areas := []Map{}
	errs := []Map{}

	for c, name := range names {
		scale := sums[c]
		areas = append(areas, Map{Name: name, Values: gridMap(grid, func(p spectrumFit.PixelResult) float64 { return p.Coefficients[c] * scale })})
		errs = append(errs, Map{Name: name, Values: gridMap(grid, func(p spectrumFit.PixelResult) float64 {
			if c >= len(p.Errors) {
				return 0
			}
			return p.Errors[c] * scale
		})})
	}

	areas = append(areas, Map{Name: SnipBackgroundName, Values: gridMap(grid, func(p spectrumFit.PixelResult) float64 { return p.Background })})
	return areas, errs, nil
}

// firstPeakRatio - branching ratio for element line groups, 1 for pileups and scatter terms
func firstPeakRatio(cat lineCatalog.Catalog, name string, incidentKeV float64) (float64, error) {
	if _, err := lineCatalog.ParseLineName(name); err != nil {
		return 1, nil
	}
	return lineCatalog.GetBranchingRatio(cat, name, incidentKeV)
}

func gridMap(grid ResultGrid, value func(p spectrumFit.PixelResult) float64) *mat.Dense {
	result := mat.NewDense(grid.Rows, grid.Cols, nil)
	for i, p := range grid.Pixels {
		result.Set(i/grid.Cols, i%grid.Cols, value(p))
	}
	return result
}
