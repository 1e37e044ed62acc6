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
	"math"

	"github.com/pixlise/xrfmap/core/utils"
	"gonum.org/v1/gonum/mat"
)

// NormalizeDataByScaler - divides a map by a scaler map (eg incident beam intensity). The map is
// returned untouched (same pointer) if there's no scaler, the shapes differ, the scaler is all
// zeros or dataName is one of notScalable. Zero scaler pixels are replaced by the mean of the
// non-zero ones
func NormalizeDataByScaler(data *mat.Dense, scaler *mat.Dense, dataName string, notScalable []string) *mat.Dense {
	if data == nil || scaler == nil {
		return data
	}

	rows, cols := data.Dims()
	sRows, sCols := scaler.Dims()
	if rows != sRows || cols != sCols {
		return data
	}
	if len(dataName) > 0 && utils.ItemInSlice(dataName, notScalable) {
		return data
	}

	sum := 0.0
	nonZero := 0
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v := scaler.At(r, c); v != 0 {
				sum += v
				nonZero++
			}
		}
	}
	if nonZero == 0 {
		return data
	}

	fill := sum / float64(nonZero)
	if math.Abs(fill) < 1e-10 {
		fill = math.Copysign(1e-10, fill)
	}

	result := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			s := scaler.At(r, c)
			if s == 0 {
				s = fill
			}
			result.Set(r, c, data.At(r, c)/s)
		}
	}
	return result
}

// NormalizeMaps - NormalizeDataByScaler applied to a list of maps
func NormalizeMaps(maps []Map, scaler *mat.Dense, notScalable []string) []Map {
	result := make([]Map, 0, len(maps))
	for _, m := range maps {
		result = append(result, Map{Name: m.Name, Values: NormalizeDataByScaler(m.Values, scaler, m.Name, notScalable)})
	}
	return result
}
