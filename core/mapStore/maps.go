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

package mapStore

import (
	"fmt"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/mapScaling"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MapFile - fit output as stored. Maps[i] is the map named Names[i], viewers rely on this pairing
type MapFile struct {
	Names []string      `json:"names"`
	Maps  [][][]float64 `json:"maps"`
}

// ToMapFile - stacks maps in order. All maps must be the same size
func ToMapFile(maps []mapScaling.Map) (MapFile, error) {
	result := MapFile{Names: []string{}, Maps: [][][]float64{}}
	if len(maps) <= 0 {
		return result, nil
	}

	rows, cols := maps[0].Values.Dims()
	seen := map[string]bool{}
	for _, m := range maps {
		if seen[m.Name] {
			return result, fmt.Errorf("map %v appears more than once", m.Name)
		}
		seen[m.Name] = true

		r, c := m.Values.Dims()
		if r != rows || c != cols {
			return result, fmt.Errorf("map %v is %vx%v, expected %vx%v", m.Name, r, c, rows, cols)
		}

		values := make([][]float64, rows)
		for i := range values {
			values[i] = mat.Row(nil, i, m.Values)
		}
		result.Names = append(result.Names, m.Name)
		result.Maps = append(result.Maps, values)
	}
	return result, nil
}

// Unstack - back to named maps, in stored order
func (f MapFile) Unstack() ([]mapScaling.Map, error) {
	if len(f.Names) != len(f.Maps) {
		return nil, fmt.Errorf("map file has %v names and %v maps", len(f.Names), len(f.Maps))
	}

	result := []mapScaling.Map{}
	for i, name := range f.Names {
		rows := len(f.Maps[i])
		if rows <= 0 {
			return nil, fmt.Errorf("map %v is empty", name)
		}
		cols := len(f.Maps[i][0])
		m := mat.NewDense(rows, cols, nil)
		for r, row := range f.Maps[i] {
			if len(row) != cols {
				return nil, fmt.Errorf("map %v row %v has %v values, expected %v", name, r, len(row), cols)
			}
			m.SetRow(r, row)
		}
		result = append(result, mapScaling.Map{Name: name, Values: m})
	}
	return result, nil
}

// WriteMaps - saves maps as a map file
func WriteMaps(root fileaccess.Root, path string, maps []mapScaling.Map) error {
	f, err := ToMapFile(maps)
	if err != nil {
		return err
	}
	return errors.Wrapf(root.Access.WriteJSON(root.Bucket, root.Path(path), f), "failed to write maps: %v", path)
}

// ReadMaps - loads a map file
func ReadMaps(root fileaccess.Root, path string) ([]mapScaling.Map, error) {
	var f MapFile
	if err := root.Access.ReadJSON(root.Bucket, root.Path(path), &f, false); err != nil {
		return nil, errors.Wrapf(err, "failed to read maps: %v", path)
	}
	return f.Unstack()
}
