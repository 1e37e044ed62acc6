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

// Package mapStore reads scan cubes and writes fit output through fileaccess, so the same code
// works against local disk and S3.
//
// Cube file layout:
//
//	8 bytes   magic "XRFCUBE1"
//	4 bytes   little-endian uint32 header length N
//	N bytes   JSON header (cubeHeader)
//	rest      rows*cols*channels little-endian float32 counts, channel axis fastest
//
// Map output is JSON: {"names": [...], "maps": [n][rows][cols]} with maps[i] named names[i].
package mapStore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/spectralCube"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const cubeMagic = "XRFCUBE1"

// ScanData - a scan cube plus what's stored alongside it. Calibration, scalers and positions
// are optional
type ScanData struct {
	Cube        *spectralCube.Cube
	Calibration *fitParams.EnergyCalibration
	Scalers     map[string]*mat.Dense // eg incident beam intensity, one value per pixel
	X           *mat.Dense            // Measured stage positions per pixel
	Y           *mat.Dense
}

type cubeHeader struct {
	Rows        int                          `json:"rows"`
	Cols        int                          `json:"cols"`
	Channels    int                          `json:"channels"`
	Calibration *fitParams.EnergyCalibration `json:"calibration,omitempty"`
	Scalers     map[string][]float64         `json:"scalers,omitempty"`
	X           []float64                    `json:"x,omitempty"`
	Y           []float64                    `json:"y,omitempty"`
}

// EncodeCube - scan data in the cube file layout
func EncodeCube(scan ScanData) ([]byte, error) {
	if scan.Cube == nil {
		return nil, errors.New("no cube to encode")
	}
	if err := scan.Cube.Validate(); err != nil {
		return nil, err
	}

	hdr := cubeHeader{
		Rows:        scan.Cube.Rows,
		Cols:        scan.Cube.Cols,
		Channels:    scan.Cube.Channels,
		Calibration: scan.Calibration,
	}

	var err error
	if hdr.X, err = pixelValues("x", scan.X, scan.Cube); err != nil {
		return nil, err
	}
	if hdr.Y, err = pixelValues("y", scan.Y, scan.Cube); err != nil {
		return nil, err
	}
	if len(scan.Scalers) > 0 {
		hdr.Scalers = map[string][]float64{}
		for name, s := range scan.Scalers {
			if hdr.Scalers[name], err = pixelValues(name, s, scan.Cube); err != nil {
				return nil, err
			}
		}
	}

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cube header")
	}

	out := make([]byte, 0, len(cubeMagic)+4+len(hdrBytes)+4*len(scan.Cube.Counts))
	out = append(out, cubeMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdrBytes)))
	out = append(out, hdrBytes...)
	for _, v := range scan.Cube.Counts {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
	}
	return out, nil
}

// DecodeCube - reads the cube file layout
func DecodeCube(data []byte) (*ScanData, error) {
	if len(data) < len(cubeMagic)+4 || string(data[0:len(cubeMagic)]) != cubeMagic {
		return nil, errors.New("not a cube file")
	}

	pos := len(cubeMagic)
	hdrLen := int(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	if hdrLen > len(data)-pos {
		return nil, fmt.Errorf("cube header length %v exceeds file size %v", hdrLen, len(data))
	}

	var hdr cubeHeader
	if err := json.Unmarshal(data[pos:pos+hdrLen], &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read cube header")
	}
	pos += hdrLen

	if hdr.Rows <= 0 || hdr.Cols <= 0 || hdr.Channels <= 0 {
		return nil, fmt.Errorf("invalid cube dimensions: %vx%vx%v", hdr.Rows, hdr.Cols, hdr.Channels)
	}

	// Dimensions are checked against what's stored one at a time so a crafted header can't
	// overflow the product
	stored := (len(data) - pos) / 4
	if (len(data)-pos)%4 != 0 || hdr.Rows > stored || hdr.Cols > stored/hdr.Rows || hdr.Channels > stored/(hdr.Rows*hdr.Cols) || hdr.Rows*hdr.Cols*hdr.Channels != stored {
		return nil, fmt.Errorf("cube %vx%vx%v does not match %v bytes of counts", hdr.Rows, hdr.Cols, hdr.Channels, len(data)-pos)
	}
	count := stored

	counts := make([]float64, count)
	for i := range counts {
		counts[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[pos+4*i:])))
	}

	cube, err := spectralCube.FromCounts(hdr.Rows, hdr.Cols, hdr.Channels, counts)
	if err != nil {
		return nil, err
	}

	scan := &ScanData{Cube: cube, Calibration: hdr.Calibration}
	if scan.X, err = pixelMap("x", hdr.X, cube); err != nil {
		return nil, err
	}
	if scan.Y, err = pixelMap("y", hdr.Y, cube); err != nil {
		return nil, err
	}
	if len(hdr.Scalers) > 0 {
		scan.Scalers = map[string]*mat.Dense{}
		for name, values := range hdr.Scalers {
			if scan.Scalers[name], err = pixelMap(name, values, cube); err != nil {
				return nil, err
			}
		}
	}
	return scan, nil
}

func pixelValues(name string, m *mat.Dense, cube *spectralCube.Cube) ([]float64, error) {
	if m == nil {
		return nil, nil
	}
	rows, cols := m.Dims()
	if rows != cube.Rows || cols != cube.Cols {
		return nil, fmt.Errorf("%v is %vx%v, cube is %vx%v", name, rows, cols, cube.Rows, cube.Cols)
	}
	return mat.DenseCopyOf(m).RawMatrix().Data, nil
}

func pixelMap(name string, values []float64, cube *spectralCube.Cube) (*mat.Dense, error) {
	if len(values) <= 0 {
		return nil, nil
	}
	if len(values) != cube.Rows*cube.Cols {
		return nil, fmt.Errorf("%v has %v values, cube has %v pixels", name, len(values), cube.Rows*cube.Cols)
	}
	return mat.NewDense(cube.Rows, cube.Cols, values), nil
}

// ReadCube - loads a cube file from a storage root
func ReadCube(root fileaccess.Root, path string) (*ScanData, error) {
	data, err := root.Access.ReadObject(root.Bucket, root.Path(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cube: %v", path)
	}
	scan, err := DecodeCube(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode cube: %v", path)
	}
	return scan, nil
}

// WriteCube - saves a cube file to a storage root
func WriteCube(root fileaccess.Root, path string, scan ScanData) error {
	data, err := EncodeCube(scan)
	if err != nil {
		return err
	}
	return errors.Wrapf(root.Access.WriteObject(root.Bucket, root.Path(path), data), "failed to write cube: %v", path)
}
