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
	"bytes"
	"image"
	"image/color"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/mapScaling"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

// MapToImage - 16 bit greyscale image of a map, scaled so its min is black and max is white.
// NaNs are black
func MapToImage(values mat.Matrix) *image.Gray16 {
	rows, cols := values.Dims()
	lo, hi := math.Inf(1), math.Inf(-1)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := values.At(r, c)
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}

	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := values.At(r, c)
			level := 0.0
			if !math.IsNaN(v) && hi > lo {
				level = (v - lo) / (hi - lo) * math.MaxUint16
			}
			img.SetGray16(c, r, color.Gray16{Y: uint16(math.Round(level))})
		}
	}
	return img
}

// EncodeTIFF - map as a deflate compressed 16 bit TIFF
func EncodeTIFF(values mat.Matrix) ([]byte, error) {
	var buf bytes.Buffer
	err := tiff.Encode(&buf, MapToImage(values), &tiff.Options{Compression: tiff.Deflate})
	return buf.Bytes(), err
}

// EncodeTXT - map as whitespace separated text, one line per row
func EncodeTXT(values mat.Matrix) []byte {
	rows, cols := values.Dims()
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(strconv.FormatFloat(values.At(r, c), 'e', 8, 64))
		}
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

// ExportTIFF - writes each map to dir/<name>.tiff
func ExportTIFF(root fileaccess.Root, dir string, maps []mapScaling.Map) error {
	for _, m := range maps {
		data, err := EncodeTIFF(m.Values)
		if err != nil {
			return errors.Wrapf(err, "failed to encode TIFF for %v", m.Name)
		}
		p := path.Join(dir, fileaccess.MakeValidObjectName(m.Name)+".tiff")
		if err := root.Access.WriteObject(root.Bucket, root.Path(p), data); err != nil {
			return errors.Wrapf(err, "failed to write %v", p)
		}
	}
	return nil
}

// ExportTXT - writes each map to dir/<name>.txt
func ExportTXT(root fileaccess.Root, dir string, maps []mapScaling.Map) error {
	for _, m := range maps {
		p := path.Join(dir, fileaccess.MakeValidObjectName(m.Name)+".txt")
		if err := root.Access.WriteObject(root.Bucket, root.Path(p), EncodeTXT(m.Values)); err != nil {
			return errors.Wrapf(err, "failed to write %v", p)
		}
	}
	return nil
}
