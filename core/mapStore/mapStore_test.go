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
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/mapScaling"
	"github.com/pixlise/xrfmap/core/mongoDBConnection"
	"github.com/pixlise/xrfmap/core/spectralCube"
	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

func makeScan() ScanData {
	counts := []float64{}
	for i := 0; i < 2*3*4; i++ {
		counts = append(counts, float64(i)*1.5)
	}
	cube, _ := spectralCube.FromCounts(2, 3, 4, counts)
	return ScanData{
		Cube:        cube,
		Calibration: &fitParams.EnergyCalibration{Offset: 0.01, Linear: 0.01},
		Scalers:     map[string]*mat.Dense{"i0": mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})},
		X:           mat.NewDense(2, 3, []float64{0, 1, 2, 0, 1, 2}),
		Y:           mat.NewDense(2, 3, []float64{0, 0, 0, 1, 1, 1}),
	}
}

func localRoot(t *testing.T) fileaccess.Root {
	return fileaccess.Root{Access: &fileaccess.FSAccess{}, Bucket: t.TempDir(), Prefix: "data"}
}

func Example_encodeCube() {
	data, err := EncodeCube(makeScan())
	fmt.Println(string(data[0:8]), err)

	scan, err := DecodeCube(data)
	fmt.Println(err)
	fmt.Println(scan.Cube.Rows, scan.Cube.Cols, scan.Cube.Channels, scan.Cube.Spectrum(1, 2))
	fmt.Printf("%+v\n", *scan.Calibration)
	fmt.Println(scan.Scalers["i0"].RawMatrix().Data, scan.X.RawMatrix().Data, scan.Y.RawMatrix().Data)

	_, err = DecodeCube([]byte("hello there"))
	fmt.Println(err)

	_, err = DecodeCube(data[0 : len(data)-4])
	fmt.Println(err)

	bad := makeScan()
	bad.X = mat.NewDense(1, 1, nil)
	_, err = EncodeCube(bad)
	fmt.Println(err)

	// Output:
	// XRFCUBE1 <nil>
	// <nil>
	// 2 3 4 [30 31.5 33 34.5]
	// {Offset:0.01 Linear:0.01 Quadratic:0}
	// [1 2 3 4 5 6] [0 1 2 0 1 2] [0 0 0 1 1 1]
	// not a cube file
	// cube 2x3x4 does not match 92 bytes of counts
	// x is 1x1, cube is 2x3
}

func TestDecodeCubeHugeDimensions(t *testing.T) {
	for _, hdr := range []string{
		`{"rows": 4294967296, "cols": 4294967296, "channels": 1}`,
		`{"rows": 1, "cols": 2, "channels": 4611686018427387904}`,
		`{"rows": 2, "cols": 1, "channels": 1}`,
	} {
		data := []byte(cubeMagic)
		data = binary.LittleEndian.AppendUint32(data, uint32(len(hdr)))
		data = append(data, hdr...)
		data = append(data, make([]byte, 4)...)

		_, err := DecodeCube(data)
		if err == nil || !strings.Contains(err.Error(), "does not match 4 bytes of counts") {
			t.Errorf("%v: expected size mismatch error, got %v", hdr, err)
		}
	}
}

func TestCubeWithoutExtras(t *testing.T) {
	cube := spectralCube.New(1, 1, 3)
	data, err := EncodeCube(ScanData{Cube: cube})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scan, err := DecodeCube(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scan.Calibration != nil || scan.X != nil || scan.Y != nil || scan.Scalers != nil {
		t.Errorf("unexpected extras: %+v", scan)
	}
}

func TestCubeReadWrite(t *testing.T) {
	root := localRoot(t)
	if err := WriteCube(root, "scan1/cube.bin", makeScan()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scan, err := ReadCube(root, "scan1/cube.bin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scan.Cube.Counts[23] != 34.5 {
		t.Errorf("unexpected counts: %v", scan.Cube.Counts)
	}

	if _, err = ReadCube(root, "scan2/cube.bin"); err == nil {
		t.Errorf("expected error reading missing cube")
	}
}

func makeMaps() []mapScaling.Map {
	return []mapScaling.Map{
		{Name: "Fe_K", Values: mat.NewDense(2, 2, []float64{1, 2, 3, 4})},
		{Name: "Ca_K", Values: mat.NewDense(2, 2, []float64{5, 6, 7, 8})},
		{Name: "snip_bkg", Values: mat.NewDense(2, 2, []float64{0, 0, 1, 1})},
	}
}

func Example_toMapFile() {
	f, err := ToMapFile(makeMaps())
	fmt.Println(f.Names, f.Maps, err)

	maps, err := f.Unstack()
	fmt.Println(len(maps), maps[1].Name, maps[1].Values.RawMatrix().Data, err)

	dup := append(makeMaps(), mapScaling.Map{Name: "Fe_K", Values: mat.NewDense(2, 2, nil)})
	_, err = ToMapFile(dup)
	fmt.Println(err)

	odd := append(makeMaps(), mapScaling.Map{Name: "K_K", Values: mat.NewDense(3, 2, nil)})
	_, err = ToMapFile(odd)
	fmt.Println(err)

	_, err = MapFile{Names: []string{"a"}}.Unstack()
	fmt.Println(err)

	// Output:
	// [Fe_K Ca_K snip_bkg] [[[1 2] [3 4]] [[5 6] [7 8]] [[0 0] [1 1]]] <nil>
	// 3 Ca_K [5 6 7 8] <nil>
	// map Fe_K appears more than once
	// map K_K is 3x2, expected 2x2
	// map file has 1 names and 0 maps
}

func TestMapsReadWrite(t *testing.T) {
	root := localRoot(t)
	if err := WriteMaps(root, "scan1/output/maps.json", makeMaps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	maps, err := ReadMaps(root, "scan1/output/maps.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, m := range makeMaps() {
		if maps[i].Name != m.Name || !mat.Equal(maps[i].Values, m.Values) {
			t.Errorf("map %v differs: %v", i, maps[i].Name)
		}
	}
}

func Example_encodeTXT() {
	fmt.Print(string(EncodeTXT(mat.NewDense(2, 2, []float64{1, 0.5, -2, 1e6}))))

	// Output:
	// 1.00000000e+00 5.00000000e-01
	// -2.00000000e+00 1.00000000e+06
}

func TestEncodeTIFF(t *testing.T) {
	data, err := EncodeTIFF(mat.NewDense(2, 3, []float64{0, 1, 2, 3, 4, 10}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Fatalf("unexpected size: %v", img.Bounds())
	}

	lo, _, _, _ := img.At(0, 0).RGBA()
	mid, _, _, _ := img.At(1, 1).RGBA()
	hi, _, _, _ := img.At(2, 1).RGBA()
	if lo != 0 || hi != 0xffff || mid != 26214 {
		t.Errorf("unexpected levels: %v %v %v", lo, mid, hi)
	}
}

func TestExport(t *testing.T) {
	root := localRoot(t)
	if err := ExportTIFF(root, "scan1/output", makeMaps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ExportTXT(root, "scan1/output", makeMaps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	files, err := root.Access.ListObjects(root.Bucket, root.Path("scan1/output/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 6 {
		t.Errorf("unexpected files: %v", files)
	}

	txt, err := root.Access.ReadObject(root.Bucket, root.Path("scan1/output/Ca_K.txt"))
	if err != nil || string(txt) != string(EncodeTXT(makeMaps()[1].Values)) {
		t.Errorf("unexpected txt: %v, %v", string(txt), err)
	}
}

func TestFileSummaryStore(t *testing.T) {
	ctx := context.Background()
	store := NewFileSummaryStore(localRoot(t))

	runID := NewRunID()
	for _, scan := range []string{"scan1.bin", "scan2.bin"} {
		if err := store.SaveSummary(ctx, RunSummary{RunID: runID, Scan: scan, Names: []string{"Fe_K"}, Rows: 2, Cols: 3}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := store.SaveSummary(ctx, RunSummary{RunID: NewRunID(), Scan: "other.bin"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summaries, err := store.ListSummaries(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 2 || summaries[0].Scan != "scan1.bin" || summaries[1].Rows != 2 {
		t.Errorf("unexpected summaries: %+v", summaries)
	}
}

// Needs a local mongo (docker run -d -p 27017:27017 mongo), pointed to by LOCAL_MONGO_URI
func TestMongoSummaryStore(t *testing.T) {
	if _, ok := os.LookupEnv("LOCAL_MONGO_URI"); !ok {
		t.Skip("LOCAL_MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongoDBConnection.Connect(ctx, nil, "", "", &logger.NullLogger{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(mongoDBConnection.GetDatabaseName("xrfmap", "unittest"))
	defer db.Drop(ctx)

	store := NewMongoSummaryStore(db)
	runID := NewRunID()
	for i, scan := range []string{"scan1.bin", "scan2.bin", "scan1.bin"} {
		if err := store.SaveSummary(ctx, RunSummary{RunID: runID, Scan: scan, StartUnixSec: int64(i), FailedPixels: i}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	summaries, err := store.ListSummaries(ctx, runID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(summaries) != 2 || summaries[0].Scan != "scan2.bin" || summaries[1].FailedPixels != 2 {
		t.Errorf("unexpected summaries: %+v", summaries)
	}
}
