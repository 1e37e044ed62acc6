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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pixlise/xrfmap/core/config"
	"github.com/pixlise/xrfmap/core/fitMetrics"
	"github.com/pixlise/xrfmap/core/logger"
)

func Example_makeJob() {
	cfg := config.Defaults()
	cfg.ScanFiles = []string{"a.cube", "b.cube"}
	cfg.ParamFile = "fit.json"
	cfg.PixelBin = 2
	cfg.ParallelScans = 2
	cfg.Rois = []string{"Fe_roi:6.2:6.6"}

	job, err := makeJob(cfg)
	fmt.Println(job.Scans, job.ParamName, job.Fit.Method, job.Fit.PixelBin, job.Fit.UseSNIP, job.Parallel, job.Rois, err)

	cfg.UseSNIP = false
	cfg.BackgroundColumn = true
	cfg.SnipSmoothing = 3
	cfg.SnipIterations = 5
	cfg.UseScanCalibration = true
	job, err = makeJob(cfg)
	fmt.Println(job.Fit.UseSNIP, job.Fit.BackgroundColumn, job.Fit.SNIPSmoothing, job.Fit.SNIPIterations, job.UseScanCalibration, err)

	cfg.Rois = []string{"Fe_roi"}
	_, err = makeJob(cfg)
	fmt.Println(err)

	// Output:
	// [a.cube b.cube] fit.json nnls 2 true 2 [{Fe_roi 6.2 6.6}] <nil>
	// false true 3 5 true <nil>
	// invalid ROI "Fe_roi", expected name:lowKeV:highKeV
}

func TestRunMissingParams(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.cube"), []byte("junk"), 0666); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := config.Defaults()
	cfg.DataRoot = dir
	cfg.OutputRoot = dir
	cfg.ScanFiles = []string{"a.cube"}
	cfg.ParamFile = "missing.json"

	log := &logger.CaptureLogger{}
	failed, err := run(context.Background(), cfg, log, fitMetrics.New())
	if err == nil || failed != 0 {
		t.Errorf("expected error loading params, got %v, %v", failed, err)
	}
	if !log.Contains("Starting fit run") {
		t.Errorf("run start not logged: %v", log.Lines())
	}
}
