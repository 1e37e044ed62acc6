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

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FitConfig - Everything needed to run a map fit from the command line. Loaded from a JSON file,
// then any field can be overridden by setting env var XRFMAP_CONFIG_<FieldName>, then command
// line flags are applied on top
type FitConfig struct {
	DataRoot   string // Local dir or s3://bucket/prefix holding scan cubes + parameter files
	OutputRoot string // Where maps get written, defaults to DataRoot
	AWSRegion  string

	ScanFiles   []string // Cube files relative to DataRoot. More than one means batch mode
	ParamFile   string   // Fit parameter file (relative to DataRoot), or name of the param set in mongo
	ParamStore  string   // "file" or "mongo"
	CatalogFile string   // Emission line catalog JSON relative to DataRoot, blank for the built in one

	MongoSecret     string // Blank means local mongo
	MongoDBName     string
	MongoCAFile     string
	EnvironmentName string

	SentryEndpoint string
	LogLevel       string

	Workers int32 // 0 means one per CPU

	Method             string // "nnls" or "nonlinear"
	PixelBin           int32
	BinEnergy          int32
	UseSNIP            bool
	SnipSmoothing      int32 // Boxcar width applied before SNIP clipping
	SnipIterations     int32 // SNIP passes at the full window, 0 for the default
	BackgroundColumn   bool  // Fit the summed spectrum's SNIP background as a column, needs UseSNIP off
	LinearBackground   bool
	CompElasticCombine bool
	FirstPeakArea      bool
	IncidentEnergy     float64 // Overrides coherent_sct_energy if > 0
	RaiseBackground    float64
	UseScanCalibration bool // Use the calibration stored with each scan where there is one

	FitSummed     bool     // Refine calibration on each scan's summed spectrum first
	SaveParams    bool     // Save the refined parameters back to the parameter store
	ScalerName    string   // Name of a scaler map stored with the cube to normalise by
	Interpolate   bool     // Resample maps onto a uniform grid from the scan positions
	Rois          []string // Extra ROI sum maps as name:lowKeV:highKeV
	ParallelScans int32    // Scans fitted at once in batch mode

	MetricsTextfile string // If set, prometheus metrics are written here at the end of the run
	MetricsAddr     string // If set, metrics are served on this address while running, eg :2112
	OutputTIFF      bool
	OutputTXT       bool
	SavePlot        bool
}

const envPrefix = "XRFMAP_CONFIG_"

// Defaults - config values if nothing is specified
func Defaults() FitConfig {
	return FitConfig{
		ParamStore:  "file",
		MongoDBName: "xrfmap",
		LogLevel:    "INFO",
		Method:      "nnls",
		BinEnergy:   1,
		UseSNIP:     true,
		MongoCAFile: "./rds-combined-ca-bundle.pem",
	}
}

func NewConfigFromFile(configFilePath string) (FitConfig, error) {
	configJson, err := os.ReadFile(configFilePath)
	if err != nil {
		return FitConfig{}, errors.Wrapf(err, "could not read config file at %s", configFilePath)
	}
	return buildConfig(configJson)
}

func buildConfig(configJson []byte) (FitConfig, error) {
	cfg := Defaults()

	if len(configJson) > 0 {
		if err := json.Unmarshal(configJson, &cfg); err != nil {
			return cfg, errors.Wrap(err, "failed to parse custom config")
		}
	}

	return cfg, applyEnvOverrides(&cfg)
}

func applyEnvOverrides(cfg *FitConfig) error {
	reflection := reflect.ValueOf(cfg).Elem()
	for i := 0; i < reflection.NumField(); i++ {
		fieldName := reflection.Type().Field(i).Name
		field := reflection.Field(i)
		envName := envPrefix + fieldName

		val, present := os.LookupEnv(envName)
		if !present {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(val)
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				field.Set(reflect.ValueOf(splitList(val)))
			}
		case reflect.Int32:
			i, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("could not read %s=%s as int", envName, val)
			}
			field.SetInt(int64(i))
		case reflect.Float64:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("could not read %s=%s as float", envName, val)
			}
			field.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("could not read %s=%s as bool", envName, val)
			}
			field.SetBool(b)
		}
	}
	return nil
}

func splitList(val string) []string {
	result := []string{}
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if len(item) > 0 {
			result = append(result, item)
		}
	}
	return result
}

// Init - reads the command line. Config file (if any) is loaded first, flags that were explicitly
// set on the command line then override what's in there
func Init(args []string) (FitConfig, error) {
	fs := flag.NewFlagSet("xrf-map-fit", flag.ContinueOnError)

	configFilePath := fs.String("customConfigPath", "", "Path to the json file holding fit run config")
	dataRoot := fs.String("dataRoot", "", "Local dir or s3://bucket/prefix with scan data")
	outputRoot := fs.String("outputRoot", "", "Where to write maps, defaults to dataRoot")
	scans := fs.String("scans", "", "Comma separated list of scan cube files to fit")
	paramFile := fs.String("params", "", "Fit parameter file")
	method := fs.String("method", "", "Fitting method: nnls or nonlinear")
	workers := fs.Int("workers", 0, "Worker count, 0 for one per CPU")
	pixelBin := fs.Int("pixelBin", 0, "Spatial binning: 0, 2 or 3 (4 or 9 also accepted)")
	binEnergy := fs.Int("binEnergy", 0, "Energy axis smoothing width: 1, 2 or 3")
	incident := fs.Float64("incidentEnergy", 0, "Incident energy override in keV")
	logLevel := fs.String("logLevel", "", "DEBUG, INFO, WARN or ERROR")

	if err := fs.Parse(args); err != nil {
		return FitConfig{}, err
	}

	var cfg FitConfig
	var err error
	if len(*configFilePath) > 0 {
		cfg, err = NewConfigFromFile(*configFilePath)
	} else {
		cfg, err = buildConfig(nil)
	}
	if err != nil {
		return cfg, err
	}

	// Only apply flags that were set, so they don't wipe out file/env values with their defaults
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dataRoot":
			cfg.DataRoot = *dataRoot
		case "outputRoot":
			cfg.OutputRoot = *outputRoot
		case "scans":
			cfg.ScanFiles = splitList(*scans)
		case "params":
			cfg.ParamFile = *paramFile
		case "method":
			cfg.Method = *method
		case "workers":
			cfg.Workers = int32(*workers)
		case "pixelBin":
			cfg.PixelBin = int32(*pixelBin)
		case "binEnergy":
			cfg.BinEnergy = int32(*binEnergy)
		case "incidentEnergy":
			cfg.IncidentEnergy = *incident
		case "logLevel":
			cfg.LogLevel = *logLevel
		}
	})

	if len(cfg.OutputRoot) <= 0 {
		cfg.OutputRoot = cfg.DataRoot
	}

	return cfg, cfg.Validate()
}

// Validate - checks the things we can check before touching any data
func (cfg FitConfig) Validate() error {
	if len(cfg.DataRoot) <= 0 {
		return errors.New("no data root configured")
	}
	if len(cfg.ScanFiles) <= 0 {
		return errors.New("no scan files configured")
	}
	if len(cfg.ParamFile) <= 0 {
		return errors.New("no fit parameter file configured")
	}
	if cfg.ParamStore != "file" && cfg.ParamStore != "mongo" {
		return fmt.Errorf("unknown parameter store: %v", cfg.ParamStore)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("invalid worker count: %v", cfg.Workers)
	}
	if cfg.ParallelScans < 0 {
		return fmt.Errorf("invalid parallel scan count: %v", cfg.ParallelScans)
	}
	if cfg.SaveParams && !cfg.FitSummed {
		return errors.New("SaveParams requires FitSummed")
	}
	if cfg.SnipSmoothing < 0 || cfg.SnipIterations < 0 {
		return fmt.Errorf("invalid SNIP smoothing %v or iterations %v", cfg.SnipSmoothing, cfg.SnipIterations)
	}
	if cfg.BackgroundColumn && cfg.UseSNIP {
		return errors.New("BackgroundColumn requires UseSNIP to be off")
	}
	return nil
}
