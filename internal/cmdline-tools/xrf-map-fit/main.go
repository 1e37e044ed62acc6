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
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/getsentry/sentry-go"
	"github.com/pixlise/xrfmap/core/awsutil"
	"github.com/pixlise/xrfmap/core/batchFit"
	"github.com/pixlise/xrfmap/core/config"
	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pixlise/xrfmap/core/fitMetrics"
	"github.com/pixlise/xrfmap/core/fitParams"
	"github.com/pixlise/xrfmap/core/lineCatalog"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pixlise/xrfmap/core/mapStore"
	"github.com/pixlise/xrfmap/core/mongoDBConnection"
	"github.com/pixlise/xrfmap/core/pixelFit"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Init(os.Args[1:])
	if err != nil {
		log.Fatalf("Something went wrong with fit config. Error: %v\n", err)
	}

	// Show the config
	cfgJSON, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		log.Fatalf("Error trying to display config\n")
	}
	log.Println(string(cfgJSON))

	level, err := logger.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}
	iLog := &logger.StdOutLogger{}
	iLog.SetLogLevel(level)

	if len(cfg.SentryEndpoint) > 0 {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryEndpoint,
			Environment: cfg.EnvironmentName,
			Release:     version,
		}); err != nil {
			iLog.Errorf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := fitMetrics.New()
	if len(cfg.MetricsAddr) > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				iLog.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	failed, err := run(ctx, cfg, iLog, metrics)

	if len(cfg.MetricsTextfile) > 0 {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			iLog.Errorf("Failed to write metrics to %v: %v", cfg.MetricsTextfile, err)
		}
	}

	if err != nil {
		sentry.CaptureException(err)
		iLog.Errorf("%v", err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	if failed > 0 {
		sentry.Flush(2 * time.Second)
		os.Exit(2)
	}
}

// run - sets up storage and stores from config and fits the batch. Returns how many scans failed
func run(ctx context.Context, cfg config.FitConfig, iLog logger.ILogger, metrics *fitMetrics.Metrics) (int, error) {
	var sess *session.Session
	needsAWS := len(cfg.MongoSecret) > 0
	for _, root := range []string{cfg.DataRoot, cfg.OutputRoot} {
		if _, _, isS3, _ := fileaccess.SplitRoot(root); isS3 {
			needsAWS = true
		}
	}

	if needsAWS {
		var err error
		if len(cfg.AWSRegion) > 0 {
			sess, err = awsutil.GetSessionWithRegion(cfg.AWSRegion)
		} else {
			sess, err = awsutil.GetSession()
		}
		if err != nil {
			return 0, errors.Wrap(err, "failed to create AWS session")
		}
	}

	dataRoot, err := fileaccess.OpenRoot(cfg.DataRoot, sess)
	if err != nil {
		return 0, err
	}
	outputRoot, err := fileaccess.OpenRoot(cfg.OutputRoot, sess)
	if err != nil {
		return 0, err
	}

	runner := &batchFit.Runner{
		Data:      dataRoot,
		Output:    outputRoot,
		Params:    fitParams.NewFileStore(dataRoot),
		Summaries: mapStore.NewFileSummaryStore(outputRoot),
		Log:       iLog,
		Metrics:   metrics,
		RunID:     mapStore.NewRunID(),
	}

	if cfg.ParamStore == "mongo" {
		client, err := mongoDBConnection.Connect(ctx, sess, cfg.MongoSecret, cfg.MongoCAFile, iLog)
		if err != nil {
			return 0, err
		}
		defer disconnect(client, iLog)

		db := client.Database(mongoDBConnection.GetDatabaseName(cfg.MongoDBName, cfg.EnvironmentName))
		runner.Params = fitParams.NewMongoStore(db)
		runner.Summaries = mapStore.NewMongoSummaryStore(db)
	}

	job, err := makeJob(cfg)
	if err != nil {
		return 0, err
	}

	if len(cfg.CatalogFile) > 0 {
		data, err := dataRoot.Access.ReadObject(dataRoot.Bucket, dataRoot.Path(cfg.CatalogFile))
		if err != nil {
			return 0, errors.Wrapf(err, "failed to read line catalog: %v", cfg.CatalogFile)
		}
		cat, err := lineCatalog.ParseCatalogJSON(data)
		if err != nil {
			return 0, err
		}
		job.Fit.Catalog = cat
	}

	iLog.Infof("Starting fit run %v of %v scans", runner.RunID, len(job.Scans))
	outcomes, err := runner.Run(ctx, job)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err == nil {
			iLog.Infof("%v: wrote %v", o.Scan, o.Summary.OutputPath)
			continue
		}
		failed++
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("runId", runner.RunID)
			scope.SetTag("scan", o.Scan)
			sentry.CaptureException(o.Err)
		})
	}
	return failed, nil
}

// makeJob - the batch job described by the config
func makeJob(cfg config.FitConfig) (batchFit.Job, error) {
	job := batchFit.Job{
		Scans:     cfg.ScanFiles,
		ParamName: cfg.ParamFile,
		Fit: pixelFit.Options{
			Method:             cfg.Method,
			PixelBin:           int(cfg.PixelBin),
			RaiseBackground:    cfg.RaiseBackground,
			CompElasticCombine: cfg.CompElasticCombine,
			LinearBackground:   cfg.LinearBackground,
			UseSNIP:            cfg.UseSNIP,
			SNIPSmoothing:      int(cfg.SnipSmoothing),
			SNIPIterations:     int(cfg.SnipIterations),
			BackgroundColumn:   cfg.BackgroundColumn,
			BinEnergy:          int(cfg.BinEnergy),
			Workers:            int(cfg.Workers),
			FirstPeakArea:      cfg.FirstPeakArea,
		},
		IncidentEnergy:     cfg.IncidentEnergy,
		UseScanCalibration: cfg.UseScanCalibration,
		FitSummed:          cfg.FitSummed,
		SaveParams:         cfg.SaveParams,
		ScalerName:         cfg.ScalerName,
		Interpolate:        cfg.Interpolate,
		OutputTIFF:         cfg.OutputTIFF,
		OutputTXT:          cfg.OutputTXT,
		SavePlot:           cfg.SavePlot,
		Parallel:           int(cfg.ParallelScans),
	}

	for _, spec := range cfg.Rois {
		roi, err := batchFit.ParseRoiSpec(spec)
		if err != nil {
			return job, err
		}
		job.Rois = append(job.Rois, roi)
	}
	return job, nil
}

func disconnect(client *mongo.Client, iLog logger.ILogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		iLog.Errorf("Failed to disconnect from mongo: %v", err)
	}
}
