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
	"context"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const RunsCollection = "fitRuns"

// RunSummary - record of fitting one scan, kept so runs can be looked up later
type RunSummary struct {
	RunID               string   `json:"runId" bson:"runId"`
	Scan                string   `json:"scan" bson:"scan"`
	ParamName           string   `json:"paramName" bson:"paramName"`
	Method              string   `json:"method" bson:"method"`
	Names               []string `json:"names" bson:"names"`
	Rows                int      `json:"rows" bson:"rows"`
	Cols                int      `json:"cols" bson:"cols"`
	FailedPixels        int      `json:"failedPixels" bson:"failedPixels"`
	RankDeficientPixels int      `json:"rankDeficientPixels" bson:"rankDeficientPixels"`
	ElapsedSec          float64  `json:"elapsedSec" bson:"elapsedSec"`
	StartUnixSec        int64    `json:"startUnixSec" bson:"startUnixSec"`
	OutputPath          string   `json:"outputPath" bson:"outputPath"`
	Error               string   `json:"error,omitempty" bson:"error,omitempty"`
}

// NewRunID - unique ID for a fit run, shared by every scan fitted in one batch
func NewRunID() string {
	return uuid.New().String()
}

type SummaryStore interface {
	SaveSummary(ctx context.Context, summary RunSummary) error
	ListSummaries(ctx context.Context, runID string) ([]RunSummary, error)
}

// FileSummaryStore - summaries as JSON files under runs/<run id>/
type FileSummaryStore struct {
	root fileaccess.Root
}

func NewFileSummaryStore(root fileaccess.Root) *FileSummaryStore {
	return &FileSummaryStore{root: root}
}

func (s *FileSummaryStore) summaryDir(runID string) string {
	return path.Join("runs", runID)
}

func (s *FileSummaryStore) SaveSummary(ctx context.Context, summary RunSummary) error {
	p := path.Join(s.summaryDir(summary.RunID), fileaccess.MakeValidObjectName(summary.Scan)+".json")
	return errors.Wrapf(s.root.Access.WriteJSON(s.root.Bucket, s.root.Path(p), summary), "failed to write run summary: %v", p)
}

func (s *FileSummaryStore) ListSummaries(ctx context.Context, runID string) ([]RunSummary, error) {
	prefix := s.root.Path(s.summaryDir(runID) + "/")
	files, err := s.root.Access.ListObjects(s.root.Bucket, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list run summaries: %v", runID)
	}

	result := []RunSummary{}
	for _, f := range files {
		var summary RunSummary
		if err := s.root.Access.ReadJSON(s.root.Bucket, f, &summary, false); err != nil {
			return nil, errors.Wrapf(err, "failed to read run summary: %v", f)
		}
		result = append(result, summary)
	}
	return result, nil
}

// MongoSummaryStore - summaries as documents, one per run and scan
type MongoSummaryStore struct {
	coll *mongo.Collection
}

func NewMongoSummaryStore(db *mongo.Database) *MongoSummaryStore {
	return &MongoSummaryStore{coll: db.Collection(RunsCollection)}
}

func (s *MongoSummaryStore) SaveSummary(ctx context.Context, summary RunSummary) error {
	filter := bson.M{"runId": summary.RunID, "scan": summary.Scan}
	_, err := s.coll.ReplaceOne(ctx, filter, summary, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "failed to write run summary for %v", summary.Scan)
}

func (s *MongoSummaryStore) ListSummaries(ctx context.Context, runID string) ([]RunSummary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startUnixSec", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{"runId": runID}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list run summaries: %v", runID)
	}

	result := []RunSummary{}
	if err := cursor.All(ctx, &result); err != nil {
		return nil, errors.Wrapf(err, "failed to read run summaries: %v", runID)
	}
	return result, nil
}

// Timestamp - start time and duration fields of a summary
func (r *RunSummary) Timestamp(start time.Time, elapsed time.Duration) {
	r.StartUnixSec = start.Unix()
	r.ElapsedSec = elapsed.Seconds()
}
