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

package fitParams

import (
	"context"
	"time"

	"github.com/pixlise/xrfmap/core/fileaccess"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store - where fit parameter sets are kept. Read before a fit, written back after a summed
// spectrum fit has refined the calibration
type Store interface {
	Load(ctx context.Context, name string) (FitParameters, error)
	Save(ctx context.Context, name string, params FitParameters) error
}

// FileStore - parameter sets stored as JSON files, on local disk or S3
type FileStore struct {
	root fileaccess.Root
}

func NewFileStore(root fileaccess.Root) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Load(ctx context.Context, name string) (FitParameters, error) {
	params := New()
	err := s.root.Access.ReadJSON(s.root.Bucket, s.root.Path(name), &params, false)
	if err != nil {
		return params, errors.Wrapf(err, "failed to read fit parameters: %v", name)
	}
	return params, nil
}

func (s *FileStore) Save(ctx context.Context, name string, params FitParameters) error {
	return errors.Wrapf(s.root.Access.WriteJSON(s.root.Bucket, s.root.Path(name), params), "failed to write fit parameters: %v", name)
}

const ParamsCollection = "fitParams"

type mongoParamsDoc struct {
	Name            string           `bson:"_id"`
	Params          map[string]Param `bson:"params"`
	NonFitting      NonFitting       `bson:"nonFitting"`
	ModifiedUnixSec int64            `bson:"modifiedUnixSec"`
}

// MongoStore - parameter sets stored as documents keyed by name
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(ParamsCollection), now: time.Now}
}

func (s *MongoStore) Load(ctx context.Context, name string) (FitParameters, error) {
	var doc mongoParamsDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return New(), errors.Errorf("fit parameters not found: %v", name)
		}
		return New(), errors.Wrapf(err, "failed to read fit parameters: %v", name)
	}

	params := FitParameters{Params: doc.Params, NonFitting: doc.NonFitting}
	if params.Params == nil {
		params.Params = map[string]Param{}
	}
	return params, nil
}

func (s *MongoStore) Save(ctx context.Context, name string, params FitParameters) error {
	doc := mongoParamsDoc{
		Name:            name,
		Params:          params.Params,
		NonFitting:      params.NonFitting,
		ModifiedUnixSec: s.now().Unix(),
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": name}, doc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "failed to write fit parameters: %v", name)
}
