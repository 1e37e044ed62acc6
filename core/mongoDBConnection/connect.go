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

// Lowest-level code to connect to Mongo DB (locally in Docker and remotely). Used by the fit
// parameter store and for recording fit run summaries.
package mongoDBConnection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pixlise/xrfmap/core/logger"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const connectTimeout = 10 * time.Second

// Connect - If the secret is blank, assume we're connecting to a local DB with no auth (in docker
// or LOCAL_MONGO_URI), otherwise read the connection info from secrets manager and connect over TLS
func Connect(
	ctx context.Context,
	sess *session.Session, // Can be nil for local connection
	mongoSecret string, // empty for local connection
	caFile string, // CA bundle for remote TLS connections
	iLog logger.ILogger,
) (*mongo.Client, error) {
	if len(mongoSecret) <= 0 {
		return connectToLocalMongoDB(ctx, iLog)
	}

	info, err := getMongoConnectionInfoFromSecretCache(sess, mongoSecret)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read mongo secret \"%v\" info from secrets cache", mongoSecret)
	}

	return connectToRemoteMongoDB(ctx, info, caFile, iLog)
}

func GetDatabaseName(dbName string, envName string) string {
	if len(envName) <= 0 {
		return dbName
	}
	return dbName + "-" + envName
}

// Assumes local mongo running in docker as per this command:
// docker run -d  --name mongo-on-docker  -p 27017:27017 mongo
func connectToLocalMongoDB(ctx context.Context, log logger.ILogger) (*mongo.Client, error) {
	mongoUri, set := os.LookupEnv("LOCAL_MONGO_URI")
	if !set {
		mongoUri = "mongodb://localhost"
	}

	log.Infof("Connecting to local mongo db: %v", mongoUri)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoUri).SetMonitor(makeMongoCommandMonitor(log)).SetDirect(true))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create new local mongo DB connection")
	}

	if err = ping(ctx, client); err != nil {
		return nil, err
	}

	log.Infof("Successfully connected to local mongo db!")
	return client, nil
}

func connectToRemoteMongoDB(ctx context.Context, info MongoConnectionInfo, caFile string, log logger.ILogger) (*mongo.Client, error) {
	log.Infof("Connecting to remote mongo db: %v, user: %v", info.Host, info.Username)

	tlsConfig, err := getCustomTLSConfig(caFile)
	if err != nil {
		return nil, errors.Wrap(err, "Failed getting TLS configuration")
	}

	if strings.Contains(info.Host, "localhost") {
		tlsConfig.InsecureSkipVerify = true
	}

	opts := options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s/", info.Host)).
		SetMonitor(makeMongoCommandMonitor(log)).
		SetTLSConfig(tlsConfig).
		SetRetryWrites(false).
		SetDirect(true).
		SetAuth(options.Credential{
			Username:    info.Username,
			Password:    info.Password,
			PasswordSet: true,
			AuthSource:  "admin",
		})

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create new mongo DB connection")
	}

	if err = ping(connectCtx, client); err != nil {
		return nil, err
	}

	log.Infof("Successfully connected to remote mongo db!")
	return client, nil
}

func ping(ctx context.Context, client *mongo.Client) error {
	var result bson.M
	err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Decode(&result)
	if err != nil {
		return errors.Wrap(err, "mongo ping failed")
	}
	return nil
}

func getCustomTLSConfig(caFile string) (*tls.Config, error) {
	tlsConfig := new(tls.Config)
	certs, err := os.ReadFile(caFile)
	if err != nil {
		return tlsConfig, err
	}

	tlsConfig.RootCAs = x509.NewCertPool()
	if !tlsConfig.RootCAs.AppendCertsFromPEM(certs) {
		return tlsConfig, fmt.Errorf("Failed parsing pem file: %v", caFile)
	}

	return tlsConfig, nil
}

func makeMongoCommandMonitor(log logger.ILogger) *event.CommandMonitor {
	return &event.CommandMonitor{
		Started: func(_ context.Context, evt *event.CommandStartedEvent) {
			log.Debugf("Mongo request: %v", evt.CommandName)
		},
		Succeeded: func(_ context.Context, evt *event.CommandSucceededEvent) {
			log.Debugf("Mongo success: %v in %v", evt.CommandName, evt.Duration)
		},
		Failed: func(_ context.Context, evt *event.CommandFailedEvent) {
			log.Errorf("Mongo FAIL: %v: %v", evt.CommandName, evt.Failure)
		},
	}
}
