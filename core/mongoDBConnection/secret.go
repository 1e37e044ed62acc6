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

package mongoDBConnection

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-secretsmanager-caching-go/secretcache"
	"github.com/pixlise/xrfmap/core/awsutil"
	"github.com/pkg/errors"
)

// MongoConnectionInfo - what's stored in the secrets manager secret for an RDS/DocumentDB cluster
type MongoConnectionInfo struct {
	DbClusterIdentifier string `json:"dbClusterIdentifier"`
	Password            string `json:"password"`
	Engine              string `json:"engine"`
	Port                string `json:"port"`
	Host                string `json:"host"`
	Ssl                 string `json:"ssl"`
	Username            string `json:"username"`
}

func getMongoConnectionInfoFromSecretCache(sess *session.Session, secretName string) (MongoConnectionInfo, error) {
	var info MongoConnectionInfo

	if sess == nil {
		var err error
		sess, err = awsutil.GetSession()
		if err != nil {
			return info, err
		}
	}

	seccache, err := secretcache.New(func(c *secretcache.Cache) { c.Client = awsutil.GetSecretsManager(sess) })
	if err != nil {
		return info, err
	}

	secretValue, err := seccache.GetSecretString(secretName)
	if err != nil {
		return info, err
	}

	return parseConnectionInfo(secretName, secretValue)
}

func parseConnectionInfo(secretName string, secretValue string) (MongoConnectionInfo, error) {
	var info MongoConnectionInfo
	if err := json.Unmarshal([]byte(secretValue), &info); err != nil {
		return info, errors.Wrapf(err, "failed to parse secret: %v", secretName)
	}
	if len(info.Host) <= 0 {
		return info, errors.Errorf("secret %v has no host", secretName)
	}
	return info, nil
}
