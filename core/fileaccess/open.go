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

package fileaccess

import (
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pixlise/xrfmap/core/awsutil"
)

// Root - a FileAccess along with the bucket and path prefix all reads/writes go under
type Root struct {
	Access FileAccess
	Bucket string
	Prefix string
}

// Path - joins a relative path onto the prefix of this root
func (r Root) Path(relPath string) string {
	if len(r.Prefix) <= 0 {
		return relPath
	}
	return r.Prefix + "/" + relPath
}

// OpenRoot - given a configured root (local dir or s3://bucket/prefix) returns the matching
// FileAccess. S3 roots use the session passed in, or create one for the default region if nil
func OpenRoot(root string, sess *session.Session) (Root, error) {
	bucket, prefix, isS3, err := SplitRoot(root)
	if err != nil {
		return Root{}, err
	}

	if !isS3 {
		return Root{Access: &FSAccess{}, Bucket: bucket, Prefix: prefix}, nil
	}

	if sess == nil {
		sess, err = awsutil.GetSession()
		if err != nil {
			return Root{}, err
		}
	}

	return Root{Access: MakeS3Access(awsutil.GetS3(sess)), Bucket: bucket, Prefix: prefix}, nil
}
