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
	"fmt"
	"strings"
)

// Scan cubes, fit parameter files and output maps can live on local disk (beamline workstations)
// or in S3 (processing in the cloud). Everything in this module reads/writes through this
// interface so callers don't care which. Every call takes a "bucket" which is the S3 bucket name,
// or the root directory for local file access.

type FileAccess interface {
	ListObjects(bucket string, prefix string) ([]string, error)
	ObjectExists(bucket string, path string) (bool, error)

	ReadObject(bucket string, path string) ([]byte, error)
	WriteObject(bucket string, path string, data []byte) error

	ReadJSON(bucket string, path string, itemsPtr interface{}, emptyIfNotFound bool) error
	WriteJSON(bucket string, path string, itemsPtr interface{}) error

	DeleteObject(bucket string, path string) error

	IsNotFoundError(err error) bool
}

const prettyPrintIndentForJSON = "    "

// MakeValidObjectName - strips characters that cause trouble in S3 keys or file names. Used when
// output file names are derived from element line names or scan names
func MakeValidObjectName(name string) string {
	for _, c := range []string{"?", "$", "#", "!", "'", "\""} {
		name = strings.ReplaceAll(name, c, "")
	}
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}

// SplitRoot - Takes a storage root as configured (either s3://bucket/some/prefix or a local dir)
// and returns the bucket (or local root), the prefix within it, and whether it's S3
func SplitRoot(root string) (string, string, bool, error) {
	if !strings.HasPrefix(root, "s3://") {
		return root, "", false, nil
	}

	bucket, err := GetBucketFromS3Url(root)
	if err != nil {
		// Might just be s3://bucket with no slash after
		trimmed := strings.TrimSuffix(strings.TrimPrefix(root, "s3://"), "/")
		if len(trimmed) <= 0 || strings.Contains(trimmed, "/") {
			return "", "", true, err
		}
		return trimmed, "", true, nil
	}

	prefix, err := GetPathFromS3Url(root)
	return bucket, strings.TrimSuffix(prefix, "/"), true, err
}

func GetBucketFromS3Url(url string) (string, error) {
	trimmedUrl := strings.TrimPrefix(url, "s3://")
	if trimmedUrl == url {
		return "", fmt.Errorf("GetBucketFromS3Url parameter was not a valid S3 url: %v", url)
	}

	// Get the bit before the first slash, that's the bucket
	slashPos := strings.Index(trimmedUrl, "/")
	if slashPos <= 0 {
		return "", fmt.Errorf("GetBucketFromS3Url failed to get bucket from S3 url: %v", url)
	}

	return trimmedUrl[0:slashPos], nil
}

func GetPathFromS3Url(url string) (string, error) {
	trimmedUrl := strings.TrimPrefix(url, "s3://")
	if trimmedUrl == url {
		return "", fmt.Errorf("GetPathFromS3Url parameter was not a valid S3 url: %v", url)
	}

	slashPos := strings.Index(trimmedUrl, "/")
	if slashPos <= 0 {
		return "", fmt.Errorf("GetPathFromS3Url failed to get path from S3 url: %v", url)
	}

	return trimmedUrl[slashPos+1:], nil
}
