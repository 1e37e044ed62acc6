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
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Implementation of file access using local file system. Bucket is treated as the root directory
type FSAccess struct {
}

func (fa *FSAccess) ListObjects(rootPath string, prefix string) ([]string, error) {
	result := []string{}

	rootOnly := path.Join(rootPath) // Using path.Join to make it match the fullPath cleans off ./ for example

	// Prefix may be a partial file name (like S3), so walk the dir it's in and filter
	walkRoot := fa.filePath(rootPath, prefix)
	if !strings.HasSuffix(prefix, "/") && len(prefix) > 0 {
		walkRoot = filepath.Dir(walkRoot)
	}

	err := filepath.Walk(walkRoot, func(pathFound string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			// pathFound contains the root directory, so we chop it off
			toSave := filepath.ToSlash(pathFound)
			if strings.HasPrefix(toSave, rootOnly) {
				toSave = toSave[len(rootOnly)+1:]
			}
			if strings.HasPrefix(toSave, prefix) {
				result = append(result, toSave)
			}
		}
		return nil
	})

	sort.Strings(result)
	return result, err
}

func (fa *FSAccess) ObjectExists(rootPath string, path string) (bool, error) {
	_, err := os.Stat(fa.filePath(rootPath, path))
	if err == nil {
		return true, nil
	}
	if fa.IsNotFoundError(err) {
		return false, nil
	}
	return false, err
}

func (fa *FSAccess) ReadObject(rootPath string, path string) ([]byte, error) {
	return os.ReadFile(fa.filePath(rootPath, path))
}

func (fa *FSAccess) WriteObject(rootPath string, path string, data []byte) error {
	fullPath := fa.filePath(rootPath, path)

	// Ensure any subdirs in between are created
	err := os.MkdirAll(filepath.Dir(fullPath), 0777)
	if err != nil {
		return err
	}

	// Write the file out, this will create if needed else truncate and write
	return os.WriteFile(fullPath, data, 0666)
}

func (fa *FSAccess) ReadJSON(rootPath string, path string, itemsPtr interface{}, emptyIfNotFound bool) error {
	fileData, err := fa.ReadObject(rootPath, path)

	if err != nil {
		if emptyIfNotFound && fa.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(fileData, itemsPtr)
}

func (fa *FSAccess) WriteJSON(rootPath string, path string, itemsPtr interface{}) error {
	fileData, err := json.MarshalIndent(itemsPtr, "", prettyPrintIndentForJSON)
	if err != nil {
		return err
	}

	return fa.WriteObject(rootPath, path, fileData)
}

func (fa *FSAccess) DeleteObject(rootPath string, path string) error {
	return os.Remove(fa.filePath(rootPath, path))
}

func (fa *FSAccess) IsNotFoundError(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func (fa *FSAccess) filePath(rootPath string, filePath string) string {
	return path.Join(rootPath, filePath)
}
