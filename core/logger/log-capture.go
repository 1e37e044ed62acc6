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

package logger

import (
	"strings"
	"sync"
)

// CaptureLogger - Keeps every line logged, so tests can check what was reported. Safe to use
// from multiple goroutines because fitting workers log concurrently.
type CaptureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *CaptureLogger) Printf(level LogLevel, format string, a ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, formatLine(level, format, a...))
}
func (l *CaptureLogger) Debugf(format string, a ...interface{}) {
	l.Printf(LogDebug, format, a...)
}
func (l *CaptureLogger) Infof(format string, a ...interface{}) {
	l.Printf(LogInfo, format, a...)
}
func (l *CaptureLogger) Warnf(format string, a ...interface{}) {
	l.Printf(LogWarn, format, a...)
}
func (l *CaptureLogger) Errorf(format string, a ...interface{}) {
	l.Printf(LogError, format, a...)
}

// Lines - copy of everything logged so far
func (l *CaptureLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.lines...)
}

// Contains - checks if any logged line contains the given text
func (l *CaptureLogger) Contains(txt string) bool {
	for _, line := range l.Lines() {
		if strings.Contains(line, txt) {
			return true
		}
	}
	return false
}
