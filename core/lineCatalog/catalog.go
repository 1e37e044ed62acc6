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

// Package lineCatalog provides XRF emission line data: line energies, the shells they originate
// from and a simple photoionisation cross-section model, so the model builder can place peaks and
// weight sub-lines, and map scaling can apply branching ratios.
package lineCatalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

//go:embed lines.json
var builtinLinesJSON []byte

// Line - one emission line (transition) of an element
type Line struct {
	Name   string  `json:"name"`   // ka1, lb2, ma1...
	Energy float64 `json:"energy"` // keV
	Shell  string  `json:"shell"`  // Shell the vacancy is in: K, L3, L2, M5...
	Rate   float64 `json:"rate"`   // Relative radiative rate within the shell
}

// Group - K, L or M, the line group this line belongs to
func (l Line) Group() string {
	return strings.ToUpper(l.Name[0:1])
}

type Shell struct {
	Name   string  `json:"name"`
	Edge   float64 `json:"edge"`   // Absorption edge, keV
	Yield  float64 `json:"yield"`  // Fluorescence yield
	Weight float64 `json:"weight"` // Relative photoionisation weight of this shell within its group
}

type Element struct {
	Symbol string  `json:"symbol"`
	Z      int     `json:"z"`
	Shells []Shell `json:"shells"`
	Lines  []Line  `json:"lines"`
}

func (e Element) Shell(name string) (Shell, bool) {
	for _, s := range e.Shells {
		if s.Name == name {
			return s, true
		}
	}
	return Shell{}, false
}

// GroupLines - lines of the given group (K, L or M), in table order
func (e Element) GroupLines(group string) []Line {
	result := []Line{}
	for _, l := range e.Lines {
		if l.Group() == group {
			result = append(result, l)
		}
	}
	return result
}

// Line - looks up a line by name (case insensitive, so Ka1 and ka1 both work)
func (e Element) Line(name string) (Line, bool) {
	for _, l := range e.Lines {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Line{}, false
}

// Photoionisation falls off roughly as E^-(8/3) above the edge
const crossSectionExponent = 8.0 / 3.0

// CrossSection - partial fluorescence cross-section (arbitrary but consistent units) of the
// line when excited at the incident energy. Zero if the incident energy is below the shell edge
func (e Element) CrossSection(line Line, incidentKeV float64) float64 {
	shell, ok := e.Shell(line.Shell)
	if !ok || incidentKeV < shell.Edge || incidentKeV <= 0 {
		return 0
	}
	return shell.Weight * shell.Yield * line.Rate * math.Pow(shell.Edge/incidentKeV, crossSectionExponent)
}

// Catalog - source of element/line data. BuiltinCatalog is what we ship, tests can provide others
type Catalog interface {
	Element(symbol string) (Element, error)
	Symbols() []string
}

type BuiltinCatalog struct {
	elements map[string]Element
	symbols  []string
}

// NewCatalog - builds a catalog from a list of elements, sorted by atomic number
func NewCatalog(elements []Element) (*BuiltinCatalog, error) {
	cat := &BuiltinCatalog{elements: map[string]Element{}}
	for _, e := range elements {
		if len(e.Symbol) <= 0 || e.Z <= 0 {
			return nil, fmt.Errorf("invalid element entry: %+v", e)
		}
		if _, exists := cat.elements[e.Symbol]; exists {
			return nil, fmt.Errorf("duplicate element: %v", e.Symbol)
		}
		for _, l := range e.Lines {
			if len(l.Name) <= 0 {
				return nil, fmt.Errorf("element %v has a line with no name", e.Symbol)
			}
			if _, ok := e.Shell(l.Shell); !ok {
				return nil, fmt.Errorf("element %v line %v refers to unknown shell %v", e.Symbol, l.Name, l.Shell)
			}
		}
		cat.elements[e.Symbol] = e
		cat.symbols = append(cat.symbols, e.Symbol)
	}

	sort.Slice(cat.symbols, func(i, j int) bool {
		return cat.elements[cat.symbols[i]].Z < cat.elements[cat.symbols[j]].Z
	})
	return cat, nil
}

// ParseCatalogJSON - reads a catalog in the same layout as the built in lines.json
func ParseCatalogJSON(data []byte) (*BuiltinCatalog, error) {
	var file struct {
		Elements []Element `json:"elements"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse line catalog")
	}
	return NewCatalog(file.Elements)
}

var builtin *BuiltinCatalog
var builtinErr error
var builtinOnce sync.Once

// Builtin - the catalog compiled into the binary. Loaded once, read-only after that so it's safe
// to share between fitting workers
func Builtin() *BuiltinCatalog {
	builtinOnce.Do(func() {
		builtin, builtinErr = ParseCatalogJSON(builtinLinesJSON)
	})
	if builtinErr != nil {
		// Only possible if the embedded file is broken, which tests catch
		panic(builtinErr)
	}
	return builtin
}

func (c *BuiltinCatalog) Element(symbol string) (Element, error) {
	e, ok := c.elements[symbol]
	if !ok {
		return e, fmt.Errorf("unknown element: %v", symbol)
	}
	return e, nil
}

func (c *BuiltinCatalog) Symbols() []string {
	return append([]string{}, c.symbols...)
}
