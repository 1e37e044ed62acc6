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

package lineCatalog

import (
	"fmt"
	"strings"
)

// LineID - parsed form of a line name. "Fe_K" is a whole line group, "Fe_ka1" (or "Fe_Ka1") a
// single sub-line
type LineID struct {
	Element string
	Group   string // K, L or M
	SubLine string // Empty for a whole group
}

func (id LineID) String() string {
	if len(id.SubLine) > 0 {
		return id.Element + "_" + id.SubLine
	}
	return id.Element + "_" + id.Group
}

// ParseLineName - splits a single (non-pileup) line name
func ParseLineName(name string) (LineID, error) {
	parts := strings.Split(strings.TrimSpace(name), "_")
	if len(parts) != 2 || len(parts[0]) <= 0 || len(parts[1]) <= 0 {
		return LineID{}, fmt.Errorf("invalid line name: %q", name)
	}

	id := LineID{Element: parts[0], Group: strings.ToUpper(parts[1][0:1])}
	if id.Group != "K" && id.Group != "L" && id.Group != "M" {
		return LineID{}, fmt.Errorf("invalid line name: %q, expected K, L or M line", name)
	}

	if len(parts[1]) > 1 {
		id.SubLine = strings.ToLower(parts[1])
	}
	return id, nil
}

// LineSpec - a line name from an element list, either a plain line or a pileup of two lines
// written as "A-B", eg "Si_K-Si_K" or "Si_Ka1-Ca_Ka1"
type LineSpec struct {
	Name   string
	Parts  []LineID
	Pileup bool
}

func ParseLineSpec(name string) (LineSpec, error) {
	name = strings.TrimSpace(name)
	spec := LineSpec{Name: name}

	names := strings.Split(name, "-")
	if len(names) > 2 {
		return spec, fmt.Errorf("invalid line name: %q, pileups can only have 2 lines", name)
	}

	for _, n := range names {
		id, err := ParseLineName(n)
		if err != nil {
			return spec, err
		}
		spec.Parts = append(spec.Parts, id)
	}

	spec.Pileup = len(spec.Parts) == 2
	return spec, nil
}

// SubLine - one emission line with its cross-section at some incident energy
type SubLine struct {
	Name         string // Element_line, eg Fe_ka1
	Energy       float64
	CrossSection float64
}

// SubLines - the emission lines making up the given line, with cross-sections at the incident
// energy. For a group (Fe_K) this is every line of the group, for a sub-line just that one
func SubLines(cat Catalog, id LineID, incidentKeV float64) ([]SubLine, error) {
	elem, err := cat.Element(id.Element)
	if err != nil {
		return nil, err
	}

	var lines []Line
	if len(id.SubLine) > 0 {
		l, ok := elem.Line(id.SubLine)
		if !ok {
			return nil, fmt.Errorf("unknown line: %v", id)
		}
		lines = []Line{l}
	} else {
		lines = elem.GroupLines(id.Group)
		if len(lines) <= 0 {
			return nil, fmt.Errorf("unknown line: %v, element has no %v lines", id, id.Group)
		}
	}

	result := make([]SubLine, 0, len(lines))
	for _, l := range lines {
		result = append(result, SubLine{
			Name:         elem.Symbol + "_" + l.Name,
			Energy:       l.Energy,
			CrossSection: elem.CrossSection(l, incidentKeV),
		})
	}
	return result, nil
}

// strongest - index of the sub-line with the largest cross-section. If nothing is excited we fall
// back to the first line, so there's still an energy to report
func strongest(lines []SubLine) int {
	best := 0
	for c, l := range lines {
		if l.CrossSection > lines[best].CrossSection {
			best = c
		}
	}
	return best
}

// PrimaryEnergy - energy of the strongest sub-line of the given line at the incident energy
func PrimaryEnergy(cat Catalog, id LineID, incidentKeV float64) (float64, error) {
	lines, err := SubLines(cat, id, incidentKeV)
	if err != nil {
		return 0, err
	}
	return lines[strongest(lines)].Energy, nil
}

// CheckLineName - is this a line (or pileup) we know about
func CheckLineName(cat Catalog, name string) bool {
	spec, err := ParseLineSpec(name)
	if err != nil {
		return false
	}
	for _, id := range spec.Parts {
		if _, err := SubLines(cat, id, 0); err != nil {
			return false
		}
	}
	return true
}

// IsLineActivated - can the incident beam excite this line at all. For pileups, both lines must be
func IsLineActivated(cat Catalog, name string, incidentKeV float64) (bool, error) {
	spec, err := ParseLineSpec(name)
	if err != nil {
		return false, err
	}
	for _, id := range spec.Parts {
		lines, err := SubLines(cat, id, incidentKeV)
		if err != nil {
			return false, err
		}
		if lines[strongest(lines)].CrossSection <= 0 {
			return false, nil
		}
	}
	return true, nil
}

// GetBranchingRatio - fraction of the line group's emission that goes into its strongest
// sub-line, at the incident energy. In (0, 1] for any activated line
func GetBranchingRatio(cat Catalog, name string, incidentKeV float64) (float64, error) {
	id, err := ParseLineName(name)
	if err != nil {
		return 0, err
	}

	lines, err := SubLines(cat, id, incidentKeV)
	if err != nil {
		return 0, err
	}

	sum := 0.0
	for _, l := range lines {
		sum += l.CrossSection
	}
	if sum <= 0 {
		return 0, fmt.Errorf("line %v is not activated at incident energy %v keV", name, incidentKeV)
	}
	return lines[strongest(lines)].CrossSection / sum, nil
}

// CrossSections - per sub-line cross-sections of a line at the incident energy. If normalise is
// set, values are relative to the strongest sub-line
func CrossSections(cat Catalog, name string, incidentKeV float64, normalise bool) (map[string]float64, error) {
	id, err := ParseLineName(name)
	if err != nil {
		return nil, err
	}

	lines, err := SubLines(cat, id, incidentKeV)
	if err != nil {
		return nil, err
	}

	top := lines[strongest(lines)].CrossSection

	result := map[string]float64{}
	for _, l := range lines {
		if normalise && top > 0 {
			result[l.Name] = l.CrossSection / top
		} else {
			result[l.Name] = l.CrossSection
		}
	}
	return result, nil
}

// FullLineList - every line group name in the catalog (Na_K ... U_M), ordered by atomic number
func FullLineList(cat Catalog) []string {
	result := []string{}
	for _, sym := range cat.Symbols() {
		elem, err := cat.Element(sym)
		if err != nil {
			continue
		}
		for _, group := range []string{"K", "L", "M"} {
			if len(elem.GroupLines(group)) > 0 {
				result = append(result, sym+"_"+group)
			}
		}
	}
	return result
}
