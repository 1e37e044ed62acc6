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

// Package fitParams holds the fit parameter set: energy calibration, detector peak width terms,
// scatter peak terms and the "non fitting" values such as element list and energy window. The
// JSON layout matches the parameter files written by the summed-spectrum fit, so existing
// parameter files can be read directly.
package fitParams

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pixlise/xrfmap/core/utils"
	"github.com/pkg/errors"
)

// Bound types, as stored in parameter files
const (
	BoundFixed = "fixed"
	BoundNone  = "none"
	BoundLo    = "lo"
	BoundHi    = "hi"
	BoundLoHi  = "lohi"
)

// Names of parameters used by the fitting code
const (
	EOffset          = "e_offset"
	ELinear          = "e_linear"
	EQuadratic       = "e_quadratic"
	FwhmOffset       = "fwhm_offset"
	FwhmFanoprime    = "fwhm_fanoprime"
	CoherentEnergy   = "coherent_sct_energy"
	ComptonAngle     = "compton_angle"
	ComptonFwhmCorr  = "compton_fwhm_corr"
	ComptonStep      = "compton_f_step"
	ComptonTail      = "compton_f_tail"
	ComptonGamma     = "compton_gamma"
	ComptonHiTail    = "compton_hi_f_tail"
	ComptonHiGamma   = "compton_hi_gamma"
	nonFittingValues = "non_fitting_values"
)

type Param struct {
	Value     float64 `json:"value" bson:"value"`
	Min       float64 `json:"min" bson:"min"`
	Max       float64 `json:"max" bson:"max"`
	BoundType string  `json:"bound_type" bson:"boundType"`
}

// IsFree - will a fit be allowed to change this value
func (p Param) IsFree() bool {
	return p.BoundType != BoundFixed && len(p.BoundType) > 0
}

// Clamp - applies the bounds of this parameter to a value
func (p Param) Clamp(v float64) float64 {
	switch p.BoundType {
	case BoundLo:
		if v < p.Min {
			return p.Min
		}
	case BoundHi:
		if v > p.Max {
			return p.Max
		}
	case BoundLoHi:
		if v < p.Min {
			return p.Min
		}
		if v > p.Max {
			return p.Max
		}
	}
	return v
}

type ValueField struct {
	Value float64 `json:"value" bson:"value"`
}

type NonFitting struct {
	ElementList     string     `json:"element_list" bson:"elementList"`
	EnergyBoundLow  ValueField `json:"energy_bound_low" bson:"energyBoundLow"`
	EnergyBoundHigh ValueField `json:"energy_bound_high" bson:"energyBoundHigh"`
	BackgroundWidth float64    `json:"background_width" bson:"backgroundWidth"`
	EscapeRatio     float64    `json:"escape_ratio" bson:"escapeRatio"`
}

// FitParameters - named parameters plus the non fitting values
type FitParameters struct {
	Params     map[string]Param
	NonFitting NonFitting
}

func New() FitParameters {
	return FitParameters{Params: map[string]Param{}}
}

func (f FitParameters) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	for k, v := range f.Params {
		out[k] = v
	}
	out[nonFittingValues] = f.NonFitting
	return json.Marshal(out)
}

func (f *FitParameters) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Params = map[string]Param{}
	for k, v := range raw {
		if k == nonFittingValues {
			if err := json.Unmarshal(v, &f.NonFitting); err != nil {
				return errors.Wrap(err, "failed to read "+nonFittingValues)
			}
			continue
		}

		// Parameter files can carry other bits (strings, element-specific sub-dicts with extra
		// fields). Anything with a numeric value is a parameter, the rest we ignore
		var p struct {
			Value *float64 `json:"value"`
			Param
		}
		if err := json.Unmarshal(v, &p); err != nil || p.Value == nil {
			continue
		}
		p.Param.Value = *p.Value
		f.Params[k] = p.Param
	}
	return nil
}

// Clone - deep copy, so per-run overrides never leak back into a shared parameter set
func (f FitParameters) Clone() FitParameters {
	c := FitParameters{Params: make(map[string]Param, len(f.Params)), NonFitting: f.NonFitting}
	for k, v := range f.Params {
		c.Params[k] = v
	}
	return c
}

func (f FitParameters) Get(name string) (Param, bool) {
	p, ok := f.Params[name]
	return p, ok
}

// Value - value of the named parameter, or the default if it's not in the set
func (f FitParameters) Value(name string, def float64) float64 {
	if p, ok := f.Params[name]; ok {
		return p.Value
	}
	return def
}

// SetValue - sets the value of a parameter, creating it as fixed if it didn't exist
func (f *FitParameters) SetValue(name string, value float64) {
	if f.Params == nil {
		f.Params = map[string]Param{}
	}
	p, ok := f.Params[name]
	if !ok {
		p.BoundType = BoundFixed
	}
	p.Value = value
	f.Params[name] = p
}

// ElementLines - the element list split into line names, eg "Fe_K, Ca_K" -> [Fe_K Ca_K]
func (f FitParameters) ElementLines() []string {
	result := []string{}
	for _, item := range strings.Split(f.NonFitting.ElementList, ",") {
		item = strings.TrimSpace(item)
		if len(item) > 0 {
			result = append(result, item)
		}
	}
	return result
}

func (f *FitParameters) SetElementLines(lines []string) {
	f.NonFitting.ElementList = strings.Join(lines, ", ")
}

// IncidentEnergy - the beam energy, which is the elastic peak position
func (f FitParameters) IncidentEnergy() float64 {
	return f.Value(CoherentEnergy, 0)
}

// WithIncidentEnergy - copy of the parameters with the incident energy replaced, as used when
// fitting a stack of scans taken at different beam energies
func (f FitParameters) WithIncidentEnergy(energy float64) FitParameters {
	c := f.Clone()
	c.SetValue(CoherentEnergy, energy)
	return c
}

// WithCalibration - copy of the parameters with the calibration terms replaced. Bounds of terms
// already in the set are kept
func (f FitParameters) WithCalibration(cal EnergyCalibration) FitParameters {
	c := f.Clone()
	c.SetValue(EOffset, cal.Offset)
	c.SetValue(ELinear, cal.Linear)
	c.SetValue(EQuadratic, cal.Quadratic)
	return c
}

// Calibration - the energy calibration terms of this parameter set
func (f FitParameters) Calibration() (EnergyCalibration, error) {
	missing := []string{}
	for _, name := range []string{EOffset, ELinear, EQuadratic} {
		if _, ok := f.Params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return EnergyCalibration{}, fmt.Errorf("fit parameters missing calibration terms: %v", strings.Join(missing, ", "))
	}

	cal := EnergyCalibration{Offset: f.Params[EOffset].Value, Linear: f.Params[ELinear].Value, Quadratic: f.Params[EQuadratic].Value}
	return cal, cal.Validate()
}

// Validate - checks we have what's needed to build a model: calibration and an element list
func (f FitParameters) Validate() error {
	if _, err := f.Calibration(); err != nil {
		return err
	}
	if len(f.ElementLines()) <= 0 {
		return errors.New("fit parameters have an empty element list")
	}
	if f.NonFitting.EnergyBoundHigh.Value <= f.NonFitting.EnergyBoundLow.Value {
		return fmt.Errorf("invalid energy window: %v to %v keV", f.NonFitting.EnergyBoundLow.Value, f.NonFitting.EnergyBoundHigh.Value)
	}
	return nil
}

// Names - sorted parameter names, for stable output
func (f FitParameters) Names() []string {
	return utils.GetSortedMapKeys(f.Params)
}
