// Package params resolves CLI and custom-configuration input into an
// immutable BuildParameters value.
package params

import (
	"sort"
	"strconv"
	"strings"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/naming"
)

// Input is the raw, unvalidated parameter input of one run.
type Input struct {
	TipHeight   string // CLI positional, empty when absent
	BladeRadius string // CLI positional, empty when absent
	Clip        string // --clip, names separated by ';' or ','
	Custom      *config.CustomConfig
	Defaults    config.TurbineConfig
}

// BuildParameters is fixed for the whole run. Derived names are pure
// functions of it.
type BuildParameters struct {
	TipHeight   float64
	BladeRadius float64
	Clip        []ClipArea
	Custom      *config.CustomConfig
}

// Resolve validates in and resolves clip areas against regions. It performs
// no network or database work, so configuration errors surface first.
func Resolve(in Input, regions *RegionIndex) (BuildParameters, error) {
	var p BuildParameters
	var err error

	var customTip, customBlade *float64
	var customClip []string
	if in.Custom != nil {
		customTip, customBlade, customClip = in.Custom.TipHeight, in.Custom.BladeRadius, in.Custom.Clipping
	}

	if p.TipHeight, err = pick("tip-height", in.TipHeight, customTip, in.Defaults.TipHeight); err != nil {
		return BuildParameters{}, err
	}
	if p.BladeRadius, err = pick("blade-radius", in.BladeRadius, customBlade, in.Defaults.BladeRadius); err != nil {
		return BuildParameters{}, err
	}
	if p.BladeRadius >= p.TipHeight {
		return BuildParameters{}, cerrors.ValidationFailed("blade-radius", "blade radius must be smaller than tip height")
	}

	names := SplitClip(in.Clip)
	if len(names) == 0 {
		names = customClip
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if regions == nil {
			return BuildParameters{}, cerrors.ClipAreaUnresolved(name)
		}
		area, err := regions.Resolve(name)
		if err != nil {
			return BuildParameters{}, err
		}
		p.Clip = append(p.Clip, area)
	}
	sort.Slice(p.Clip, func(i, j int) bool { return p.Clip[i].Key < p.Clip[j].Key })
	p.Clip = dedupe(p.Clip)
	p.Custom = in.Custom
	return p, nil
}

// pick applies CLI > custom > default precedence.
func pick(field, raw string, custom *float64, def float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return 0, cerrors.ValidationFailed(field, "must be a positive number, got "+strconv.Quote(raw))
		}
		return v, nil
	}
	if custom != nil {
		return *custom, nil
	}
	if def <= 0 {
		return 0, cerrors.ValidationFailed(field, "no value given and no positive default configured")
	}
	return def, nil
}

// SplitClip splits a clip argument on ';' and ','.
func SplitClip(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func dedupe(areas []ClipArea) []ClipArea {
	out := areas[:0]
	for i, a := range areas {
		if i > 0 && a.Key == areas[i-1].Key {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Bucket is the canonical encoding of the turbine geometry.
func (p BuildParameters) Bucket() string {
	return naming.Bucket(p.TipHeight, p.BladeRadius)
}

// Prefix is empty for a plain run, otherwise "custom_<slug>", "clip_<slug>"
// or both joined by an underscore.
func (p BuildParameters) Prefix() string {
	var parts []string
	if p.Custom != nil {
		if slug := naming.NormalizeCore(p.Custom.Name); slug != "" {
			parts = append(parts, "custom_"+slug)
		}
	}
	if len(p.Clip) > 0 {
		parts = append(parts, "clip_"+p.ClipKey())
	}
	return strings.Join(parts, "_")
}

// Context returns the naming context for this run.
func (p BuildParameters) Context() naming.BuildContext {
	return naming.BuildContext{Prefix: p.Prefix(), Bucket: p.Bucket()}
}

// ClipNames returns the display names of the clip areas.
func (p BuildParameters) ClipNames() []string {
	out := make([]string, 0, len(p.Clip))
	for _, c := range p.Clip {
		out = append(out, c.Name)
	}
	return out
}

// String renders the parameters for logs.
func (p BuildParameters) String() string {
	s := "tip-height=" + naming.FormatNumber(p.TipHeight) + " blade-radius=" + naming.FormatNumber(p.BladeRadius)
	if len(p.Clip) > 0 {
		s += " clip=" + strings.Join(p.ClipNames(), ";")
	}
	if p.Custom != nil {
		s += " custom=" + p.Custom.Name
	}
	return s
}

// ClipKey identifies the clip boundary tables; empty means the whole territory.
func (p BuildParameters) ClipKey() string {
	keys := make([]string, 0, len(p.Clip))
	for _, c := range p.Clip {
		keys = append(keys, c.Key)
	}
	return strings.Join(keys, "_")
}
