package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/openwind/constraintbuilder/internal/naming"
)

// Variables a buffer formula may reference, in catalog spelling.
const (
	VarHeightToTip = "height-to-tip"
	VarBladeRadius = "blade-radius"
)

var identifiers = strings.NewReplacer(
	VarHeightToTip, "height_to_tip",
	VarBladeRadius, "blade_radius",
)

var allowedVars = map[string]bool{"height_to_tip": true, "blade_radius": true}

// Formula is a parsed buffer expression. The zero value means "no buffer".
type Formula struct {
	Source    string
	expr      hclsyntax.Expression
	dependent bool
}

// ParseFormula parses a constant or an arithmetic expression over
// height-to-tip and blade-radius.
func ParseFormula(src string) (Formula, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return Formula{}, nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(identifiers.Replace(src)), "buffer", hcl.InitialPos)
	if diags.HasErrors() {
		return Formula{}, fmt.Errorf("parse %q: %s", src, diags.Error())
	}
	f := Formula{Source: src, expr: expr}
	for _, tr := range expr.Variables() {
		root := tr.RootName()
		if !allowedVars[root] {
			return Formula{}, fmt.Errorf("parse %q: unknown variable %q", src, root)
		}
		f.dependent = true
	}
	// evaluate once with sample values so type errors surface at parse time
	if _, err := f.Eval(100, 50); err != nil {
		return Formula{}, err
	}
	return f, nil
}

// IsZero reports whether the formula is empty.
func (f Formula) IsZero() bool { return f.expr == nil }

// Dependent reports whether the formula references turbine geometry.
func (f Formula) Dependent() bool { return f.dependent }

// Eval computes the buffer in metres, rounded like every derived name.
func (f Formula) Eval(tipHeight, bladeRadius float64) (float64, error) {
	if f.expr == nil {
		return 0, nil
	}
	ctx := &hcl.EvalContext{Variables: map[string]cty.Value{
		"height_to_tip": cty.NumberFloatVal(tipHeight),
		"blade_radius":  cty.NumberFloatVal(bladeRadius),
	}}
	v, diags := f.expr.Value(ctx)
	if diags.HasErrors() {
		return 0, fmt.Errorf("evaluate %q: %s", f.Source, diags.Error())
	}
	if v.IsNull() || !v.IsKnown() || v.Type() != cty.Number {
		return 0, fmt.Errorf("evaluate %q: result is not a number", f.Source)
	}
	out, _ := v.AsBigFloat().Float64()
	if out < 0 {
		return 0, fmt.Errorf("evaluate %q: negative buffer %v", f.Source, out)
	}
	return strconv.ParseFloat(naming.FormatNumber(out), 64)
}
