package hierarchy

import (
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	objerrors "github.com/nooga/objcore/pkg/errors"
	"github.com/nooga/objcore/pkg/vm"
)

// ctyToValue converts a cty value to the Go value stored in a class
// dictionary. Integral numbers become int64, other numbers float64.
func ctyToValue(v cty.Value) (vm.Value, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		if v.AsBigFloat().IsInt() {
			var i int64
			if err := gocty.FromCtyValue(v, &i); err == nil {
				return i, nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, err
		}
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]vm.Value, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			nv, err := ctyToValue(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]vm.Value, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			nv, err := ctyToValue(ev)
			if err != nil {
				return nil, fmt.Errorf("in %q: %w", k.AsString(), err)
			}
			out[k.AsString()] = nv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value of type %s", ty.FriendlyName())
}

// decodeAttributes evaluates the attributes expression of a class block,
// keeping the order in which the keys were written.
func decodeAttributes(expr hcl.Expression) (map[string]vm.Value, []string, []error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, nil, diagErrors(diags)
	}
	if val.IsNull() {
		return nil, nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, nil, []error{&objerrors.DeclarationError{
			Position: position(expr.Range()),
			Msg:      "attributes must be an object, got " + val.Type().FriendlyName(),
		}}
	}

	attrs := make(map[string]vm.Value, val.LengthInt())
	var order []string
	var errs []error
	if pairs, diags := hcl.ExprMap(expr); !diags.HasErrors() {
		for _, p := range pairs {
			kv, kd := p.Key.Value(nil)
			vv, vd := p.Value.Value(nil)
			if kd.HasErrors() || vd.HasErrors() {
				errs = append(errs, diagErrors(append(kd, vd...))...)
				continue
			}
			if kv.Type() != cty.String {
				errs = append(errs, &objerrors.DeclarationError{Position: position(p.Key.Range()), Msg: "attribute names must be strings"})
				continue
			}
			name := kv.AsString()
			nv, err := ctyToValue(vv)
			if err != nil {
				errs = append(errs, &objerrors.DeclarationError{Position: position(p.Value.Range()), Msg: fmt.Sprintf("attribute %q: %v", name, err)})
				continue
			}
			if _, dup := attrs[name]; !dup {
				order = append(order, name)
			}
			attrs[name] = nv
		}
		return attrs, order, errs
	}

	// not a literal object; fall back to the evaluated value in key order
	for it := val.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		nv, err := ctyToValue(ev)
		if err != nil {
			errs = append(errs, &objerrors.DeclarationError{Position: position(expr.Range()), Msg: fmt.Sprintf("attribute %q: %v", k.AsString(), err)})
			continue
		}
		attrs[k.AsString()] = nv
		order = append(order, k.AsString())
	}
	slices.Sort(order)
	return attrs, order, errs
}

// decodeBases reads the bases list of a class block. A missing list means
// the root class.
func decodeBases(expr hcl.Expression) ([]string, []error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diagErrors(diags)
	}
	if val.IsNull() {
		return []string{rootName}, nil
	}
	var bases []string
	if diags := gohcl.DecodeExpression(expr, nil, &bases); diags.HasErrors() {
		return nil, diagErrors(diags)
	}
	if len(bases) == 0 {
		bases = []string{rootName}
	}
	return bases, nil
}
