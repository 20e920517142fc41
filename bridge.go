package scripthost

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"

	v8 "github.com/tommie/v8go"
)

// NativeFunc is a host function exposed to script, either inside an
// imported namespace or as a bound global. Arguments arrive converted
// to Go values; a returned error is raised into the script as an
// exception and surfaces to the evaluate caller as the underlying
// cause of the EvaluationError.
type NativeFunc func(args []any) (any, error)

// jsValue converts a Go value into the script-native representation.
// Primitives map directly; *v8.Value arguments pass through unchanged,
// since the caller already produced a script-ready value; composite
// values round-trip through JSON with the engine's own parser doing the
// object construction.
func jsValue(ec *execContext, value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Null(ec.iso), nil
	case *v8.Value:
		return v, nil
	case *v8.Function:
		return v.Value, nil
	case string, int32, uint32, int64, uint64, bool, float64, *big.Int:
		return v8.NewValue(ec.iso, v)
	case int:
		return v8.NewValue(ec.iso, int32(v))
	case int8:
		return v8.NewValue(ec.iso, int32(v))
	case int16:
		return v8.NewValue(ec.iso, int32(v))
	case uint8:
		return v8.NewValue(ec.iso, uint32(v))
	case uint16:
		return v8.NewValue(ec.iso, uint32(v))
	case uint:
		return v8.NewValue(ec.iso, uint32(v))
	case float32:
		return v8.NewValue(ec.iso, float64(v))
	case error:
		return v8.NewValue(ec.iso, v.Error())
	default:
		return jsValueJSON(ec, v)
	}
}

// jsValues converts an argument list, stopping at the first value the
// wrapping policy cannot express.
func jsValues(ec *execContext, values []any) ([]v8.Valuer, error) {
	out := make([]v8.Valuer, 0, len(values))
	for i, value := range values {
		jv, err := jsValue(ec, value)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, jv)
	}
	return out, nil
}

func jsValueJSON(ec *execContext, value any) (*v8.Value, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("converting %T to script value: %w", value, err)
	}
	script := "JSON.parse(" + strconv.Quote(string(data)) + ")"
	jv, err := ec.ctx.RunScript(script, "bind.json.js")
	if err != nil {
		return nil, fmt.Errorf("parsing script value for %T: %w", value, err)
	}
	return jv, nil
}

// goValue converts a script value back into a Go value. Integral
// numbers come back as int64, other numbers as float64, objects and
// arrays as the json package's generic forms. Functions come back as
// *v8.Function, adopted by the context that created them so the
// callback bridge can route a later invocation home.
func goValue(ec *execContext, value *v8.Value) (any, error) {
	switch {
	case value == nil, value.IsNull(), value.IsUndefined():
		return nil, nil
	case value.IsBoolean():
		return value.Boolean(), nil
	case value.IsString():
		return value.String(), nil
	case value.IsNumber():
		f := value.Number()
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < math.MaxInt64 {
			return int64(f), nil
		}
		return f, nil
	case value.IsFunction():
		fn, err := value.AsFunction()
		if err != nil {
			return nil, err
		}
		ec.adopt(fn)
		return fn, nil
	default:
		return goValueJSON(ec, value)
	}
}

// goValueJSON extracts a composite value by stringifying it inside the
// engine, the same temp-global trick the rest of the host uses for
// structured data crossing the boundary.
func goValueJSON(ec *execContext, value *v8.Value) (any, error) {
	if err := ec.ctx.Global().Set("__tmp_result", value); err != nil {
		return nil, fmt.Errorf("staging result value: %w", err)
	}
	out, err := ec.ctx.RunScript(`(function() {
		var v = globalThis.__tmp_result;
		delete globalThis.__tmp_result;
		return JSON.stringify(v);
	})()`, "result.json.js")
	if err != nil {
		return nil, fmt.Errorf("stringifying result value: %w", err)
	}
	if out.IsNull() || out.IsUndefined() {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(out.String()), &decoded); err != nil {
		return nil, fmt.Errorf("decoding result value: %w", err)
	}
	return decoded, nil
}

// goValues converts a script argument list into Go values.
func goValues(ec *execContext, values []*v8.Value) ([]any, error) {
	out := make([]any, 0, len(values))
	for i, value := range values {
		gv, err := goValue(ec, value)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, gv)
	}
	return out, nil
}

// newJSObject creates a new empty object in the context, adopted so a
// method invocation on it can be routed home.
func newJSObject(ec *execContext) (*v8.Object, error) {
	tmpl := v8.NewObjectTemplate(ec.iso)
	obj, err := tmpl.NewInstance(ec.ctx)
	if err != nil {
		return nil, err
	}
	ec.adopt(obj)
	return obj, nil
}

// throwHostError records a host-level failure on the context and raises
// it into the running script. The record lets the error normalizer
// carry the original failure instead of its script-side wrapping.
func throwHostError(ec *execContext, err error) *v8.Value {
	ec.setHostErr(err)
	msg, verr := v8.NewValue(ec.iso, err.Error())
	if verr != nil {
		msg = v8.Undefined(ec.iso)
	}
	return ec.iso.ThrowException(msg)
}

// nativeFunction wraps a NativeFunc as an engine function value.
func nativeFunction(ec *execContext, fn NativeFunc) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(ec.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		goArgs, err := goValues(ec, info.Args())
		if err != nil {
			return throwHostError(ec, err)
		}
		res, err := fn(goArgs)
		if err != nil {
			return throwHostError(ec, err)
		}
		if res == nil {
			return v8.Undefined(ec.iso)
		}
		jv, err := jsValue(ec, res)
		if err != nil {
			return throwHostError(ec, err)
		}
		return jv
	})
}
