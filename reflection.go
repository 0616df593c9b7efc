package ctrlstack

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

var (
	contextType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
	controllerType  = reflect.TypeOf((*Controller)(nil)).Elem()
	resultValueType = reflect.TypeOf((*resultValue)(nil)).Elem()
)

// Parameter is one externally visible parameter of a method.
type Parameter struct {
	Name        string
	Description string
	Type        reflect.Type
	HasDefault  bool
	Default     any
}

// Signature is the projected calling convention of a registered function.
// Receiver and context parameters are recorded but never appear in Params.
type Signature struct {
	Params            []Parameter
	Returns           reflect.Type
	ReturnDescription string
	ReturnsError      bool
	Async             bool
	Context           bool
	Receiver          reflect.Type

	fn reflect.Value
}

// Project inspects fn and returns its projected signature.
//
// Accepted shapes:
//
//	func([recv], [context.Context], params...) ([T], [error])
//	func([recv], [context.Context], params...) <-chan Result[T]
//
// A leading parameter implementing Controller is treated as the receiver and
// stripped. defs name the remaining parameters in order; unnamed parameters
// default to arg1..argN.
func Project(fn any, defs ...ParamDef) (Signature, error) {
	val := reflect.ValueOf(fn)
	if !val.IsValid() || val.Kind() != reflect.Func {
		return Signature{}, newError(CodeValidation, "project", "expected a function, got %T", fn)
	}
	if val.IsNil() {
		return Signature{}, newError(CodeValidation, "project", "function is nil")
	}
	typ := val.Type()
	if typ.IsVariadic() {
		return Signature{}, newError(CodeValidation, "project", "variadic functions are not supported")
	}

	sig := Signature{fn: val}
	i := 0
	if i < typ.NumIn() && typ.In(i).Implements(controllerType) {
		sig.Receiver = typ.In(i)
		i++
	}
	if i < typ.NumIn() && typ.In(i) == contextType {
		sig.Context = true
		i++
	}
	for ; i < typ.NumIn(); i++ {
		t := typ.In(i)
		switch {
		case t == contextType:
			return Signature{}, newError(CodeValidation, "project", "context.Context must come before other parameters")
		case t.Kind() == reflect.Func, t.Kind() == reflect.Chan, t.Kind() == reflect.UnsafePointer:
			return Signature{}, newError(CodeValidation, "project", "parameter %d has unsupported type %s", len(sig.Params)+1, t)
		}
		sig.Params = append(sig.Params, Parameter{
			Name: fmt.Sprintf("arg%d", len(sig.Params)+1),
			Type: t,
		})
	}

	if err := applyParamDefs(sig.Params, defs); err != nil {
		return Signature{}, err
	}

	outs := typ.NumOut()
	if outs > 0 && typ.Out(outs-1) == errorType {
		sig.ReturnsError = true
		outs--
	}
	if outs > 1 {
		return Signature{}, newError(CodeValidation, "project", "functions may return at most one value besides error")
	}
	if outs == 1 {
		out := typ.Out(0)
		if out.Kind() == reflect.Chan && out.ChanDir()&reflect.RecvDir != 0 && out.Elem().Implements(resultValueType) {
			if sig.ReturnsError {
				return Signature{}, newError(CodeValidation, "project", "asynchronous functions report errors through Result")
			}
			sig.Async = true
			sig.Returns = out.Elem().Field(0).Type
		} else {
			sig.Returns = out
		}
	}
	return sig, nil
}

func applyParamDefs(params []Parameter, defs []ParamDef) error {
	if len(defs) > len(params) {
		return newError(CodeValidation, "project", "%d parameter definitions given for %d parameters", len(defs), len(params))
	}
	seen := make(map[string]bool, len(params))
	for i := range params {
		if i < len(defs) {
			d := defs[i]
			if strings.TrimSpace(d.Name) == "" {
				return newError(CodeValidation, "project", "parameter %d has an empty name", i+1)
			}
			params[i].Name = d.Name
			params[i].Description = d.Desc
			if d.hasDefault {
				v, err := convertValue(d.defaultValue, params[i].Type)
				if err != nil {
					return wrapError(CodeValidation, "project", err, "default for %q", d.Name)
				}
				params[i].HasDefault = true
				params[i].Default = v.Interface()
			}
		}
		if seen[params[i].Name] {
			return newError(CodeValidation, "project", "duplicate parameter name %q", params[i].Name)
		}
		seen[params[i].Name] = true
	}
	return nil
}

// call invokes the underlying function and awaits asynchronous results.
func (s *Signature) call(ctx context.Context, self Controller, args []reflect.Value) (any, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	if s.Receiver != nil {
		if self == nil {
			return nil, newError(CodeInternal, "call", "method requires a controller receiver")
		}
		rv := reflect.ValueOf(self)
		if !rv.Type().AssignableTo(s.Receiver) {
			return nil, newError(CodeInternal, "call", "controller %s is not assignable to receiver %s", rv.Type(), s.Receiver)
		}
		in = append(in, rv)
	}
	if s.Context {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, args...)

	out := s.fn.Call(in)

	if s.Async {
		return await(ctx, out[0])
	}
	if s.ReturnsError {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	if s.Returns == nil {
		return nil, nil
	}
	return out[0].Interface(), nil
}

// await blocks until ch yields a Result or ctx is done. Cancellation stops
// waiting only; the producing goroutine is left to finish on its own.
func await(ctx context.Context, ch reflect.Value) (any, error) {
	if ch.IsNil() {
		return nil, newError(CodeInternal, "await", "asynchronous method returned a nil channel")
	}
	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: ch},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
	}
	chosen, recv, ok := reflect.Select(cases)
	if chosen == 1 {
		return nil, ctx.Err()
	}
	if !ok {
		return nil, newError(CodeInternal, "await", "result channel closed without a value")
	}
	return recv.Interface().(resultValue).unwrap()
}

// bindPositional converts positional arguments to the declared parameter types.
func bindPositional(params []Parameter, args []any) ([]reflect.Value, error) {
	if len(args) > len(params) {
		return nil, newError(CodeInvalidArgument, "bind", "got %d arguments, want at most %d", len(args), len(params))
	}
	values := make([]reflect.Value, len(params))
	for i, p := range params {
		if i < len(args) {
			v, err := convertValue(args[i], p.Type)
			if err != nil {
				return nil, wrapError(CodeInvalidArgument, "bind", err, "argument %q", p.Name)
			}
			values[i] = v
			continue
		}
		v, err := defaultFor(p)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// bindNamed converts a name -> value map to the declared parameter types.
// Missing parameters take their default; missing required ones are an error.
func bindNamed(params []Parameter, args map[string]any) ([]reflect.Value, error) {
	values := make([]reflect.Value, len(params))
	for i, p := range params {
		raw, ok := args[p.Name]
		if !ok {
			v, err := defaultFor(p)
			if err != nil {
				return nil, err
			}
			values[i] = v
			continue
		}
		v, err := convertValue(raw, p.Type)
		if err != nil {
			return nil, wrapError(CodeInvalidArgument, "bind", err, "argument %q", p.Name)
		}
		values[i] = v
	}
	return values, nil
}

func defaultFor(p Parameter) (reflect.Value, error) {
	if !p.HasDefault {
		return reflect.Value{}, newError(CodeInvalidArgument, "bind", "missing required argument %q", p.Name)
	}
	if p.Default == nil {
		return reflect.Zero(p.Type), nil
	}
	return reflect.ValueOf(p.Default), nil
}

// isScalar reports whether t travels as a single query-string value rather than
// as a structured JSON field. Strings are always scalar.
func isScalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Pointer:
		return isScalar(t.Elem())
	default:
		return false
	}
}

func isIntKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUintKind(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// convertValue converts a decoded value (Go value, JSON-decoded any, or text)
// to targetType.
func convertValue(val any, targetType reflect.Type) (reflect.Value, error) {
	if val == nil {
		return reflect.Zero(targetType), nil
	}
	rv := reflect.ValueOf(val)
	if rv.Type().AssignableTo(targetType) {
		out := reflect.New(targetType).Elem()
		out.Set(rv)
		return out, nil
	}

	if targetType.Kind() == reflect.Pointer && rv.Kind() != reflect.Pointer {
		inner, err := convertValue(val, targetType.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(targetType.Elem())
		p.Elem().Set(inner)
		return p, nil
	}

	if rv.Kind() == reflect.String {
		return convertStringToType(rv.String(), targetType)
	}

	src, dst := rv.Kind(), targetType.Kind()
	switch {
	case dst == reflect.String:
		return reflect.Value{}, fmt.Errorf("cannot convert %v to %v", rv.Type(), targetType)
	case isNumericKind(src) && isNumericKind(dst):
		return convertNumber(rv, targetType)
	case src == reflect.Bool && dst == reflect.Bool:
		return rv.Convert(targetType), nil
	case !isScalar(targetType):
		// Maps, slices and structs decoded generically: round-trip through JSON.
		b, err := json.Marshal(val)
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(targetType)
		if err := json.Unmarshal(b, p.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("cannot convert %v to %v: %w", rv.Type(), targetType, err)
		}
		return p.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %v to %v", rv.Type(), targetType)
}

func isNumericKind(k reflect.Kind) bool {
	return isIntKind(k) || isUintKind(k) || isFloatKind(k)
}

// convertNumber converts between numeric kinds, rejecting values that do not
// fit targetType instead of wrapping them. Floats (JSON numbers decode as
// float64) must be integral to become integers.
func convertNumber(rv reflect.Value, targetType reflect.Type) (reflect.Value, error) {
	out := reflect.New(targetType).Elem()
	src := rv.Kind()
	overflow := func() (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf("value %v overflows %v", rv.Interface(), targetType)
	}

	switch dst := targetType.Kind(); {
	case isIntKind(dst):
		var n int64
		switch {
		case isIntKind(src):
			n = rv.Int()
		case isUintKind(src):
			if rv.Uint() > math.MaxInt64 {
				return overflow()
			}
			n = int64(rv.Uint())
		default:
			f := rv.Float()
			if f != math.Trunc(f) {
				return reflect.Value{}, fmt.Errorf("cannot convert non-integral %v to %v", f, targetType)
			}
			if f < -0x1p63 || f >= 0x1p63 {
				return overflow()
			}
			n = int64(f)
		}
		if out.OverflowInt(n) {
			return overflow()
		}
		out.SetInt(n)
	case isUintKind(dst):
		var u uint64
		switch {
		case isUintKind(src):
			u = rv.Uint()
		case isIntKind(src):
			if rv.Int() < 0 {
				return reflect.Value{}, fmt.Errorf("cannot convert negative %v to %v", rv.Int(), targetType)
			}
			u = uint64(rv.Int())
		default:
			f := rv.Float()
			if f != math.Trunc(f) {
				return reflect.Value{}, fmt.Errorf("cannot convert non-integral %v to %v", f, targetType)
			}
			if f < 0 {
				return reflect.Value{}, fmt.Errorf("cannot convert negative %v to %v", f, targetType)
			}
			if f >= 0x1p64 {
				return overflow()
			}
			u = uint64(f)
		}
		if out.OverflowUint(u) {
			return overflow()
		}
		out.SetUint(u)
	default:
		var f float64
		switch {
		case isIntKind(src):
			f = float64(rv.Int())
		case isUintKind(src):
			f = float64(rv.Uint())
		default:
			f = rv.Float()
		}
		if out.OverflowFloat(f) {
			return overflow()
		}
		out.SetFloat(f)
	}
	return out, nil
}

// convertStringToType parses text (a query parameter, CLI argument or JSON
// string) into targetType. Non-scalar targets are parsed as JSON.
func convertStringToType(s string, targetType reflect.Type) (reflect.Value, error) {
	out := reflect.New(targetType).Elem()
	switch k := targetType.Kind(); {
	case k == reflect.String:
		out.SetString(s)
	case isIntKind(k):
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, targetType.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("cannot parse %q as %v: %w", s, targetType, err)
		}
		out.SetInt(n)
	case isUintKind(k):
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, targetType.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("cannot parse %q as %v: %w", s, targetType, err)
		}
		out.SetUint(n)
	case isFloatKind(k):
		f, err := strconv.ParseFloat(strings.TrimSpace(s), targetType.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("cannot parse %q as %v: %w", s, targetType, err)
		}
		out.SetFloat(f)
	case k == reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return reflect.Value{}, fmt.Errorf("cannot parse %q as %v: %w", s, targetType, err)
		}
		out.SetBool(b)
	case k == reflect.Pointer:
		inner, err := convertStringToType(s, targetType.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(targetType.Elem())
		p.Elem().Set(inner)
		return p, nil
	default:
		p := reflect.New(targetType)
		if err := json.Unmarshal([]byte(s), p.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("cannot parse %q as %v: %w", s, targetType, err)
		}
		return p.Elem(), nil
	}
	return out, nil
}

// GenerateJSONSchema generates a JSON Schema object describing a method's parameters.
func GenerateJSONSchema(m *Method) map[string]any {
	properties := make(map[string]any)
	required := []string{}

	for _, p := range m.Signature.Params {
		schema := typeToSchema(p.Type, 0)
		if p.Description != "" {
			schema["description"] = p.Description
		}
		if p.HasDefault {
			schema["default"] = p.Default
		} else {
			required = append(required, p.Name)
		}
		properties[p.Name] = schema
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// GenerateOutputJSONSchema describes a method's return value, or nil when it
// returns nothing.
func GenerateOutputJSONSchema(m *Method) map[string]any {
	if m.Signature.Returns == nil {
		return nil
	}
	schema := typeToSchema(m.Signature.Returns, 0)
	if m.Signature.ReturnDescription != "" {
		schema["description"] = m.Signature.ReturnDescription
	}
	return schema
}

const maxSchemaDepth = 8

// typeToSchema converts a Go reflect.Type to a JSON Schema definition.
func typeToSchema(t reflect.Type, depth int) map[string]any {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Pointer:
		return typeToSchema(t.Elem(), depth)
	case reflect.Slice, reflect.Array:
		return map[string]any{
			"type":  "array",
			"items": typeToSchema(t.Elem(), depth+1),
		}
	case reflect.Map:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": typeToSchema(t.Elem(), depth+1),
		}
	case reflect.Struct:
		if depth >= maxSchemaDepth {
			return map[string]any{"type": "object"}
		}
		props := make(map[string]any)
		required := []string{}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitempty, skip := jsonFieldName(f)
			if skip {
				continue
			}
			props[name] = typeToSchema(f.Type, depth+1)
			if !omitempty && f.Type.Kind() != reflect.Pointer {
				required = append(required, name)
			}
		}
		return map[string]any{"type": "object", "properties": props, "required": required}
	default:
		return map[string]any{} // any value
	}
}

func jsonFieldName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, strings.Contains(opts, "omitempty"), false
}
