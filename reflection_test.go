package ctrlstack

import (
	"context"
	"math"
	"reflect"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertStringToType(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		targetType reflect.Type
		wantValue  interface{}
		wantErr    bool
	}{
		// int variants
		{"string to int", "42", reflect.TypeOf(int(0)), int(42), false},
		{"string to int8", "127", reflect.TypeOf(int8(0)), int8(127), false},
		{"string to int16", "1000", reflect.TypeOf(int16(0)), int16(1000), false},
		{"string to int32", "100000", reflect.TypeOf(int32(0)), int32(100000), false},
		{"string to int64", "9999999", reflect.TypeOf(int64(0)), int64(9999999), false},
		// uint variants
		{"string to uint", "10", reflect.TypeOf(uint(0)), uint(10), false},
		{"string to uint8", "255", reflect.TypeOf(uint8(0)), uint8(255), false},
		{"string to uint64", "100000", reflect.TypeOf(uint64(0)), uint64(100000), false},
		// float variants
		{"string to float32", "2.5", reflect.TypeOf(float32(0)), float32(2.5), false},
		{"string to float64", "3.14", reflect.TypeOf(float64(0)), float64(3.14), false},
		// bool variants
		{"string to bool true", "true", reflect.TypeOf(false), true, false},
		{"string to bool 0", "0", reflect.TypeOf(false), false, false},
		// strings are never parsed
		{"string to string", `"quoted"`, reflect.TypeOf(""), `"quoted"`, false},
		// structured values are JSON text
		{"string to slice", "[1, 2]", reflect.TypeOf([]int{}), []int{1, 2}, false},
		{"string to map", `{"a": 1}`, reflect.TypeOf(map[string]int{}), map[string]int{"a": 1}, false},
		// error cases
		{"invalid string to int", "abc", reflect.TypeOf(int(0)), nil, true},
		{"overflow int8", "128", reflect.TypeOf(int8(0)), nil, true},
		{"invalid string to bool", "maybe", reflect.TypeOf(false), nil, true},
		{"negative string to uint", "-1", reflect.TypeOf(uint(0)), nil, true},
		{"invalid JSON slice", "[1,", reflect.TypeOf([]int{}), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertStringToType(tt.input, tt.targetType)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, got.Interface())
		})
	}
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestConvertValue(t *testing.T) {
	tests := []struct {
		name       string
		input      any
		targetType reflect.Type
		wantValue  any
		wantErr    bool
	}{
		{"float64 to int (JSON number)", float64(5), reflect.TypeOf(0), 5, false},
		{"int to int64", 7, reflect.TypeOf(int64(0)), int64(7), false},
		{"int to float64", 3, reflect.TypeOf(0.0), 3.0, false},
		{"string to int", "10", reflect.TypeOf(0), 10, false},
		{"nil to zero", nil, reflect.TypeOf(0), 0, false},
		{"int to *int", 4, reflect.TypeOf((*int)(nil)), ptr(4), false},
		{"generic map to struct", map[string]any{"x": float64(1), "y": float64(2)}, reflect.TypeOf(point{}), point{1, 2}, false},
		{"generic slice to []string", []any{"a", "b"}, reflect.TypeOf([]string{}), []string{"a", "b"}, false},
		{"non-integral float to int", 1.5, reflect.TypeOf(0), nil, true},
		{"negative float to uint", float64(-1), reflect.TypeOf(uint(0)), nil, true},
		{"int to string", 5, reflect.TypeOf(""), nil, true},
		{"bool to int", true, reflect.TypeOf(0), nil, true},
		{"float64 300 to int8", float64(300), reflect.TypeOf(int8(0)), nil, true},
		{"int 300 to int8", 300, reflect.TypeOf(int8(0)), nil, true},
		{"int -1 to uint", -1, reflect.TypeOf(uint(0)), nil, true},
		{"float64 1e20 to int", 1e20, reflect.TypeOf(0), nil, true},
		{"float64 1e20 to uint64", 1e20, reflect.TypeOf(uint64(0)), nil, true},
		{"uint64 max to int64", uint64(math.MaxUint64), reflect.TypeOf(int64(0)), nil, true},
		{"float64 1e300 to float32", 1e300, reflect.TypeOf(float32(0)), nil, true},
		{"float64 127 to int8", float64(127), reflect.TypeOf(int8(0)), int8(127), false},
		{"float64 -128 to int8", float64(-128), reflect.TypeOf(int8(0)), int8(-128), false},
		{"int 255 to uint8", 255, reflect.TypeOf(uint8(0)), uint8(255), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertValue(tt.input, tt.targetType)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, got.Interface())
		})
	}
}

func ptr[T any](v T) *T { return &v }

func scale(ctx context.Context, p point, factor int) (point, error) {
	return point{p.X * factor, p.Y * factor}, nil
}

func TestProject(t *testing.T) {
	sig, err := Project(scale, Param("p", "A point"), OptionalParam("factor", "Multiplier", 2))
	require.NoError(t, err)

	assert.True(t, sig.Context)
	assert.True(t, sig.ReturnsError)
	assert.False(t, sig.Async)
	assert.Nil(t, sig.Receiver)
	assert.Equal(t, reflect.TypeOf(point{}), sig.Returns)

	require.Len(t, sig.Params, 2, "context is not a parameter")
	assert.Equal(t, "p", sig.Params[0].Name)
	assert.Equal(t, "A point", sig.Params[0].Description)
	assert.False(t, sig.Params[0].HasDefault)
	assert.Equal(t, "factor", sig.Params[1].Name)
	assert.True(t, sig.Params[1].HasDefault)
	assert.Equal(t, 2, sig.Params[1].Default)

	res, err := sig.call(context.Background(), nil, []reflect.Value{
		reflect.ValueOf(point{1, 2}), reflect.ValueOf(3),
	})
	require.NoError(t, err)
	assert.Equal(t, point{3, 6}, res)
}

func TestProject_DefaultNames(t *testing.T) {
	sig, err := Project(func(a string, b bool) {})
	require.NoError(t, err)
	require.Len(t, sig.Params, 2)
	assert.Equal(t, "arg1", sig.Params[0].Name)
	assert.Equal(t, "arg2", sig.Params[1].Name)
	assert.Nil(t, sig.Returns)
	assert.False(t, sig.ReturnsError)
}

func TestProject_MethodValueAndExpression(t *testing.T) {
	c := &fooController{}

	bound, err := Project(c.Double)
	require.NoError(t, err)
	assert.Nil(t, bound.Receiver)

	expr, err := Project((*fooController).Double)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(c), expr.Receiver)

	// Both expose the same parameters.
	require.Len(t, expr.Params, len(bound.Params))
	assert.Equal(t, bound.Params[0].Type, expr.Params[0].Type)
}

func bazQuery(x int) string { return "baz " + strconv.Itoa(x) }

func TestProject_SameShapeAcrossForms(t *testing.T) {
	c := &fooController{}
	app := NewApp(Config{Name: "test"}, WithLogger(quietLogger()))
	require.NoError(t, app.RegisterQuery(bazQuery, WithArgs("x")))

	installed, ok := app.Controller().Registry().Lookup("baz_query")
	require.True(t, ok)

	value, err := Project(c.Baz, Param("x", ""))
	require.NoError(t, err)
	expr, err := Project((*fooController).Baz, Param("x", ""))
	require.NoError(t, err)

	for _, sig := range []Signature{value, expr, installed.Signature} {
		require.Len(t, sig.Params, 1)
		assert.Equal(t, "x", sig.Params[0].Name)
		assert.Equal(t, reflect.TypeOf(0), sig.Params[0].Type)
		assert.False(t, sig.Params[0].HasDefault)
		assert.Nil(t, sig.Params[0].Default)
		assert.Equal(t, reflect.TypeOf(""), sig.Returns)
	}
}

func TestProject_ContextMustComeFirst(t *testing.T) {
	_, err := Project(func(x int, ctx context.Context) {})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsScalar(t *testing.T) {
	assert.True(t, isScalar(reflect.TypeOf("")))
	assert.True(t, isScalar(reflect.TypeOf(0)))
	assert.True(t, isScalar(reflect.TypeOf(1.5)))
	assert.True(t, isScalar(reflect.TypeOf(true)))
	assert.True(t, isScalar(reflect.TypeOf((*int)(nil))))
	assert.False(t, isScalar(reflect.TypeOf([]int{})))
	assert.False(t, isScalar(reflect.TypeOf(map[string]int{})))
	assert.False(t, isScalar(reflect.TypeOf(point{})))
}

func TestGenerateJSONSchema(t *testing.T) {
	m := MustClassify(Query, "geo", scale, WithParams(Param("p", "A point"), OptionalParam("factor", "Multiplier", 2)))

	schema := GenerateJSONSchema(m)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"p"}, schema["required"])

	props := schema["properties"].(map[string]any)
	p := props["p"].(map[string]any)
	assert.Equal(t, "object", p["type"])
	assert.Equal(t, "A point", p["description"])
	assert.Equal(t, []string{"x", "y"}, p["required"])

	factor := props["factor"].(map[string]any)
	assert.Equal(t, "integer", factor["type"])
	assert.Equal(t, 2, factor["default"])
}

// Test helper functions for GenerateOutputJSONSchema
func singleReturnFunc(ctx context.Context, x int) (string, error) { return "", nil }
func structReturnFunc() point                                      { return point{} }
func noReturnFunc(ctx context.Context) error                       { return nil }

func TestGenerateOutputJSONSchema(t *testing.T) {
	t.Run("single return without description", func(t *testing.T) {
		m := MustClassify(Query, "g", singleReturnFunc)

		schema := GenerateOutputJSONSchema(m)
		require.NotNil(t, schema, "schema should not be nil for function with return value")
		assert.Equal(t, "string", schema["type"])
		assert.Nil(t, schema["description"], "description should not be set")
	})

	t.Run("single return with description", func(t *testing.T) {
		m := MustClassify(Query, "g", singleReturnFunc, WithReturns("test description"))

		schema := GenerateOutputJSONSchema(m)
		require.NotNil(t, schema)
		assert.Equal(t, "string", schema["type"])
		assert.Equal(t, "test description", schema["description"])
	})

	t.Run("struct return", func(t *testing.T) {
		m := MustClassify(Query, "g", structReturnFunc)

		schema := GenerateOutputJSONSchema(m)
		require.NotNil(t, schema)
		assert.Equal(t, "object", schema["type"])

		props, ok := schema["properties"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, props, "x")
		assert.Contains(t, props, "y")
	})

	t.Run("no return (error only)", func(t *testing.T) {
		m := MustClassify(Command, "g", noReturnFunc)

		schema := GenerateOutputJSONSchema(m)
		assert.Nil(t, schema, "schema should be nil for error-only function")
	})

	t.Run("async return", func(t *testing.T) {
		m := MustClassify(Query, "g", fetchItem)

		schema := GenerateOutputJSONSchema(m)
		require.NotNil(t, schema)
		assert.Equal(t, "string", schema["type"])
	})
}
