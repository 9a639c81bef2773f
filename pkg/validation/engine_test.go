package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateStringOperators(t *testing.T) {
	fc := FieldConstraint{Field: "name", Kind: KindString, Ops: Ops{
		Prefix: "Mr.", Contains: "oo", NotContains: "xyz",
		In: []string{"Mr. Moo", "Mr. Boo"},
	}}
	var result Result
	validateString(fc, "Mr. Moo", true, &result)
	require.True(t, result.OK())

	result = Result{}
	validateString(fc, "Ms. Zap", true, &result)
	require.False(t, result.OK())
	require.Len(t, result.Violations, 3) // prefix, contains, in — not_contains still passes
}

func TestIsZeroRecognizesFieldZeroValues(t *testing.T) {
	require.True(t, isZero(float64(0), true))
	require.True(t, isZero("", true))
	require.True(t, isZero(nil, false))
	require.False(t, isZero(float64(1), true))
}

func TestValidateRepeatedUniqueDetectsDuplicates(t *testing.T) {
	fc := FieldConstraint{Field: "tags", Kind: KindRepeated, Ops: Ops{Unique: true}}
	var result Result
	validateRepeated(fc, []any{"a", "b", "a"}, true, &result)
	require.False(t, result.OK())
	require.Equal(t, "unique", result.Violations[0].Rule)
}

func TestValidateEnumRejectsValueNotInAllowedSet(t *testing.T) {
	fc := FieldConstraint{Field: "status", Kind: KindEnum, Ops: Ops{EnumIn: []int32{1, 2}}}
	var result Result
	validateEnum(fc, float64(3), true, &result)
	require.False(t, result.OK())
}

func TestCELEngineUndefinedIdentifierFailsAsViolation(t *testing.T) {
	var result Result
	evalCELRule("this.missing_field == 1", "", "", map[string]any{"this": map[string]any{}}, &result)
	require.False(t, result.OK())
}

func TestCELEngineHonoursTrueExpression(t *testing.T) {
	var result Result
	env := map[string]any{"this": map[string]any{"age": float64(42)}}
	evalCELRule(`this.age >= 18`, "must be an adult", "age", env, &result)
	require.True(t, result.OK())
}

func TestCELEngineCachesCompiledProgram(t *testing.T) {
	e := newCELEngine()
	env := map[string]any{"x": float64(1)}
	p1, err := e.compile("x > 0", env)
	require.NoError(t, err)
	p2, err := e.compile("x > 0", env)
	require.NoError(t, err)
	require.Same(t, p1, p2)
}
