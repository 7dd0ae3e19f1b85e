package attr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want Kind
	}{
		{"string", String("a"), KindString},
		{"int", Int(1), KindInt},
		{"bool", Bool(true), KindBool},
		{"null", Null{}, KindNull},
		{"nil", nil, KindNull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.v))
		})
	}
}

func TestCompare_AcrossKinds(t *testing.T) {
	ordered := []Value{Null{}, Bool(false), Bool(true), Int(-3), Int(7), String("a"), String("b")}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, Compare(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Equal(t, 1, Compare(ordered[i+1], ordered[i]), "%v > %v", ordered[i+1], ordered[i])
	}
	assert.Equal(t, 0, Compare(Int(4), Int(4)))
}

func TestObject_GetMissingIsNull(t *testing.T) {
	obj := Object{"task": String("buy milk")}
	assert.Equal(t, String("buy milk"), obj.Get("task"))
	assert.Equal(t, Null{}, obj.Get("position"))
}

func TestObject_EqualTreatsNullAsAbsent(t *testing.T) {
	a := Object{"task": String("x"), "note": Null{}}
	b := Object{"task": String("x")}
	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))

	c := Object{"task": String("y")}
	assert.False(t, a.Equal(c))
}

func TestObject_MergeDoesNotMutate(t *testing.T) {
	base := Object{"task": String("x"), "position": Int(0)}
	merged := base.Merge(Object{"position": Int(3)})

	assert.Equal(t, Int(0), base["position"])
	assert.Equal(t, Int(3), merged["position"])
	assert.Equal(t, String("x"), merged["task"])
}

func TestObject_SortedKeys_UTF16Order(t *testing.T) {
	// U+1F600 (surrogate pair D83D DE00) sorts before U+FF5E in UTF-16
	// but after it in UTF-8.
	obj := Object{"\uff5e": Int(1), "\U0001F600": Int(2), "a": Int(3)}
	assert.Equal(t, []string{"a", "\U0001F600", "\uff5e"}, obj.SortedKeys())
}

func TestFromGo(t *testing.T) {
	v, err := FromGo(42)
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)

	v, err = FromGo(float64(3))
	require.NoError(t, err)
	assert.Equal(t, Int(3), v)

	_, err = FromGo(3.5)
	assert.Error(t, err)

	v, err = FromGo(nil)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)

	_, err = FromGo([]int{1})
	assert.Error(t, err)
}

func TestObjectFromMap(t *testing.T) {
	obj, err := ObjectFromMap(map[string]any{"task": "buy milk", "position": 0, "done": false})
	require.NoError(t, err)
	assert.Equal(t, Object{"task": String("buy milk"), "position": Int(0), "done": Bool(false)}, obj)

	_, err = ObjectFromMap(map[string]any{"weight": 1.25})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight")
}

func TestToGo(t *testing.T) {
	assert.Equal(t, "x", ToGo(String("x")))
	assert.Equal(t, int64(2), ToGo(Int(2)))
	assert.Equal(t, true, ToGo(Bool(true)))
	assert.Nil(t, ToGo(Null{}))
}
