package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter(t *testing.T) {
	t.Run("matches CRLF output against LF golden", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserterWithInterface(rt).Assert("a,b\r\n1,2\r\n", "a,b\n1,2\n")
		assert.True(t, ok)
		assert.Empty(t, rt.errors)
	})

	t.Run("reports a unified diff on mismatch", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewTextAsserterWithInterface(rt).Assert("a,b\n1,3", "a,b\n1,2")
		assert.False(t, ok)
		if assert.Len(t, rt.errors, 1) {
			assert.Contains(t, rt.errors[0], "-1,2")
			assert.Contains(t, rt.errors[0], "+1,3")
		}
	})

	t.Run("ignores empty lines and trailing blanks when asked", func(t *testing.T) {
		rt := &recordingT{}
		ta := NewTextAsserterWithInterface(rt).WithOptions(
			WithIgnoreEmptyLines(true),
			WithIgnoreTrailingWhitespace(true),
		)
		assert.True(t, ta.Assert("x  \n\ny", "x\ny"))
	})

	t.Run("colors make whitespace visible", func(t *testing.T) {
		d := NewTextAsserterWithInterface(&recordingT{}).
			WithOptions(WithEnableColors(true)).
			Diff("a b", "a\tb")
		assert.True(t, strings.Contains(d, "a·b"), "additions MUST show spaces")
		assert.True(t, strings.Contains(d, "a→b"), "deletions MUST show tabs")
	})
}

func TestJSONAsserter(t *testing.T) {
	t.Run("ignores extra keys by default", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewJSONAsserterWithInterface(rt).Assert(`{"a":1,"b":2}`, `{"a":1}`)
		assert.True(t, ok)
		assert.Empty(t, rt.errors)
	})

	t.Run("extra keys fail when disabled", func(t *testing.T) {
		rt := &recordingT{}
		ok := NewJSONAsserterWithInterface(rt).
			WithOptions(WithIgnoreExtraKeys(false)).
			Assert(`{"a":1,"b":2}`, `{"a":1}`)
		assert.False(t, ok)
	})

	t.Run("presence placeholder accepts any value", func(t *testing.T) {
		ja := NewJSONAsserterWithInterface(&recordingT{})
		assert.True(t, ja.Assert(`{"id":"8f1c","records":3}`, `{"id":"<<PRESENCE>>","records":3}`))
	})

	t.Run("root arrays compare with optional order", func(t *testing.T) {
		ja := NewJSONAsserterWithInterface(&recordingT{})
		assert.False(t, ja.Assert(`[{"a":2},{"a":1}]`, `[{"a":1},{"a":2}]`))
		assert.True(t, ja.WithOptions(WithIgnoreArrayOrder(true)).Assert(`[{"a":2},{"a":1}]`, `[{"a":1},{"a":2}]`))
	})

	t.Run("ignored fields are dropped at any depth", func(t *testing.T) {
		ja := NewJSONAsserterWithInterface(&recordingT{}).
			WithOptions(WithIgnoreExtraKeys(false), WithIgnoredFields("t"))
		assert.True(t, ja.Assert(`{"event":"emg","data":{"t":12.5,"n":1}}`, `{"event":"emg","data":{"t":0,"n":1}}`))
	})

	t.Run("value helper marshals", func(t *testing.T) {
		ja := NewJSONAsserterWithInterface(&recordingT{})
		assert.True(t, ja.AssertValue(map[string]int{"records": 2}, `{"records":2}`))
	})
}
