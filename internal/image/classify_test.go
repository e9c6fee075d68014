package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifierDefault(t *testing.T) {
	c, err := NewClassifier("")
	require.NoError(t, err)
	assert.Equal(t, DefaultClassifierExpr, c.Expression())

	assert.True(t, c.Interesting("/usr/bin/target", 0x400000, 0x4fffff, 0))
	assert.False(t, c.Interesting("/lib/libc.so.6", 0x7f0000000000, 0x7f0000ffffff, 1))
}

func TestClassifierByName(t *testing.T) {
	c, err := NewClassifier(`name matches "libtarget"`)
	require.NoError(t, err)

	assert.True(t, c.Interesting("/opt/lib/libtarget.so", 0x7f0000000000, 0x7f0000ffffff, 3))
	assert.False(t, c.Interesting("/lib/libc.so.6", 0x7f0001000000, 0x7f0001ffffff, 4))
}

func TestClassifierCombined(t *testing.T) {
	c, err := NewClassifier(`index == 0 or name endsWith "harness.so"`)
	require.NoError(t, err)

	assert.True(t, c.Interesting("/usr/bin/target", 0x400000, 0x4fffff, 0))
	assert.True(t, c.Interesting("/opt/harness.so", 0x7f0000000000, 0x7f0000ffffff, 2))
	assert.False(t, c.Interesting("/lib/ld-linux-x86-64.so.2", 0x7f0002000000, 0x7f0002ffffff, 1))
}

func TestClassifierCompileError(t *testing.T) {
	_, err := NewClassifier("index ==")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling image classifier")
}

func TestClassifierNonBooleanExpression(t *testing.T) {
	_, err := NewClassifier("index + 1")
	require.Error(t, err)
}
