package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator()

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.CountTokens("hello world this is a test")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Less(t, n, 26, "ASCII text estimates near len/4")

	ascii, _ := e.CountTokens("abcdefgh")
	cjk, _ := e.CountTokens("你好世界测试文本")
	assert.Greater(t, cjk, ascii, "CJK text uses more tokens per rune")
}

func TestRegistry_GetAndFallback(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register("cl100k_base", NewEstimator())

	got, err := Get("cl100k_base")
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Prefix match.
	got, err = Get("cl100k_base_v2")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = Get("unknown")
	assert.Error(t, err)

	fallback := GetOrEstimator("unknown")
	assert.Equal(t, "estimator", fallback.Name())
}
