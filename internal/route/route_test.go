package route

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mailmind/internal/model"
)

func registry(names ...string) []model.ModelInfo {
	infos := make([]model.ModelInfo, 0, len(names))
	for _, n := range names {
		infos = append(infos, model.ModelInfo{Name: n, Active: true})
	}
	return infos
}

func TestResolveLongestMatchWins(t *testing.T) {
	reg := registry("gemini-2.5-flash", "gemini-2.5-flash-preview-05-20", "gemini-2.0-flash")

	res := Resolve("reasoning question gemini-2.5-flash-preview-05-20", "gemini-2.0-flash", reg)
	require.Equal(t, "gemini-2.5-flash-preview-05-20", res.Model)
	require.True(t, res.Reasoning)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	reg := registry("gemini-2.0-flash", "gemini-2.5-flash")

	res := Resolve("Question", "gemini-2.0-flash", reg)
	require.Equal(t, "gemini-2.0-flash", res.Model)
	require.False(t, res.Reasoning)
}

func TestResolveNormalizesSeparators(t *testing.T) {
	reg := registry("gemini-2.0-flash")

	for _, subject := range []string{
		"hello,gemini-2.0-flash",
		"hello;GEMINI-2.0-FLASH",
		"hello/gemini-2.0-flash/more",
		"hello_gemini-2.0-flash",
	} {
		res := Resolve(subject, "other", reg)
		require.Equal(t, "gemini-2.0-flash", res.Model, "subject %q", subject)
	}
}

func TestResolveEqualLengthTieBreakIsLexicographic(t *testing.T) {
	// Both names occur and have equal length; the lexicographically
	// smaller one must win regardless of registry order.
	subject := "model-bb and model-aa please"

	res := Resolve(subject, "fallback", registry("model-bb", "model-aa"))
	require.Equal(t, "model-aa", res.Model)

	res = Resolve(subject, "fallback", registry("model-aa", "model-bb"))
	require.Equal(t, "model-aa", res.Model)
}

func TestReasoningRequiresWordBoundary(t *testing.T) {
	reg := registry("gemini-2.0-flash")

	require.True(t, Resolve("reasoning please", "d", reg).Reasoning)
	require.True(t, Resolve("a,reasoning;b", "d", reg).Reasoning)
	require.False(t, Resolve("unreasoning request", "d", reg).Reasoning)
	require.False(t, Resolve("reasoningless", "d", reg).Reasoning)
}

func TestResolveEmptyRegistry(t *testing.T) {
	res := Resolve("anything", "default-model", nil)
	require.Equal(t, "default-model", res.Model)
}
