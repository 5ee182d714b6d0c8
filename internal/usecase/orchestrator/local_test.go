package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/domain"
)

func TestNormalizeHandler(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		params map[string]string
		want   string
	}{
		{"crlf and trailing space", "a  \r\nb\t\r\n", nil, "a\nb\n"},
		{"blank runs squeezed", "a\n\n\n\n\nb", nil, "a\n\nb\n"},
		{"tabs expanded", "\tx", nil, "    x\n"},
		{"lower", "HeLLo", map[string]string{"case": "lower"}, "hello\n"},
		{"upper", "HeLLo", map[string]string{"case": "upper"}, "HELLO\n"},
		{"empty", "  \n\n", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeHandler(context.Background(), domain.OperationRequest{Input: tt.input, Params: tt.params})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateHandler(t *testing.T) {
	got, err := templateHandler(context.Background(), domain.OperationRequest{
		Input:  "Hello {{.name}}, you have {{.count}} messages",
		Params: map[string]string{"name": "ada", "count": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello ada, you have 3 messages", got)
}

func TestTemplateHandlerMissingKey(t *testing.T) {
	_, err := templateHandler(context.Background(), domain.OperationRequest{Input: "{{.missing}}"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTemplateHandlerParseError(t *testing.T) {
	_, err := templateHandler(context.Background(), domain.OperationRequest{Input: "{{"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSummarizeHandler(t *testing.T) {
	in := "First sentence here.   Second one!\nThird? Fourth."
	got, err := summarizeHandler(context.Background(), domain.OperationRequest{Input: in})
	require.NoError(t, err)
	assert.Equal(t, "First sentence here. Second one!", got)

	got, err = summarizeHandler(context.Background(), domain.OperationRequest{Input: in, Params: map[string]string{"sentences": "3"}})
	require.NoError(t, err)
	assert.Equal(t, "First sentence here. Second one! Third?", got)

	got, err = summarizeHandler(context.Background(), domain.OperationRequest{Input: "no terminator"})
	require.NoError(t, err)
	assert.Equal(t, "no terminator", got)

	_, err = summarizeHandler(context.Background(), domain.OperationRequest{Input: in, Params: map[string]string{"sentences": "0"}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDefaultHandlersWithoutStatus(t *testing.T) {
	h := DefaultHandlers(nil)
	_, ok := h[domain.OpStatusList]
	assert.False(t, ok)
	_, ok = h[domain.OpEcho]
	assert.True(t, ok)
}

func TestHeuristicEstimator(t *testing.T) {
	var e HeuristicEstimator
	assert.Equal(t, 0, e.Estimate(""))
	assert.Equal(t, 1, e.Estimate("abc"))
	assert.Equal(t, 25, e.Estimate(strings.Repeat("x", 100)))
	assert.Equal(t, 1, e.Estimate("héé"), "counts runes, not bytes")
}

func TestNewEstimatorDefaultsToHeuristic(t *testing.T) {
	assert.Equal(t, "heuristic", NewEstimator("heuristic", "", discardLogger()).Name())
	assert.Equal(t, "heuristic", NewEstimator("", "", discardLogger()).Name())
}

func TestComplexity(t *testing.T) {
	assert.Zero(t, Complexity("   "))
	plain := Complexity("just a short sentence")
	code := Complexity(strings.Repeat("if (a[i] > b) { c = d; }\n", 30))
	assert.Less(t, plain, 0.1)
	assert.Greater(t, code, plain)
	assert.LessOrEqual(t, code, 1.0)
}
