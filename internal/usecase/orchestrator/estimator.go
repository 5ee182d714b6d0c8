package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates the token cost of an input.
type Estimator interface {
	Name() string
	Estimate(text string) int
}

// HeuristicEstimator assumes roughly four characters per token.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Name() string { return "heuristic" }

func (HeuristicEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenEstimator counts BPE tokens with a tiktoken encoding.
type TiktokenEstimator struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// NewTiktokenEstimator loads the named encoding (e.g. "cl100k_base").
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc, encoding: encoding}, nil
}

func (t *TiktokenEstimator) Name() string { return "tiktoken:" + t.encoding }

func (t *TiktokenEstimator) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewEstimator picks an estimator by config name. A tiktoken encoding that
// cannot be loaded (for instance offline, with no cached BPE file) degrades
// to the heuristic with a warning.
func NewEstimator(name, encoding string, logger *slog.Logger) Estimator {
	if name != "tiktoken" {
		return HeuristicEstimator{}
	}
	est, err := NewTiktokenEstimator(encoding)
	if err != nil {
		logger.Warn("tiktoken unavailable, using heuristic estimator", "error", err)
		return HeuristicEstimator{}
	}
	return est
}

// Complexity scores the structural complexity of text in [0, 1], from line
// count, bracket nesting depth and the density of code-like symbols.
func Complexity(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	lines := strings.Count(text, "\n") + 1
	depth, maxDepth, symbols, total := 0, 0, 0, 0
	for _, r := range text {
		total++
		switch r {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			symbols++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
			symbols++
		case ';', '=', '<', '>', '|', '&':
			symbols++
		}
	}

	lineScore := clamp01(float64(lines) / 50)
	nestScore := clamp01(float64(maxDepth) / 8)
	symbolScore := clamp01(float64(symbols) / float64(total) * 5)
	return 0.4*lineScore + 0.4*nestScore + 0.2*symbolScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
