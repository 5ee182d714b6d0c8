package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"agentbridge/internal/domain"
)

// LocalHandler executes an operation deterministically in-process.
type LocalHandler func(ctx context.Context, req domain.OperationRequest) (string, error)

// StatusFunc supplies the current hub snapshot to the status.list handler.
type StatusFunc func() domain.StatusSnapshot

// DefaultHandlers returns the built-in deterministic handlers. status may be
// nil when the orchestrator runs outside the hub process; status.list then
// has no local handler.
func DefaultHandlers(status StatusFunc) map[domain.OperationKind]LocalHandler {
	h := map[domain.OperationKind]LocalHandler{
		domain.OpEcho:            echoHandler,
		domain.OpFormatNormalize: normalizeHandler,
		domain.OpTemplateRender:  templateHandler,
		domain.OpSummarize:       summarizeHandler,
	}
	if status != nil {
		h[domain.OpStatusList] = statusListHandler(status)
	}
	return h
}

func echoHandler(_ context.Context, req domain.OperationRequest) (string, error) {
	return req.Input, nil
}

func statusListHandler(status StatusFunc) LocalHandler {
	return func(_ context.Context, _ domain.OperationRequest) (string, error) {
		snap := status()
		data, err := json.Marshal(snap.Connections)
		if err != nil {
			return "", fmt.Errorf("encode connections: %w", err)
		}
		return string(data), nil
	}
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// normalizeHandler unifies line endings, strips trailing whitespace per line,
// squeezes runs of blank lines and optionally changes case (params["case"]).
func normalizeHandler(_ context.Context, req domain.OperationRequest) (string, error) {
	s := strings.ReplaceAll(req.Input, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(strings.ReplaceAll(l, "\t", "    "), " ")
	}
	s = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	s = strings.Trim(s, "\n")

	switch req.Params["case"] {
	case "", "keep":
	case "lower":
		s = strings.ToLower(s)
	case "upper":
		s = strings.ToUpper(s)
	default:
		return "", fmt.Errorf("format.normalize: %w: case %q", domain.ErrInvalidInput, req.Params["case"])
	}
	if s == "" {
		return "", nil
	}
	return s + "\n", nil
}

// templateHandler renders the input as a text/template with params as data.
// Missing keys are an error rather than "<no value>".
func templateHandler(_ context.Context, req domain.OperationRequest) (string, error) {
	tmpl, err := template.New("op").Option("missingkey=error").Parse(req.Input)
	if err != nil {
		return "", fmt.Errorf("template.render: %w: %v", domain.ErrInvalidInput, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, req.Params); err != nil {
		return "", fmt.Errorf("template.render: %w: %v", domain.ErrInvalidInput, err)
	}
	return b.String(), nil
}

var sentenceEnd = regexp.MustCompile(`[.!?](\s+|$)`)

// summarizeHandler is an extractive summary: the first N sentences
// (params["sentences"], default 2) with whitespace collapsed.
func summarizeHandler(_ context.Context, req domain.OperationRequest) (string, error) {
	n := 2
	if v, ok := req.Params["sentences"]; ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return "", fmt.Errorf("text.summarize: %w: sentences %q", domain.ErrInvalidInput, v)
		}
		n = parsed
	}

	text := strings.Join(strings.Fields(req.Input), " ")
	if text == "" {
		return "", nil
	}
	ends := sentenceEnd.FindAllStringIndex(text, n)
	if len(ends) < n {
		return text, nil
	}
	return strings.TrimSpace(text[:ends[n-1][1]]), nil
}
