package domain

import (
	"context"
	"time"
)

// OperationKind is the closed set of operation categories the orchestrator
// knows how to route. Anything else classifies as OpUnknown.
type OperationKind int

const (
	OpUnknown OperationKind = iota
	OpStatusList
	OpEcho
	OpFormatNormalize
	OpTemplateRender
	OpSummarize
	OpCodeReview
	OpTaskPlan
)

var operationNames = map[OperationKind]string{
	OpUnknown:         "unknown",
	OpStatusList:      "status.list",
	OpEcho:            "echo",
	OpFormatNormalize: "format.normalize",
	OpTemplateRender:  "template.render",
	OpSummarize:       "text.summarize",
	OpCodeReview:      "code.review",
	OpTaskPlan:        "task.plan",
}

// String returns the wire name of the operation kind.
func (k OperationKind) String() string {
	if n, ok := operationNames[k]; ok {
		return n
	}
	return "unknown"
}

// KnownOperations lists every classified kind, excluding OpUnknown.
func KnownOperations() []OperationKind {
	return []OperationKind{
		OpStatusList, OpEcho, OpFormatNormalize, OpTemplateRender,
		OpSummarize, OpCodeReview, OpTaskPlan,
	}
}

// ParseOperation classifies an operation name. Unrecognised names yield OpUnknown.
func ParseOperation(name string) OperationKind {
	for k, n := range operationNames {
		if n == name && k != OpUnknown {
			return k
		}
	}
	return OpUnknown
}

// Destination is where a routing rule sends an operation.
type Destination string

const (
	DestLocal  Destination = "local"
	DestRemote Destination = "remote"
	// DestAuto lets estimated cost decide between local and remote.
	DestAuto Destination = "auto"
)

// RoutingRule maps an operation kind to a destination and cache TTL.
type RoutingRule struct {
	Kind        OperationKind
	Destination Destination
	TTL         time.Duration
	// Timeout bounds remote dispatch; zero means the orchestrator default.
	Timeout time.Duration
}

// RoutePath records which path produced a result.
type RoutePath string

const (
	PathCache  RoutePath = "cache"
	PathLocal  RoutePath = "local"
	PathRemote RoutePath = "remote"
)

// OperationRequest is a single request to the orchestrator.
type OperationRequest struct {
	Operation string            `json:"operation"`
	Input     string            `json:"input"`
	Params    map[string]string `json:"params,omitempty"`
}

// OperationResult is the orchestrator's answer plus routing metadata.
type OperationResult struct {
	Operation       string        `json:"operation"`
	Kind            string        `json:"kind"`
	Output          string        `json:"output"`
	Path            RoutePath     `json:"path"`
	EstimatedTokens int           `json:"estimated_tokens"`
	Complexity      float64       `json:"complexity"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Duration        time.Duration `json:"duration"`
}

// TokenUsageRecord aggregates routing cost per operation over a rolling window.
type TokenUsageRecord struct {
	Operation       string    `json:"operation"`
	Calls           int64     `json:"calls"`
	CacheHits       int64     `json:"cache_hits"`
	LocalCalls      int64     `json:"local_calls"`
	RemoteCalls     int64     `json:"remote_calls"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	WindowStart     time.Time `json:"window_start"`
	LastUpdated     time.Time `json:"last_updated"`
}

// UsageSample is one accounted execution, as persisted by a UsageStore.
type UsageSample struct {
	Operation string
	Path      RoutePath
	Tokens    int
	At        time.Time
}

// UsageStore persists usage samples beyond the process lifetime.
type UsageStore interface {
	Record(ctx context.Context, s UsageSample) error
	Summarize(ctx context.Context, since time.Time) ([]TokenUsageRecord, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Envelope types carried in direct-message content between the orchestrator
// and a remote reasoning agent.
const (
	EnvelopeOperation       = "operation"
	EnvelopeOperationResult = "operation_result"
)

// OperationEnvelope is the message content exchanged with a remote agent. A
// reply echoes the request's CorrelationID and carries Output or Error.
type OperationEnvelope struct {
	Type          string            `json:"type"`
	CorrelationID string            `json:"correlation_id"`
	Operation     string            `json:"operation,omitempty"`
	Input         string            `json:"input,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	Output        string            `json:"output,omitempty"`
	Error         string            `json:"error,omitempty"`
}
