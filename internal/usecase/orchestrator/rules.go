package orchestrator

import (
	"fmt"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
)

// defaultRules is the built-in TTL tier table. Volatile, cheap operations get
// short TTLs; stable, expensive ones get minutes.
var defaultRules = map[domain.OperationKind]domain.RoutingRule{
	domain.OpStatusList:      {Kind: domain.OpStatusList, Destination: domain.DestLocal, TTL: 15 * time.Second},
	domain.OpEcho:            {Kind: domain.OpEcho, Destination: domain.DestLocal, TTL: 30 * time.Second},
	domain.OpFormatNormalize: {Kind: domain.OpFormatNormalize, Destination: domain.DestLocal, TTL: 2 * time.Minute},
	domain.OpTemplateRender:  {Kind: domain.OpTemplateRender, Destination: domain.DestAuto, TTL: 10 * time.Minute},
	domain.OpSummarize:       {Kind: domain.OpSummarize, Destination: domain.DestAuto, TTL: 2 * time.Minute},
	domain.OpCodeReview:      {Kind: domain.OpCodeReview, Destination: domain.DestRemote, TTL: 5 * time.Minute},
	domain.OpTaskPlan:        {Kind: domain.OpTaskPlan, Destination: domain.DestRemote, TTL: 5 * time.Minute},
}

// RuleTable maps operation kinds to routing rules. It is built once at
// startup and read-only afterwards.
type RuleTable struct {
	rules      map[domain.OperationKind]domain.RoutingRule
	defaultTTL time.Duration
}

// NewRuleTable builds the table from the built-in tiers, then applies
// overrides in order (later entries win).
func NewRuleTable(defaultTTL time.Duration, overrides ...[]config.RoutingRuleConfig) (*RuleTable, error) {
	rt := &RuleTable{
		rules:      make(map[domain.OperationKind]domain.RoutingRule, len(defaultRules)),
		defaultTTL: defaultTTL,
	}
	for k, r := range defaultRules {
		rt.rules[k] = r
	}
	for _, set := range overrides {
		for _, o := range set {
			kind := domain.ParseOperation(o.Operation)
			if kind == domain.OpUnknown {
				return nil, fmt.Errorf("routing rule: %w: operation %q", domain.ErrInvalidInput, o.Operation)
			}
			r := rt.rules[kind]
			r.Kind = kind
			if o.Destination != "" {
				r.Destination = domain.Destination(o.Destination)
			}
			if o.TTL > 0 {
				r.TTL = o.TTL
			}
			if o.Timeout > 0 {
				r.Timeout = o.Timeout
			}
			rt.rules[kind] = r
		}
	}
	return rt, nil
}

// Lookup returns the rule for kind. Unknown operations route remote with
// the short default TTL.
func (rt *RuleTable) Lookup(kind domain.OperationKind) domain.RoutingRule {
	if r, ok := rt.rules[kind]; ok {
		return r
	}
	return domain.RoutingRule{Kind: domain.OpUnknown, Destination: domain.DestRemote, TTL: rt.defaultTTL}
}

// Rules returns a copy of every configured rule ordered by kind.
func (rt *RuleTable) Rules() []domain.RoutingRule {
	out := make([]domain.RoutingRule, 0, len(rt.rules))
	for _, k := range domain.KnownOperations() {
		if r, ok := rt.rules[k]; ok {
			out = append(out, r)
		}
	}
	return out
}
