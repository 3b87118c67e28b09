// Package policy decides, from configurable govaluate rules, whether a failed
// payment operation may be retried by the caller.
package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
)

// Failure kind names as seen by rule expressions.
const (
	KindGateway = "gateway"
)

// PolicyDecision represents the outcome of a policy evaluation.
type PolicyDecision struct {
	AllowRetry bool // Whether the caller may retry the failed operation
	// RetryAfterSeconds is a hint for the caller, 0 means no hint.
	RetryAfterSeconds int
}

// PolicyRule is a govaluate expression with the decision it yields when true.
type PolicyRule struct {
	ID         string
	Expression string
	Priority   int // Lower runs first; ties keep declaration order
	Decision   PolicyDecision
}

// FailureContext is the input to rule evaluation.
type FailureContext struct {
	Kind      string
	Operation string
	Backend   string
	Attempt   int
}

func (f FailureContext) parameters() map[string]interface{} {
	return map[string]interface{}{
		"kind":      f.Kind,
		"operation": f.Operation,
		"backend":   f.Backend,
		"attempt":   float64(f.Attempt),
	}
}

type compiledRule struct {
	rule PolicyRule
	expr *govaluate.EvaluableExpression
}

// PaymentPolicyEnforcer evaluates retry rules.
type PaymentPolicyEnforcer struct {
	rules []compiledRule
}

// DefaultRules retries gateway failures for the first two attempts.
func DefaultRules() []PolicyRule {
	return []PolicyRule{
		{
			ID:         "retry_transient_gateway",
			Expression: "kind == 'gateway' && attempt < 3",
			Priority:   100,
			Decision:   PolicyDecision{AllowRetry: true, RetryAfterSeconds: 1},
		},
		{
			ID:         "stop_after_attempts",
			Expression: "kind == 'gateway'",
			Priority:   200,
			Decision:   PolicyDecision{AllowRetry: false},
		},
	}
}

// NewPaymentPolicyEnforcer compiles rules. A nil or empty slice yields an
// enforcer that always returns the default decision.
func NewPaymentPolicyEnforcer(rules []PolicyRule) (*PaymentPolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", rule.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", rule.ID, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	return &PaymentPolicyEnforcer{rules: compiled}, nil
}

// Evaluate returns the decision of the first matching rule. With no match,
// only gateway failures are retryable. Whatever the rules say, failures of
// any other kind are never retryable.
func (ppe *PaymentPolicyEnforcer) Evaluate(f FailureContext) (PolicyDecision, error) {
	decision := PolicyDecision{AllowRetry: f.Kind == KindGateway}

	params := f.parameters()
	for _, cr := range ppe.rules {
		result, err := cr.expr.Evaluate(params)
		if err != nil {
			return PolicyDecision{}, fmt.Errorf("failed to evaluate rule ID '%s': %w", cr.rule.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return PolicyDecision{}, fmt.Errorf("rule ID '%s' did not evaluate to a boolean", cr.rule.ID)
		}
		if matched {
			decision = cr.rule.Decision
			break
		}
	}

	if f.Kind != KindGateway {
		decision.AllowRetry = false
	}
	return decision, nil
}
