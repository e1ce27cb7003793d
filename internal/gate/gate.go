// Package gate scores task artifacts and decides whether to accept, retry or degrade.
package gate

import (
	"fmt"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// Decision is the outcome of evaluating one attempt.
type Decision int

const (
	// Accept stores the artifact and completes the task.
	Accept Decision = iota
	// Retry re-dispatches the task within the same wave.
	Retry
	// Degrade fails the task and skips its pending descendants.
	Degrade
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Retry:
		return "retry"
	case Degrade:
		return "degrade"
	default:
		return "unknown"
	}
}

// Policy holds the acceptance threshold and retry budget for one task type.
type Policy struct {
	Threshold float64
	Budget    int
	// AcceptAlways accepts any artifact after a single attempt.
	AcceptAlways bool
}

// DefaultPolicies returns the built-in policy for every task type.
func DefaultPolicies() map[models.TaskType]Policy {
	return map[models.TaskType]Policy{
		models.TaskTypeRetrievalRAG:     {Threshold: 0.70, Budget: 2},
		models.TaskTypeRetrievalKeyword: {Threshold: 0.70, Budget: 2},
		models.TaskTypeRetrievalGraph:   {Threshold: 0.70, Budget: 2},
		models.TaskTypeSynthesis:        {Threshold: 0.80, Budget: 2},
		models.TaskTypeReportWrite:      {Threshold: 0.85, Budget: 1},
		models.TaskTypeReview:           {AcceptAlways: true},
	}
}

// Result is the evaluator's verdict on one attempt.
type Result struct {
	Score     float64
	Threshold float64
	Decision  Decision
	Reason    string
}

// Evaluator applies per-type policies and scorers. It holds no mutable state,
// so the same artifact and type always produce the same result.
type Evaluator struct {
	policies map[models.TaskType]Policy
	scorers  map[models.TaskType]Scorer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithThreshold overrides the threshold for a task type.
func WithThreshold(typ models.TaskType, threshold float64) Option {
	return func(e *Evaluator) {
		p := e.policies[typ]
		p.Threshold = threshold
		e.policies[typ] = p
	}
}

// WithBudget overrides the retry budget for a task type.
func WithBudget(typ models.TaskType, budget int) Option {
	return func(e *Evaluator) {
		if budget < 0 {
			budget = 0
		}
		p := e.policies[typ]
		p.Budget = budget
		e.policies[typ] = p
	}
}

// WithScorer replaces the scorer for a task type.
func WithScorer(typ models.TaskType, s Scorer) Option {
	return func(e *Evaluator) {
		if s != nil {
			e.scorers[typ] = s
		}
	}
}

// NewEvaluator creates an evaluator with default policies and scorers.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		policies: DefaultPolicies(),
		scorers:  make(map[models.TaskType]Scorer),
	}
	for _, typ := range models.AllTaskTypes {
		if typ.IsRetrieval() {
			e.scorers[typ] = RetrievalScorer(DefaultMinResults)
		} else {
			e.scorers[typ] = ReportedScorer
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the policy for a task type.
func (e *Evaluator) Policy(typ models.TaskType) (Policy, bool) {
	p, ok := e.policies[typ]
	return p, ok
}

// Budget returns the retry budget for a task type.
func (e *Evaluator) Budget(typ models.TaskType) int {
	return e.policies[typ].Budget
}

// Evaluate scores an artifact produced after retriesUsed retries.
func (e *Evaluator) Evaluate(typ models.TaskType, artifact *models.Artifact, retriesUsed int) Result {
	policy, ok := e.policies[typ]
	if !ok {
		return Result{Decision: Degrade, Reason: fmt.Sprintf("no quality policy for task type %q", typ)}
	}

	score := 0.0
	if artifact != nil {
		if scorer, ok := e.scorers[typ]; ok {
			score = clamp(scorer(artifact))
		}
	}

	res := Result{Score: score, Threshold: policy.Threshold}
	switch {
	case policy.AcceptAlways:
		res.Decision = Accept
		res.Reason = "single pass"
	case artifact == nil:
		res.Decision, res.Reason = e.onShortfall(policy, retriesUsed, "no artifact produced")
	case score >= policy.Threshold:
		res.Decision = Accept
		res.Reason = fmt.Sprintf("score %.2f meets threshold %.2f", score, policy.Threshold)
	default:
		res.Decision, res.Reason = e.onShortfall(policy, retriesUsed,
			fmt.Sprintf("score %.2f below threshold %.2f", score, policy.Threshold))
	}
	return res
}

// OnError decides what follows a failed attempt. Fatal errors degrade at once;
// retryable ones consume the same budget as a low score.
func (e *Evaluator) OnError(typ models.TaskType, retriesUsed int, retryable bool, err error) Result {
	policy, ok := e.policies[typ]
	if !ok || !retryable {
		return Result{Decision: Degrade, Reason: err.Error()}
	}
	decision, reason := e.onShortfall(policy, retriesUsed, err.Error())
	return Result{Decision: decision, Threshold: policy.Threshold, Reason: reason}
}

func (e *Evaluator) onShortfall(policy Policy, retriesUsed int, reason string) (Decision, string) {
	if retriesUsed < policy.Budget {
		return Retry, reason
	}
	return Degrade, fmt.Sprintf("%s (retry budget %d exhausted)", reason, policy.Budget)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
