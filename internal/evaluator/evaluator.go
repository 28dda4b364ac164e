package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// Evaluator defines the interface for flag evaluation
type Evaluator interface {
	// Evaluate resolves a flag for a context using only local data
	Evaluate(ctx context.Context, flag domain.Flag, evalCtx domain.EvaluationContext) (*domain.EvaluationResult, error)
}

// LocalEvaluator evaluates segments, constraints and rollouts in process.
// It never performs I/O.
type LocalEvaluator struct {
	mu           sync.RWMutex
	programCache map[string]*vm.Program
}

// New creates a new local evaluator
func New() *LocalEvaluator {
	return &LocalEvaluator{
		programCache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a flag locally
func (e *LocalEvaluator) Evaluate(ctx context.Context, flag domain.Flag, evalCtx domain.EvaluationContext) (*domain.EvaluationResult, error) {
	result := &domain.EvaluationResult{
		FlagID:  flag.ID,
		FlagKey: flag.Key,
	}

	if !flag.Enabled {
		result.Reason = domain.Reason{Kind: domain.ReasonOff}
		return result, nil
	}

	for index, segment := range flag.SortedSegments() {
		matched, err := e.evaluateSegment(segment, evalCtx)
		if err != nil {
			return nil, domain.NewEvaluationError(flag.Key, "segment evaluation failed", err)
		}
		if !matched {
			continue
		}

		// A matched segment ends evaluation even when the context falls
		// outside its rollout.
		dist, inRollout := pickDistribution(segment, Bucket(flag.Key, evalCtx.Key))
		if !inRollout {
			result.SegmentID = segment.ID
			result.Reason = domain.Reason{Kind: domain.ReasonFallthrough, SegmentID: segment.ID}
			return result, nil
		}

		variant, found := flag.VariantByID(dist.VariantID)
		if !found {
			return nil, domain.NewEvaluationError(flag.Key, fmt.Sprintf("variant %d not found", dist.VariantID), nil)
		}

		result.SegmentID = segment.ID
		result.VariantID = variant.ID
		result.VariantKey = variant.Key
		result.VariantAttachment = variant.Attachment
		result.Reason = domain.Reason{
			Kind:      domain.ReasonRuleMatch,
			RuleIndex: index,
			SegmentID: segment.ID,
			InRollout: segment.RolloutPercent < 100,
		}
		return result, nil
	}

	result.Reason = domain.Reason{Kind: domain.ReasonFallthrough}
	return result, nil
}

// evaluateSegment checks if a segment's constraints match the context
func (e *LocalEvaluator) evaluateSegment(segment domain.Segment, evalCtx domain.EvaluationContext) (bool, error) {
	for _, constraint := range segment.Constraints {
		matched, err := e.evaluateConstraint(constraint, evalCtx)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

// evaluateConstraint evaluates a single constraint
func (e *LocalEvaluator) evaluateConstraint(constraint domain.Constraint, evalCtx domain.EvaluationContext) (bool, error) {
	propValue, exists := evalCtx.Value(constraint.Property)
	if !exists {
		return false, nil
	}

	switch constraint.Operator {
	case domain.OperatorEQ:
		return equals(propValue, constraint.Value), nil
	case domain.OperatorNEQ:
		return !equals(propValue, constraint.Value), nil
	case domain.OperatorIN:
		return in(propValue, constraint.Value), nil
	case domain.OperatorNOTIN:
		return !in(propValue, constraint.Value), nil
	case domain.OperatorCONTAINS:
		return strings.Contains(fmt.Sprint(propValue), fmt.Sprint(constraint.Value)), nil
	case domain.OperatorMATCHES:
		return e.matches(propValue, constraint.Value)
	case domain.OperatorLT:
		return compare(propValue, constraint.Value, func(a, b float64) bool { return a < b }), nil
	case domain.OperatorLTE:
		return compare(propValue, constraint.Value, func(a, b float64) bool { return a <= b }), nil
	case domain.OperatorGT:
		return compare(propValue, constraint.Value, func(a, b float64) bool { return a > b }), nil
	case domain.OperatorGTE:
		return compare(propValue, constraint.Value, func(a, b float64) bool { return a >= b }), nil
	default:
		return false, fmt.Errorf("unsupported operator: %s", constraint.Operator)
	}
}

func equals(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// in accepts a []any, a []string, a JSON array string or a comma
// separated list.
func in(value any, list any) bool {
	var items []any
	switch l := list.(type) {
	case []any:
		items = l
	case []string:
		for _, s := range l {
			items = append(items, s)
		}
	case string:
		if err := json.Unmarshal([]byte(l), &items); err != nil {
			for _, s := range strings.Split(l, ",") {
				items = append(items, strings.TrimSpace(s))
			}
		}
	default:
		return false
	}

	for _, item := range items {
		if equals(value, item) {
			return true
		}
	}
	return false
}

// matches runs a regex match through expr. Programs are compiled once per
// pattern.
func (e *LocalEvaluator) matches(value any, pattern any) (bool, error) {
	program, err := e.program(fmt.Sprint(pattern))
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, map[string]any{"value": fmt.Sprint(value)})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate regex: %w", err)
	}

	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("regex evaluation returned non-boolean: %T", out)
	}
	return matched, nil
}

func (e *LocalEvaluator) program(pattern string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programCache[pattern]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(
		"value matches "+strconv.Quote(pattern),
		expr.Env(map[string]any{"value": ""}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex expression: %w", err)
	}

	e.mu.Lock()
	e.programCache[pattern] = program
	e.mu.Unlock()
	return program, nil
}

func compare(a, b any, op func(a, b float64) bool) bool {
	aFloat, aOk := toFloat64(a)
	bFloat, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}
	return op(aFloat, bFloat)
}

// toFloat64 converts numeric values and numeric strings to float64
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
