// Package escalation implements the loop-control decision functions consulted
// by refinement loops: continue iterating or stop because quality is good
// enough (or has stopped improving).
package escalation

import (
	"fmt"
	"math"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// checkerStageID attributes the iteration-counter write for diagnostics.
const checkerStageID = "escalation-checker"

// GradeChecker stops a loop when the evaluation record written by the prior
// iteration carries a passing grade, or when the tracked score sequence has
// plateaued. The grade record is typically the consolidated multi-reviewer
// feedback, so quorum policy is already applied by the time it is read here.
type GradeChecker struct {
	// GradeKey is the state key holding the evaluation record: either a bare
	// grade string or a map with an "overall_grade" entry.
	GradeKey string
	// PassGrade is the grade that stops the loop. Defaults to "pass".
	PassGrade string
	// ScoreHistoryKey optionally names a state key holding the []float64
	// score sequence used for plateau detection.
	ScoreHistoryKey string
	// ImprovementThreshold enables plateau detection when > 0: if the last
	// two tracked scores differ by less than this, the loop stops even though
	// the literal grade is still failing.
	ImprovementThreshold float64
	// IterationKey optionally names a counter key incremented exactly once
	// per Decide call.
	IterationKey string
}

// Decide implements pipeline.Checker.
func (c *GradeChecker) Decide(state *pipeline.State) (pipeline.Decision, string, error) {
	if c.IterationKey != "" {
		n := 0
		if v, ok := state.Get(c.IterationKey); ok {
			if prev, ok := v.(int); ok {
				n = prev
			}
		}
		state.Set(c.IterationKey, n+1, checkerStageID)
	}

	v, ok := state.Get(c.GradeKey)
	if !ok {
		return pipeline.DecisionContinue, fmt.Sprintf("no evaluation recorded under %q yet", c.GradeKey), nil
	}

	grade, err := gradeOf(v)
	if err != nil {
		return pipeline.DecisionContinue, "", fmt.Errorf("evaluation record under %q: %w", c.GradeKey, err)
	}

	pass := c.PassGrade
	if pass == "" {
		pass = "pass"
	}
	if grade == pass {
		return pipeline.DecisionStop, fmt.Sprintf("grade %q meets the passing grade", grade), nil
	}

	if c.ImprovementThreshold > 0 && c.ScoreHistoryKey != "" {
		if scores := scoreHistory(state, c.ScoreHistoryKey); len(scores) >= 2 {
			last, prev := scores[len(scores)-1], scores[len(scores)-2]
			if math.Abs(last-prev) < c.ImprovementThreshold {
				return pipeline.DecisionStop,
					fmt.Sprintf("score plateaued at %.1f (improvement %.2f below threshold %.2f)",
						last, math.Abs(last-prev), c.ImprovementThreshold),
					nil
			}
		}
	}

	return pipeline.DecisionContinue, fmt.Sprintf("grade %q below passing grade %q", grade, pass), nil
}

// gradeOf extracts the grade label from the supported record shapes.
func gradeOf(v interface{}) (string, error) {
	switch record := v.(type) {
	case string:
		return record, nil
	case map[string]interface{}:
		if g, ok := record["overall_grade"].(string); ok {
			return g, nil
		}
		if g, ok := record["grade"].(string); ok {
			return g, nil
		}
		return "", fmt.Errorf("record has no overall_grade or grade field")
	default:
		return "", fmt.Errorf("unsupported record type %T", v)
	}
}

// scoreHistory reads the tracked score sequence, tolerating the numeric
// shapes that survive a JSON round trip.
func scoreHistory(state *pipeline.State, key string) []float64 {
	v, ok := state.Get(key)
	if !ok {
		return nil
	}
	switch seq := v.(type) {
	case []float64:
		return seq
	case []interface{}:
		out := make([]float64, 0, len(seq))
		for _, e := range seq {
			switch n := e.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			}
		}
		return out
	default:
		return nil
	}
}

// Func adapts a plain decision function to pipeline.Checker, for fixed
// policies and tests.
type Func func(state *pipeline.State) (pipeline.Decision, string, error)

// Decide implements pipeline.Checker.
func (f Func) Decide(state *pipeline.State) (pipeline.Decision, string, error) {
	return f(state)
}
