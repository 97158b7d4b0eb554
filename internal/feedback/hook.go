package feedback

import (
	"context"
	"fmt"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// ConsolidationHook merges the reviewer records found under ReviewKeys into
// one consolidated record under OutputKey, and appends the average score to
// the history sequence the plateau checker tracks. It is attached to the leaf
// that runs right after the parallel review fan-out joins.
type ConsolidationHook struct {
	ReviewKeys []string
	OutputKey  string
	// ScoreHistoryKey is an accumulator the hook self-initializes; loops may
	// legitimately do so per the state contract.
	ScoreHistoryKey string
	Options         Options
}

// AfterOutput implements pipeline.PostHook.
func (h *ConsolidationHook) AfterOutput(ctx context.Context, stageID string, state *pipeline.State, result pipeline.Result) error {
	reviews := make([]Review, 0, len(h.ReviewKeys))
	for _, key := range h.ReviewKeys {
		v, err := state.Require(key)
		if err != nil {
			return err
		}
		review, err := reviewFromValue(v)
		if err != nil {
			return fmt.Errorf("review under %q: %w", key, err)
		}
		reviews = append(reviews, review)
	}

	consolidated, err := Consolidate(reviews, h.Options)
	if err != nil {
		return err
	}

	state.Set(h.OutputKey, map[string]interface{}{
		"overall_grade":       string(consolidated.OverallGrade),
		"average_score":       consolidated.AverageScore,
		"consensus_issues":    consolidated.ConsensusIssues,
		"priority_revisions":  consolidated.PriorityRevisions,
		"unanimous_approvals": consolidated.UnanimousApprovals,
		"conflicts":           consolidated.Conflicts,
	}, stageID)

	if h.ScoreHistoryKey != "" {
		var history []float64
		if v, ok := state.Get(h.ScoreHistoryKey); ok {
			if prior, ok := v.([]float64); ok {
				history = prior
			}
		}
		state.Set(h.ScoreHistoryKey, append(history, consolidated.AverageScore), stageID)
	}
	return nil
}

// reviewFromValue accepts the shapes a review arrives in: the native struct
// from an in-process capability, or the generic map a JSON transport yields.
func reviewFromValue(v interface{}) (Review, error) {
	switch r := v.(type) {
	case Review:
		return r, nil
	case *Review:
		return *r, nil
	case map[string]interface{}:
		review := Review{
			ReviewerID:    stringField(r, "reviewer_id"),
			Grade:         Grade(stringField(r, "grade")),
			Issues:        stringSlice(r["issues"]),
			Suggestions:   stringSlice(r["suggestions"]),
			Commendations: stringSlice(r["commendations"]),
		}
		switch n := r["numeric_score"].(type) {
		case float64:
			review.Score = n
		case int:
			review.Score = float64(n)
		}
		return review, nil
	default:
		return Review{}, fmt.Errorf("unsupported review type %T", v)
	}
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
