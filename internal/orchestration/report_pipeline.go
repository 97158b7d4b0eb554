package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/escalation"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/feedback"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/sources"
)

// State keys the report pipeline wires its stages together with. The draft
// and its evaluation record stay under fixed keys so the refinement loop's
// checker and the refine stage always read the current iteration's values.
const (
	KeyPlan             = "plan"
	KeyDraft            = "draft"
	KeySources          = "sources"
	KeyConsolidated     = "consolidated_feedback"
	KeyReviewScores     = "review_scores"
	KeyRevisionRound    = "revision_round"
	KeyReport           = "report"
	KeyCitationWarnings = "citation_warnings"
	KeyApproval         = "approval"
	KeyCollectedReviews = "collected_reviews"

	// FinalReportCheckpoint is the checkpoint type of the human-approval gate
	// that ends a report run.
	FinalReportCheckpoint = "final_report"
)

// ReportPipelineConfig parameterizes one report run. Zero values get the
// defaults documented on each field.
type ReportPipelineConfig struct {
	SessionID uuid.UUID
	// Topic is the report subject, passed to the planning and drafting tasks.
	Topic string
	// ResearchQueries drive the parallel research fan-out, one search leaf
	// per query. Defaults to a single query on Topic.
	ResearchQueries []string
	// ReviewerPersonas name the parallel review leaves. Defaults to
	// accuracy, clarity and completeness reviewers.
	ReviewerPersonas []string
	// MaxRevisions bounds the refinement loop. Defaults to 3.
	MaxRevisions int
	// ImprovementThreshold enables plateau detection in the loop checker
	// when > 0: the loop stops early once consecutive average review scores
	// differ by less than this.
	ImprovementThreshold float64
	// Consolidation configures the multi-reviewer merge. Zero value gets the
	// feedback package defaults (majority quorum, pass threshold 70).
	Consolidation feedback.Options
}

func (cfg *ReportPipelineConfig) applyDefaults() error {
	if cfg.Topic == "" {
		return fmt.Errorf("report pipeline requires a topic")
	}
	if cfg.SessionID == uuid.Nil {
		return fmt.Errorf("report pipeline requires a session id")
	}
	if len(cfg.ResearchQueries) == 0 {
		cfg.ResearchQueries = []string{cfg.Topic}
	}
	if len(cfg.ReviewerPersonas) == 0 {
		cfg.ReviewerPersonas = []string{"accuracy", "clarity", "completeness"}
	}
	if cfg.MaxRevisions == 0 {
		cfg.MaxRevisions = 3
	}
	return nil
}

// BuildReportPipeline assembles the standard report tree:
//
//	plan -> parallel research -> draft -> refinement loop -> finalize -> approval
//
// where each refinement iteration refines the draft, fans out the reviewer
// personas in parallel, and consolidates their records into the evaluation
// the loop checker reads. The returned Manager is the run's source table,
// shared by the research recording hooks and the citation resolution pass.
func BuildReportPipeline(cfg ReportPipelineConfig, agent pipeline.Capability, search pipeline.Capability, approvals *ApprovalGateway) (*pipeline.Stage, *sources.Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, nil, err
	}
	if agent == nil || search == nil || approvals == nil {
		return nil, nil, fmt.Errorf("report pipeline requires agent, search and approval collaborators")
	}

	manager := sources.NewManager()

	plan := pipeline.NewLeaf("plan", agent, KeyPlan)
	plan.Config = map[string]interface{}{"task": "plan", "topic": cfg.Topic}

	research := make([]*pipeline.Stage, 0, len(cfg.ResearchQueries))
	for i, query := range cfg.ResearchQueries {
		leaf := pipeline.NewLeaf(fmt.Sprintf("research-%d", i+1), search, fmt.Sprintf("research_%d", i+1))
		leaf.Config = map[string]interface{}{"query": query}
		leaf.PostHooks = []pipeline.PostHook{&sources.RecordingHook{Manager: manager}}
		research = append(research, leaf)
	}

	draft := pipeline.NewLeaf("draft", agent, KeyDraft)
	draft.Config = map[string]interface{}{
		"task":         "draft",
		"topic":        cfg.Topic,
		"plan_key":     KeyPlan,
		"source_count": len(cfg.ResearchQueries),
	}
	// The draft hook carries no grounding of its own; it publishes the table
	// the research siblings filled in.
	draft.PostHooks = []pipeline.PostHook{&sources.RecordingHook{Manager: manager, TableKey: KeySources}}

	refine := pipeline.NewLeaf("refine", agent, KeyDraft)
	refine.Config = map[string]interface{}{
		"task":         "refine",
		"draft_key":    KeyDraft,
		"feedback_key": KeyConsolidated,
	}

	reviews := make([]*pipeline.Stage, 0, len(cfg.ReviewerPersonas))
	reviewKeys := make([]string, 0, len(cfg.ReviewerPersonas))
	for i, persona := range cfg.ReviewerPersonas {
		key := fmt.Sprintf("review_%d", i+1)
		leaf := pipeline.NewLeaf(fmt.Sprintf("review-%s", persona), agent, key)
		leaf.Config = map[string]interface{}{
			"task":      "review",
			"persona":   persona,
			"draft_key": KeyDraft,
		}
		reviews = append(reviews, leaf)
		reviewKeys = append(reviewKeys, key)
	}

	consolidate := pipeline.NewLeaf("consolidate", collectReviews(reviewKeys), KeyCollectedReviews)
	consolidate.PostHooks = []pipeline.PostHook{&feedback.ConsolidationHook{
		ReviewKeys:      reviewKeys,
		OutputKey:       KeyConsolidated,
		ScoreHistoryKey: KeyReviewScores,
		Options:         cfg.Consolidation,
	}}

	checker := &escalation.GradeChecker{
		GradeKey:             KeyConsolidated,
		ScoreHistoryKey:      KeyReviewScores,
		ImprovementThreshold: cfg.ImprovementThreshold,
		IterationKey:         KeyRevisionRound,
	}
	refinement := pipeline.NewLoop("refinement",
		pipeline.NewSequential("refinement-body",
			refine,
			pipeline.NewParallel("review-panel", reviews...),
			consolidate,
		),
		cfg.MaxRevisions,
		checker,
	)

	finalize := pipeline.NewLeaf("finalize", promoteDraft(), KeyReport)
	finalize.PostHooks = []pipeline.PostHook{&sources.ResolvingHook{
		Manager:     manager,
		TextKey:     KeyReport,
		WarningsKey: KeyCitationWarnings,
	}}

	approval := pipeline.NewLeaf("final-approval", approvals.Capability(cfg.SessionID, FinalReportCheckpoint), KeyApproval)

	root := pipeline.NewSequential("report",
		plan,
		pipeline.NewParallel("research", research...),
		draft,
		refinement,
		finalize,
		approval,
	)

	if err := pipeline.Validate(root); err != nil {
		return nil, nil, err
	}
	return root, manager, nil
}

// collectReviews is the consolidate leaf's in-process capability: it gathers
// the raw reviewer records so they land in state as one list; the attached
// ConsolidationHook does the actual merge.
func collectReviews(reviewKeys []string) pipeline.Capability {
	return pipeline.CapabilityFunc(func(ctx context.Context, snapshot *pipeline.State, config map[string]interface{}) (pipeline.Result, error) {
		collected := make([]interface{}, 0, len(reviewKeys))
		for _, key := range reviewKeys {
			v, err := snapshot.Require(key)
			if err != nil {
				return pipeline.Result{}, err
			}
			collected = append(collected, v)
		}
		return pipeline.Result{Output: collected}, nil
	})
}

// promoteDraft copies the refined draft to the report key, where the
// citation-resolution hook rewrites its markers in place.
func promoteDraft() pipeline.Capability {
	return pipeline.CapabilityFunc(func(ctx context.Context, snapshot *pipeline.State, config map[string]interface{}) (pipeline.Result, error) {
		v, err := snapshot.Require(KeyDraft)
		if err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Result{Output: v}, nil
	})
}
