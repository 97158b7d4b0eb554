// Package feedback merges independent reviewer evaluations of a draft into a
// single decision plus a prioritized, deduplicated list of required changes.
package feedback

import (
	"fmt"
	"sort"
	"strings"
)

// Grade is a reviewer's or the consolidated verdict.
type Grade string

const (
	GradePass Grade = "pass"
	GradeFail Grade = "fail"
)

// Review is one reviewer's structured evaluation.
type Review struct {
	ReviewerID    string   `json:"reviewer_id"`
	Grade         Grade    `json:"grade"`
	Score         float64  `json:"numeric_score"`
	Issues        []string `json:"issues,omitempty"`
	Suggestions   []string `json:"suggestions,omitempty"`
	Commendations []string `json:"commendations,omitempty"`
}

// Policy selects how reviewer grades combine into the overall grade.
type Policy int

const (
	// PolicyMajority passes when at least ceil(N/2) reviewers pass.
	PolicyMajority Policy = iota
	// PolicyUnanimous passes only when every reviewer passes.
	PolicyUnanimous
)

// Options configures consolidation.
type Options struct {
	Policy Policy
	// PassThreshold is the minimum score a pass grade must carry.
	// A record violating it is inconsistent. Defaults to 70.
	PassThreshold float64
	// RepairInconsistent downgrades an inconsistent record to fail instead
	// of rejecting the whole batch.
	RepairInconsistent bool
	// MaxPriorityRevisions caps the priority list. Defaults to 3.
	MaxPriorityRevisions int
}

// InconsistentReviewError reports a record whose grade label contradicts its
// numeric score.
type InconsistentReviewError struct {
	ReviewerID string
	Score      float64
	Threshold  float64
}

func (e *InconsistentReviewError) Error() string {
	return fmt.Sprintf("reviewer %q graded pass with score %.1f below threshold %.1f",
		e.ReviewerID, e.Score, e.Threshold)
}

// Conflict is a best-effort diagnostic: two reviewers suggesting opposite
// actions on the same subject. It is surfaced, never auto-resolved.
type Conflict struct {
	ReviewerA   string `json:"reviewer_a"`
	SuggestionA string `json:"suggestion_a"`
	ReviewerB   string `json:"reviewer_b"`
	SuggestionB string `json:"suggestion_b"`
}

// Consolidated is the merged result of all reviews.
type Consolidated struct {
	OverallGrade       Grade      `json:"overall_grade"`
	AverageScore       float64    `json:"average_score"`
	ConsensusIssues    []string   `json:"consensus_issues,omitempty"`
	PriorityRevisions  []string   `json:"priority_revisions,omitempty"`
	UnanimousApprovals []string   `json:"unanimous_approvals,omitempty"`
	Conflicts          []Conflict `json:"conflicts,omitempty"`
}

// Consolidate merges the reviews under opts. The average is taken over all
// records, passing or not; consensus issues are those raised by at least two
// distinct reviewers after normalization.
func Consolidate(reviews []Review, opts Options) (*Consolidated, error) {
	if len(reviews) == 0 {
		return nil, fmt.Errorf("no reviews to consolidate")
	}
	if opts.PassThreshold == 0 {
		opts.PassThreshold = 70
	}
	if opts.MaxPriorityRevisions == 0 {
		opts.MaxPriorityRevisions = 3
	}

	checked := make([]Review, len(reviews))
	copy(checked, reviews)
	for i := range checked {
		if checked[i].Grade == GradePass && checked[i].Score < opts.PassThreshold {
			if !opts.RepairInconsistent {
				return nil, &InconsistentReviewError{
					ReviewerID: checked[i].ReviewerID,
					Score:      checked[i].Score,
					Threshold:  opts.PassThreshold,
				}
			}
			checked[i].Grade = GradeFail
		}
	}

	passes := 0
	var total float64
	for _, r := range checked {
		total += r.Score
		if r.Grade == GradePass {
			passes++
		}
	}

	overall := GradeFail
	switch opts.Policy {
	case PolicyUnanimous:
		if passes == len(checked) {
			overall = GradePass
		}
	default:
		if passes >= (len(checked)+1)/2 {
			overall = GradePass
		}
	}

	groups := groupIssues(checked)
	var consensus []issueGroup
	for _, g := range groups {
		if len(g.reviewers) >= 2 {
			consensus = append(consensus, g)
		}
	}

	consensusIssues := make([]string, 0, len(consensus))
	for _, g := range consensus {
		consensusIssues = append(consensusIssues, g.representative)
	}

	prioritized := make([]issueGroup, len(consensus))
	copy(prioritized, consensus)
	sort.SliceStable(prioritized, func(i, j int) bool {
		if len(prioritized[i].reviewers) != len(prioritized[j].reviewers) {
			return len(prioritized[i].reviewers) > len(prioritized[j].reviewers)
		}
		return prioritized[i].order < prioritized[j].order
	})
	if len(prioritized) > opts.MaxPriorityRevisions {
		prioritized = prioritized[:opts.MaxPriorityRevisions]
	}
	priorityRevisions := make([]string, 0, len(prioritized))
	for _, g := range prioritized {
		priorityRevisions = append(priorityRevisions, g.representative)
	}

	return &Consolidated{
		OverallGrade:       overall,
		AverageScore:       total / float64(len(checked)),
		ConsensusIssues:    consensusIssues,
		PriorityRevisions:  priorityRevisions,
		UnanimousApprovals: unanimousApprovals(checked),
		Conflicts:          detectConflicts(checked),
	}, nil
}

type issueGroup struct {
	representative string
	normalized     string
	reviewers      map[string]bool
	order          int
}

// groupIssues clusters near-duplicate issue strings: case-insensitive,
// punctuation-insensitive, with substring overlap treated as a match. The
// representative is the first submitted phrasing.
func groupIssues(reviews []Review) []issueGroup {
	var groups []issueGroup
	order := 0
	for _, r := range reviews {
		for _, issue := range r.Issues {
			norm := normalize(issue)
			if norm == "" {
				continue
			}
			matched := false
			for i := range groups {
				if overlaps(groups[i].normalized, norm) {
					groups[i].reviewers[r.ReviewerID] = true
					matched = true
					break
				}
			}
			if !matched {
				groups = append(groups, issueGroup{
					representative: issue,
					normalized:     norm,
					reviewers:      map[string]bool{r.ReviewerID: true},
					order:          order,
				})
			}
			order++
		}
	}
	return groups
}

// unanimousApprovals returns commendations present, after normalization, in
// every reviewer's commendation list, phrased as the first reviewer wrote them.
func unanimousApprovals(reviews []Review) []string {
	if len(reviews) == 0 {
		return nil
	}
	var out []string
	for _, candidate := range reviews[0].Commendations {
		norm := normalize(candidate)
		if norm == "" {
			continue
		}
		everywhere := true
		for _, r := range reviews[1:] {
			found := false
			for _, c := range r.Commendations {
				if normalize(c) == norm {
					found = true
					break
				}
			}
			if !found {
				everywhere = false
				break
			}
		}
		if everywhere {
			out = append(out, candidate)
		}
	}
	return out
}

// antonymPairs drives the best-effort suggestion-conflict diagnostic.
var antonymPairs = [][2]string{
	{"increase", "decrease"},
	{"add", "remove"},
	{"expand", "shorten"},
	{"expand", "reduce"},
	{"raise", "lower"},
	{"lengthen", "shorten"},
	{"more", "fewer"},
	{"enable", "disable"},
}

// detectConflicts flags suggestion pairs from different reviewers that use
// antonymic verbs and share at least one substantive word.
func detectConflicts(reviews []Review) []Conflict {
	type suggestion struct {
		reviewer string
		text     string
		tokens   map[string]bool
	}
	var all []suggestion
	for _, r := range reviews {
		for _, s := range r.Suggestions {
			all = append(all, suggestion{reviewer: r.ReviewerID, text: s, tokens: tokenSet(s)})
		}
	}

	var conflicts []Conflict
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.reviewer == b.reviewer {
				continue
			}
			if !antonymic(a.tokens, b.tokens) {
				continue
			}
			if sharesSubject(a.tokens, b.tokens) {
				conflicts = append(conflicts, Conflict{
					ReviewerA:   a.reviewer,
					SuggestionA: a.text,
					ReviewerB:   b.reviewer,
					SuggestionB: b.text,
				})
			}
		}
	}
	return conflicts
}

func antonymic(a, b map[string]bool) bool {
	for _, pair := range antonymPairs {
		if (a[pair[0]] && b[pair[1]]) || (a[pair[1]] && b[pair[0]]) {
			return true
		}
	}
	return false
}

var conflictVerbs = func() map[string]bool {
	verbs := make(map[string]bool)
	for _, pair := range antonymPairs {
		verbs[pair[0]] = true
		verbs[pair[1]] = true
	}
	return verbs
}()

// sharesSubject requires one substantive token (not the antonym verbs, not a
// short function word) in common between the two suggestions.
func sharesSubject(a, b map[string]bool) bool {
	for tok := range a {
		if len(tok) <= 3 || conflictVerbs[tok] {
			continue
		}
		if b[tok] {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(normalize(s)) {
		tokens[tok] = true
	}
	return tokens
}

// normalize lowercases, strips punctuation, and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// overlaps reports whether two normalized issue strings are near-duplicates:
// equal, or one contained in the other.
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
