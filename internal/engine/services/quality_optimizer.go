package services

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lernzeit/adaptive-engine/internal/engine/models"
)

// optimizeBatchSize and optimizeBatchPause mirror the evaluator's batch
// flow control.
const (
	optimizeBatchSize  = 3
	optimizeBatchPause = 100 * time.Millisecond
)

// simplifications replaces complex wording with grade-friendly synonyms.
var simplifications = map[string]string{
	"accumulate":    "collect",
	"approximately": "about",
	"calculate":     "work out",
	"consequently":  "so",
	"demonstrate":   "show",
	"determine":     "find",
	"difference":    "gap",
	"distribute":    "share",
	"purchase":      "buy",
	"additional":    "more",
}

// explanationElaboration is appended to under-length explanations.
const explanationElaboration = "Work through it one step at a time, then check your result against the question."

// QualityOptimizer rewrites questions that failed the evaluator, applying
// only the bounded transformations keyed to the fired recommendations. It
// never touches the answer.
type QualityOptimizer struct {
	evaluator *QualityEvaluator

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewQualityOptimizer creates an optimizer around an evaluator. The rng
// drives number resampling and must be non-nil for reproducible output.
func NewQualityOptimizer(evaluator *QualityEvaluator, rng *rand.Rand) *QualityOptimizer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &QualityOptimizer{evaluator: evaluator, rng: rng}
}

// Optimize evaluates the question, applies one rewrite per fired
// recommendation and re-evaluates to measure the improvement. The
// original question is left untouched.
func (o *QualityOptimizer) Optimize(question *models.Question) *models.OptimizeResult {
	before := o.evaluator.Evaluate(question)

	optimized := cloneQuestion(question)
	applied := []string{}

	for _, rec := range before.Recommendations {
		if o.applyAction(rec.Action, optimized) {
			applied = append(applied, rec.Action)
		}
	}

	result := &models.OptimizeResult{
		Original:       question,
		Optimized:      optimized,
		AppliedActions: applied,
	}
	if len(applied) > 0 {
		after := o.evaluator.Evaluate(optimized)
		result.ImprovementDelta = after.OverallScore - before.OverallScore
	}
	return result
}

// OptimizeBatch rewrites questions in small chunks with a pause between
// chunks.
func (o *QualityOptimizer) OptimizeBatch(ctx context.Context, questions []*models.Question) []*models.OptimizeResult {
	results := make([]*models.OptimizeResult, 0, len(questions))

	for i := 0; i < len(questions); i += optimizeBatchSize {
		end := i + optimizeBatchSize
		if end > len(questions) {
			end = len(questions)
		}
		for _, q := range questions[i:end] {
			results = append(results, o.Optimize(q))
		}

		if end < len(questions) {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(optimizeBatchPause):
			}
		}
	}
	return results
}

// applyAction dispatches one rewrite. Returns false when the action has no
// safe rewrite or the question already satisfies it.
func (o *QualityOptimizer) applyAction(action string, q *models.Question) bool {
	switch action {
	case "fix_numbers":
		return o.resampleNumbers(q)
	case "add_context":
		return addCharacterContext(q)
	case "expand_explanation":
		return expandExplanation(q)
	case "simplify_language":
		return simplifyLanguage(q)
	default:
		// adjust_complexity has no rewrite that preserves the answer.
		return false
	}
}

// resampleNumbers replaces out-of-range numbers in the text with fresh
// values inside the grade-appropriate magnitude.
func (o *QualityOptimizer) resampleNumbers(q *models.Question) bool {
	maxMagnitude := gradeMaxMagnitude(q.Grade)
	changed := false

	text := numberPattern.ReplaceAllStringFunc(q.Text, func(match string) string {
		value, err := strconv.Atoi(match)
		if err != nil {
			return match
		}
		if value >= 0 && value <= maxMagnitude {
			return match
		}
		changed = true
		o.rngMu.Lock()
		resampled := o.rng.Intn(maxMagnitude) + 1
		o.rngMu.Unlock()
		return strconv.Itoa(resampled)
	})

	if changed {
		q.Text = text
	}
	return changed
}

// addCharacterContext prefixes the question with a named character when
// none is present.
func addCharacterContext(q *models.Question) bool {
	if containsAny(q.Text, characterNames) {
		return false
	}
	name := characterNames[len(q.Text)%len(characterNames)]
	q.Text = fmt.Sprintf("%s asks: %s", name, q.Text)
	return true
}

// expandExplanation appends a templated elaboration to a missing or
// under-length explanation.
func expandExplanation(q *models.Question) bool {
	explanation := strings.TrimSpace(q.Explanation)
	if len(explanation) >= 20 {
		return false
	}
	if explanation == "" {
		q.Explanation = explanationElaboration
	} else {
		q.Explanation = explanation + " " + explanationElaboration
	}
	return true
}

// simplifyLanguage swaps complex words for grade-friendly synonyms.
func simplifyLanguage(q *models.Question) bool {
	changed := false
	words := strings.Fields(q.Text)

	for i, word := range words {
		trimmed := strings.Trim(word, ".,!?;:")
		replacement, ok := simplifications[strings.ToLower(trimmed)]
		if !ok {
			continue
		}
		words[i] = strings.Replace(word, trimmed, replacement, 1)
		changed = true
	}

	if changed {
		q.Text = strings.Join(words, " ")
	}
	return changed
}

// cloneQuestion copies the question so rewrites never mutate the input.
func cloneQuestion(q *models.Question) *models.Question {
	clone := *q
	if q.Options != nil {
		clone.Options = append([]string(nil), q.Options...)
	}
	return &clone
}
