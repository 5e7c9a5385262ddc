package services

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lernzeit/adaptive-engine/internal/engine/metrics"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/pkg/config"
	"github.com/lernzeit/adaptive-engine/pkg/logger"
)

// Quality dimension names
const (
	DimensionDifficulty  = "difficulty_consistency"
	DimensionEngagement  = "engagement"
	DimensionPedagogical = "pedagogical_effectiveness"
	DimensionAccuracy    = "content_accuracy"
	DimensionClarity     = "language_clarity"
)

// neutralScore substitutes for a dimension whose evaluator failed, so one
// broken heuristic never aborts the whole report.
const neutralScore = 0.5

// evaluateBatchSize and evaluateBatchPause bound burst load on downstream
// persistence when reports are stored. Plain flow control, not scheduling.
const (
	evaluateBatchSize  = 3
	evaluateBatchPause = 100 * time.Millisecond
)

var numberPattern = regexp.MustCompile(`-?\d+`)

// characterNames are the relatable figures the engagement dimension looks
// for in question context.
var characterNames = []string{
	"Anna", "Ben", "Emma", "Felix", "Lena", "Lisa", "Max", "Mia", "Paul", "Tom",
}

// realWorldWords anchor a question in everyday experience.
var realWorldWords = []string{
	"apples", "animals", "candy", "friends", "garden", "game", "money",
	"school", "stickers", "toys",
}

// instructionalVerbs signal an explicit task for the learner.
var instructionalVerbs = []string{
	"calculate", "choose", "compare", "count", "explain", "find", "match", "sort",
}

// recommendationTable maps a failed dimension to its fixed, deterministic
// recommendation. Priority 1 is the most urgent.
var recommendationTable = map[string]models.Recommendation{
	DimensionDifficulty: {
		Type:     "difficulty",
		Priority: 2,
		Message:  "Question complexity does not match the grade level",
		Action:   "adjust_complexity",
	},
	DimensionEngagement: {
		Type:     "engagement",
		Priority: 3,
		Message:  "Question lacks relatable context or characters",
		Action:   "add_context",
	},
	DimensionPedagogical: {
		Type:     "structure",
		Priority: 1,
		Message:  "Explanation is missing or too short to teach from",
		Action:   "expand_explanation",
	},
	DimensionAccuracy: {
		Type:     "content",
		Priority: 1,
		Message:  "Numeric values fall outside the grade-appropriate range",
		Action:   "fix_numbers",
	},
	DimensionClarity: {
		Type:     "structure",
		Priority: 2,
		Message:  "Wording is too complex for the grade level",
		Action:   "simplify_language",
	},
}

// QualityEvaluator scores questions along five independent weighted
// dimensions and aggregates them into a report.
type QualityEvaluator struct {
	tuning  config.QualityTuning
	metrics *metrics.Metrics
}

// NewQualityEvaluator creates an evaluator with the given tuning table.
func NewQualityEvaluator(tuning config.QualityTuning, m *metrics.Metrics) *QualityEvaluator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &QualityEvaluator{tuning: tuning, metrics: m}
}

// Evaluate scores one question. Dimension evaluators that panic are
// replaced by the neutral fallback score.
func (e *QualityEvaluator) Evaluate(question *models.Question) *models.QualityReport {
	scores := map[string]float64{
		DimensionDifficulty:  e.safeScore(DimensionDifficulty, question, scoreDifficultyConsistency),
		DimensionEngagement:  e.safeScore(DimensionEngagement, question, scoreEngagement),
		DimensionPedagogical: e.safeScore(DimensionPedagogical, question, scorePedagogical),
		DimensionAccuracy:    e.safeScore(DimensionAccuracy, question, scoreContentAccuracy),
		DimensionClarity:     e.safeScore(DimensionClarity, question, scoreLanguageClarity),
	}

	overall := e.tuning.DifficultyWeight*scores[DimensionDifficulty] +
		e.tuning.EngagementWeight*scores[DimensionEngagement] +
		e.tuning.PedagogicalWeight*scores[DimensionPedagogical] +
		e.tuning.AccuracyWeight*scores[DimensionAccuracy] +
		e.tuning.ClarityWeight*scores[DimensionClarity]

	report := &models.QualityReport{
		QuestionID:      question.ID,
		OverallScore:    overall,
		DimensionScores: scores,
		ConfidenceLevel: confidenceFromScores(scores),
		Recommendations: e.recommendations(scores),
	}

	e.metrics.QualityOverallScore.Observe(overall)
	return report
}

// EvaluateBatch scores questions in small chunks with a pause between
// chunks.
func (e *QualityEvaluator) EvaluateBatch(ctx context.Context, questions []*models.Question) []*models.QualityReport {
	reports := make([]*models.QualityReport, 0, len(questions))

	for i := 0; i < len(questions); i += evaluateBatchSize {
		end := i + evaluateBatchSize
		if end > len(questions) {
			end = len(questions)
		}
		for _, q := range questions[i:end] {
			reports = append(reports, e.Evaluate(q))
		}

		if end < len(questions) {
			select {
			case <-ctx.Done():
				return reports
			case <-time.After(evaluateBatchPause):
			}
		}
	}
	return reports
}

// safeScore runs one dimension evaluator with panic recovery.
func (e *QualityEvaluator) safeScore(dimension string, question *models.Question, fn func(*models.Question) float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("quality dimension evaluator failed",
				zap.String("dimension", dimension),
				zap.Any("panic", r),
			)
			score = neutralScore
		}
	}()
	return clamp01(fn(question))
}

// threshold returns the pass threshold of a dimension.
func (e *QualityEvaluator) threshold(dimension string) float64 {
	switch dimension {
	case DimensionDifficulty:
		return e.tuning.DifficultyThreshold
	case DimensionEngagement:
		return e.tuning.EngagementThreshold
	case DimensionPedagogical:
		return e.tuning.PedagogicalThreshold
	case DimensionAccuracy:
		return e.tuning.AccuracyThreshold
	case DimensionClarity:
		return e.tuning.ClarityThreshold
	default:
		return 1.0
	}
}

// recommendations emits one fixed recommendation per failed dimension,
// ranked by priority.
func (e *QualityEvaluator) recommendations(scores map[string]float64) []models.Recommendation {
	recs := []models.Recommendation{}
	for dimension, score := range scores {
		if score < e.threshold(dimension) {
			recs = append(recs, recommendationTable[dimension])
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority < recs[j].Priority
		}
		return recs[i].Type < recs[j].Type
	})
	return recs
}

// confidenceFromScores derives confidence from how much the dimensions
// agree: 1 minus the standard deviation, floored at 0.1.
func confidenceFromScores(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0.1
	}

	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))

	confidence := 1 - math.Sqrt(variance)
	return math.Max(0.1, confidence)
}

// scoreDifficultyConsistency proxies complexity from text length relative
// to what the grade level suggests.
func scoreDifficultyConsistency(q *models.Question) float64 {
	words := len(strings.Fields(q.Text))
	if words == 0 {
		return 0
	}

	expected := float64(5 + q.Grade*3)
	deviation := math.Abs(float64(words)-expected) / expected
	return math.Max(0, 1-deviation)
}

// scoreEngagement rewards named characters, interactive answer formats and
// real-world anchoring vocabulary.
func scoreEngagement(q *models.Question) float64 {
	score := 0.0
	if containsAny(q.Text, characterNames) {
		score += 0.4
	}
	if q.QuestionType != models.TypeFreeText {
		score += 0.3
	}
	if containsAnyFold(q.Text, realWorldWords) {
		score += 0.3
	}
	return score
}

// scorePedagogical checks for a usable explanation, an appropriate length
// and an explicit task.
func scorePedagogical(q *models.Question) float64 {
	score := 0.0

	explanation := strings.TrimSpace(q.Explanation)
	if len(explanation) >= 20 {
		score += 0.5
	} else if explanation != "" {
		score += 0.25
	}

	words := len(strings.Fields(q.Text))
	if words >= 5 && words <= 40 {
		score += 0.25
	}

	if containsAnyFold(q.Text, instructionalVerbs) {
		score += 0.25
	}
	return score
}

// scoreContentAccuracy sanity-checks numeric values against the magnitude
// expected for the grade and rejects negative quantities below the grade
// threshold.
func scoreContentAccuracy(q *models.Question) float64 {
	score := 1.0
	maxMagnitude := gradeMaxMagnitude(q.Grade)

	for _, match := range numberPattern.FindAllString(q.Text, -1) {
		value, err := strconv.Atoi(match)
		if err != nil {
			continue
		}
		if value < 0 && q.Grade < 7 {
			score -= 0.4
			continue
		}
		if math.Abs(float64(value)) > float64(maxMagnitude) {
			score -= 0.3
		}
	}
	return math.Max(0, score)
}

// scoreLanguageClarity penalizes long words, run-on sentences and
// degenerate brevity relative to the grade level.
func scoreLanguageClarity(q *models.Question) float64 {
	words := strings.Fields(q.Text)
	if len(words) == 0 {
		return 0
	}

	score := 1.0

	// A fragment too short to state a task reads as unclear regardless of
	// word length. The floor grows slowly with grade.
	minWords := 4 + q.Grade/2
	if len(words) < minWords {
		score -= float64(minWords-len(words)) * 0.15
	}

	totalLen := 0
	for _, w := range words {
		totalLen += len(strings.Trim(w, ".,!?;:"))
	}
	avgWordLen := float64(totalLen) / float64(len(words))
	targetWordLen := 4.0 + 0.3*float64(q.Grade)

	if avgWordLen > targetWordLen {
		score -= (avgWordLen - targetWordLen) * 0.15
	}

	maxSentence := 0
	for _, sentence := range strings.FieldsFunc(q.Text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if n := len(strings.Fields(sentence)); n > maxSentence {
			maxSentence = n
		}
	}
	ceiling := 12 + q.Grade
	if maxSentence > ceiling {
		score -= 0.2
	}

	return math.Max(0, score)
}

// gradeMaxMagnitude is the largest number magnitude expected in content
// for the grade.
func gradeMaxMagnitude(grade int) int {
	switch {
	case grade <= 2:
		return 20
	case grade <= 4:
		return 100
	case grade <= 6:
		return 1000
	default:
		return 1000000
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func containsAnyFold(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
