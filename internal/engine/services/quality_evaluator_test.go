package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/pkg/config"
)

func newTestEvaluator() *QualityEvaluator {
	return NewQualityEvaluator(config.DefaultTuning().Quality, nil)
}

func wellFormedQuestion() *models.Question {
	return &models.Question{
		ID:           "q-good",
		Text:         "Mia wants to count her apples. She has 7 apples and gets 5 more. How many apples does she have now?",
		Answer:       "12",
		Explanation:  "Add the two groups of apples together to get the total.",
		QuestionType: models.TypeMultipleChoice,
		Grade:        3,
	}
}

func TestEvaluate_WellFormedQuestionScoresHigh(t *testing.T) {
	report := newTestEvaluator().Evaluate(wellFormedQuestion())

	assert.Greater(t, report.OverallScore, 0.8)
	assert.Len(t, report.DimensionScores, 5)
	assert.LessOrEqual(t, len(report.Recommendations), 1)
}

func TestEvaluate_BareQuestionCollectsRecommendations(t *testing.T) {
	// Three words, no explanation, grade 5: several dimensions must fail
	// and each failure must produce its recommendation.
	report := newTestEvaluator().Evaluate(&models.Question{
		ID:           "q-bare",
		Text:         "Add the numbers",
		Answer:       "10",
		QuestionType: models.TypeMultipleChoice,
		Grade:        5,
	})

	assert.GreaterOrEqual(t, len(report.Recommendations), 2)

	actions := make([]string, len(report.Recommendations))
	for i, rec := range report.Recommendations {
		actions[i] = rec.Action
	}
	assert.Contains(t, actions, "expand_explanation")
	assert.Contains(t, actions, "adjust_complexity")

	// A three-word fragment is unclear, not just unpedagogical.
	assert.Less(t, report.DimensionScores[DimensionClarity], 0.70)
	assert.Contains(t, actions, "simplify_language")
}

func TestScoreLanguageClarity_PenalizesDegenerateBrevity(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		grade int
		below float64
	}{
		{"three words at grade 5", "Add the numbers", 5, 0.70},
		{"single word", "Add", 6, 0.70},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := scoreLanguageClarity(&models.Question{Text: tc.text, Grade: tc.grade})
			assert.Less(t, got, tc.below)
		})
	}

	full := scoreLanguageClarity(&models.Question{
		Text:  "Mia wants to count her apples. She has 7 apples and gets 5 more.",
		Grade: 3,
	})
	assert.InDelta(t, 1.0, full, 1e-9)
}

func TestEvaluate_OverallStaysBetweenDimensionExtremes(t *testing.T) {
	questions := []*models.Question{
		wellFormedQuestion(),
		{ID: "q1", Text: "Add the numbers", Answer: "1", QuestionType: models.TypeFreeText, Grade: 5},
		{ID: "q2", Text: "Tom sorts 3 toys and 2 toys. Sort them by size.", Answer: "a", QuestionType: models.TypeSort, Grade: 2},
	}

	evaluator := newTestEvaluator()
	for _, q := range questions {
		report := evaluator.Evaluate(q)

		lowest, highest := 1.0, 0.0
		for _, score := range report.DimensionScores {
			if score < lowest {
				lowest = score
			}
			if score > highest {
				highest = score
			}
		}
		assert.GreaterOrEqual(t, report.OverallScore, lowest-1e-9, "question %s", q.ID)
		assert.LessOrEqual(t, report.OverallScore, highest+1e-9, "question %s", q.ID)
	}
}

func TestEvaluate_RecommendationsRankedByPriority(t *testing.T) {
	report := newTestEvaluator().Evaluate(&models.Question{
		ID:           "q-bare",
		Text:         "Add",
		Answer:       "1",
		QuestionType: models.TypeFreeText,
		Grade:        6,
	})

	require.NotEmpty(t, report.Recommendations)
	for i := 1; i < len(report.Recommendations); i++ {
		assert.LessOrEqual(t, report.Recommendations[i-1].Priority, report.Recommendations[i].Priority)
	}
}

func TestScoreContentAccuracy_NumericRangeChecks(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		grade int
		want  float64
	}{
		{"in range for grade 2", "Ben has 7 apples and gets 5 more.", 2, 1.0},
		{"too large for grade 2", "Ben has 500 apples.", 2, 0.7},
		{"fine for grade 5", "Ben has 500 stickers.", 5, 1.0},
		{"negative below grade threshold", "The temperature is -5 degrees.", 3, 0.6},
		{"negative allowed later", "The temperature is -5 degrees.", 8, 1.0},
		{"two violations", "Take 900 from 800 toys.", 2, 0.4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := scoreContentAccuracy(&models.Question{Text: tc.text, Grade: tc.grade})
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestConfidence_FromDimensionAgreement(t *testing.T) {
	uniform := map[string]float64{"a": 0.8, "b": 0.8, "c": 0.8}
	assert.InDelta(t, 1.0, confidenceFromScores(uniform), 1e-9)

	spread := map[string]float64{"a": 0.0, "b": 1.0}
	assert.InDelta(t, 0.5, confidenceFromScores(spread), 1e-9)

	assert.InDelta(t, 0.1, confidenceFromScores(nil), 1e-9)
}

func TestSafeScore_PanicFallsBackToNeutral(t *testing.T) {
	evaluator := newTestEvaluator()

	score := evaluator.safeScore("broken", wellFormedQuestion(), func(*models.Question) float64 {
		panic("dimension blew up")
	})
	assert.InDelta(t, neutralScore, score, 1e-9)
}

func TestEvaluateBatch_ReturnsOneReportPerQuestion(t *testing.T) {
	questions := []*models.Question{
		wellFormedQuestion(),
		{ID: "q1", Text: "Add the numbers", Answer: "1", QuestionType: models.TypeFreeText, Grade: 5},
		{ID: "q2", Text: "Count to ten", Answer: "10", QuestionType: models.TypeFreeText, Grade: 1},
		{ID: "q3", Text: "Sort the toys", Answer: "a", QuestionType: models.TypeSort, Grade: 2},
	}

	reports := newTestEvaluator().EvaluateBatch(context.Background(), questions)
	require.Len(t, reports, 4)
	for i, report := range reports {
		assert.Equal(t, questions[i].ID, report.QuestionID)
	}
}

func TestEvaluateBatch_StopsBetweenChunksWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	questions := []*models.Question{
		{ID: "q1", Text: "Count", Answer: "1", Grade: 1},
		{ID: "q2", Text: "Count", Answer: "2", Grade: 1},
		{ID: "q3", Text: "Count", Answer: "3", Grade: 1},
		{ID: "q4", Text: "Count", Answer: "4", Grade: 1},
	}

	// The first chunk completes, the canceled context stops the pause.
	reports := newTestEvaluator().EvaluateBatch(ctx, questions)
	assert.Len(t, reports, 3)
}
