package services

import (
	"context"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernzeit/adaptive-engine/internal/engine/models"
)

func newTestOptimizer() *QualityOptimizer {
	return NewQualityOptimizer(newTestEvaluator(), rand.New(rand.NewSource(1)))
}

func TestOptimize_NeverTouchesTheAnswer(t *testing.T) {
	question := &models.Question{
		ID:           "q-bad",
		Text:         "Calculate approximately 900 plus 800",
		Answer:       "1700",
		QuestionType: models.TypeFreeText,
		Grade:        2,
	}

	result := newTestOptimizer().Optimize(question)

	require.NotNil(t, result.Optimized)
	assert.Equal(t, "1700", result.Optimized.Answer)
	assert.NotEmpty(t, result.AppliedActions)
}

func TestOptimize_LeavesTheOriginalUntouched(t *testing.T) {
	question := &models.Question{
		ID:           "q-bad",
		Text:         "Add the numbers",
		Answer:       "10",
		QuestionType: models.TypeFreeText,
		Grade:        5,
	}

	result := newTestOptimizer().Optimize(question)

	assert.Equal(t, "Add the numbers", question.Text)
	assert.Empty(t, question.Explanation)
	assert.Same(t, question, result.Original)
	assert.NotSame(t, question, result.Optimized)
}

func TestOptimize_MissingExplanationImprovesScore(t *testing.T) {
	question := wellFormedQuestion()
	question.Explanation = ""

	result := newTestOptimizer().Optimize(question)

	assert.Contains(t, result.AppliedActions, "expand_explanation")
	assert.NotEmpty(t, result.Optimized.Explanation)
	assert.Greater(t, result.ImprovementDelta, 0.0)
}

func TestResampleNumbers_BringsValuesIntoGradeRange(t *testing.T) {
	optimizer := newTestOptimizer()
	question := &models.Question{
		Text:  "Ben has 500 apples and 7 pears.",
		Grade: 2,
	}

	changed := optimizer.resampleNumbers(question)
	require.True(t, changed)

	for _, match := range numberPattern.FindAllString(question.Text, -1) {
		value, err := strconv.Atoi(match)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, value, 0)
		assert.LessOrEqual(t, value, gradeMaxMagnitude(2))
	}
	// The in-range number is left alone.
	assert.Contains(t, question.Text, "7 pears")
}

func TestResampleNumbers_NoopWhenAllInRange(t *testing.T) {
	optimizer := newTestOptimizer()
	question := &models.Question{Text: "Ben has 5 apples.", Grade: 2}

	assert.False(t, optimizer.resampleNumbers(question))
	assert.Equal(t, "Ben has 5 apples.", question.Text)
}

func TestAddCharacterContext(t *testing.T) {
	question := &models.Question{Text: "How many apples are left?", Grade: 2}
	assert.True(t, addCharacterContext(question))
	assert.True(t, containsAny(question.Text, characterNames))

	// Already has a character: no-op.
	withName := &models.Question{Text: "Mia counts her apples.", Grade: 2}
	assert.False(t, addCharacterContext(withName))
	assert.Equal(t, "Mia counts her apples.", withName.Text)
}

func TestExpandExplanation(t *testing.T) {
	empty := &models.Question{}
	assert.True(t, expandExplanation(empty))
	assert.GreaterOrEqual(t, len(empty.Explanation), 20)

	short := &models.Question{Explanation: "Just add."}
	assert.True(t, expandExplanation(short))
	assert.Contains(t, short.Explanation, "Just add.")
	assert.GreaterOrEqual(t, len(short.Explanation), 20)

	long := &models.Question{Explanation: "Add the two groups of apples together to get the total."}
	assert.False(t, expandExplanation(long))
}

func TestSimplifyLanguage(t *testing.T) {
	question := &models.Question{Text: "Calculate approximately how many toys Ben can purchase."}

	assert.True(t, simplifyLanguage(question))
	assert.NotContains(t, question.Text, "Calculate")
	assert.NotContains(t, question.Text, "approximately")
	assert.NotContains(t, question.Text, "purchase")
	assert.Contains(t, question.Text, "about")

	plain := &models.Question{Text: "How many toys does Ben have?"}
	assert.False(t, simplifyLanguage(plain))
}

func TestOptimizeBatch_OneResultPerQuestion(t *testing.T) {
	questions := []*models.Question{
		{ID: "q1", Text: "Add the numbers", Answer: "1", QuestionType: models.TypeFreeText, Grade: 5},
		{ID: "q2", Text: "Count to ten", Answer: "10", QuestionType: models.TypeFreeText, Grade: 1},
		wellFormedQuestion(),
		{ID: "q4", Text: "Sort the toys", Answer: "a", QuestionType: models.TypeSort, Grade: 2},
	}

	results := newTestOptimizer().OptimizeBatch(context.Background(), questions)
	require.Len(t, results, 4)
	for i, result := range results {
		assert.Equal(t, questions[i].ID, result.Original.ID)
		assert.Equal(t, questions[i].Answer, result.Optimized.Answer)
	}
}
