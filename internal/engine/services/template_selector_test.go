package services

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/pkg/config"
)

// mockUsageRepo keeps usage rows in memory.
type mockUsageRepo struct {
	counts   map[string]int
	recorded []string
	failAll  bool
}

func newMockUsageRepo() *mockUsageRepo {
	return &mockUsageRepo{counts: map[string]int{}}
}

func (m *mockUsageRepo) RecordUsage(ctx context.Context, templateID, userID string) error {
	if m.failAll {
		return fmt.Errorf("usage store down")
	}
	m.counts[templateID]++
	m.recorded = append(m.recorded, templateID)
	return nil
}

func (m *mockUsageRepo) GlobalUsageCounts(ctx context.Context, templateIDs []string, since time.Time) (map[string]int, error) {
	if m.failAll {
		return nil, fmt.Errorf("usage store down")
	}
	out := make(map[string]int, len(templateIDs))
	for _, id := range templateIDs {
		out[id] = m.counts[id]
	}
	return out, nil
}

func (m *mockUsageRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func activeTemplate(id, difficulty, questionType string, quality float64) *models.Template {
	return &models.Template{
		ID:           id,
		Domain:       "math",
		Grade:        3,
		Difficulty:   difficulty,
		QuestionType: questionType,
		Status:       models.StatusActive,
		QualityScore: quality,
	}
}

func newTestSelector(t *testing.T, usage *mockUsageRepo, seed int64) (*TemplateSelector, *SessionTracker) {
	t.Helper()
	tracker := newTestTracker(30 * time.Minute)
	selector := NewTemplateSelector(tracker, usage, config.DefaultTuning().Selection, nil, rand.New(rand.NewSource(seed)))
	return selector, tracker
}

func TestTemplateSelector_PrefersLessUsedTemplate(t *testing.T) {
	// Two templates identical except for recent population-wide usage:
	// the less-used one must win on freshness.
	usage := newMockUsageRepo()
	usage.counts["tmpl-worn"] = 5

	selector, tracker := newTestSelector(t, usage, 1)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	candidates := []*models.Template{
		activeTemplate("tmpl-worn", models.DifficultyMedium, models.TypeMultipleChoice, 0.8),
		activeTemplate("tmpl-fresh", models.DifficultyMedium, models.TypeMultipleChoice, 0.8),
	}

	result := selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, false, nil)
	require.NotNil(t, result)
	assert.Equal(t, "tmpl-fresh", result.Template.ID)
	assert.Contains(t, result.Reason, "rarely seen recently")
}

func TestTemplateSelector_DeterministicWithSeed(t *testing.T) {
	candidates := func() []*models.Template {
		return []*models.Template{
			activeTemplate("a", models.DifficultyEasy, models.TypeMultipleChoice, 0.7),
			activeTemplate("b", models.DifficultyMedium, models.TypeSort, 0.7),
			activeTemplate("c", models.DifficultyHard, models.TypeMatch, 0.7),
		}
	}

	pick := func() string {
		selector, tracker := newTestSelector(t, newMockUsageRepo(), 42)
		sessionID := tracker.CreateSession("user-1", 3, "math")
		result := selector.SelectBest(context.Background(), candidates(), "user-1", sessionID, models.DifficultyMedium, true, nil)
		require.NotNil(t, result)
		return result.Template.ID
	}

	first := pick()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, pick())
	}
}

func TestTemplateSelector_NeverRepeatsWithinSession(t *testing.T) {
	selector, tracker := newTestSelector(t, newMockUsageRepo(), 7)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	candidates := []*models.Template{
		activeTemplate("a", models.DifficultyMedium, models.TypeMultipleChoice, 0.8),
		activeTemplate("b", models.DifficultyMedium, models.TypeSort, 0.7),
		activeTemplate("c", models.DifficultyMedium, models.TypeMatch, 0.6),
	}

	seen := map[string]bool{}
	for i := 0; i < len(candidates); i++ {
		result := selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, false, nil)
		require.NotNil(t, result)
		assert.False(t, seen[result.Template.ID], "template %s served twice", result.Template.ID)
		seen[result.Template.ID] = true
	}

	// Pool exhausted: nil result, not an error.
	assert.Nil(t, selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, false, nil))
}

func TestTemplateSelector_QualityDominatesUnderDiversity(t *testing.T) {
	// Three candidates at uniform difficulty with diversity enforced: the
	// weak multiple-choice template must lose to both the strong one and,
	// once multiple-choice is over-represented, to the free-text one.
	selector, tracker := newTestSelector(t, newMockUsageRepo(), 11)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	candidates := []*models.Template{
		activeTemplate("t1", models.DifficultyMedium, models.TypeMultipleChoice, 0.9),
		activeTemplate("t2", models.DifficultyMedium, models.TypeMultipleChoice, 0.5),
		activeTemplate("t3", models.DifficultyMedium, models.TypeFreeText, 0.8),
	}

	pick := func() *models.SelectionResult {
		return selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, true, nil)
	}

	first := pick()
	require.NotNil(t, first)
	assert.Equal(t, "t1", first.Template.ID)

	// Multiple-choice now holds the whole session share, so the free-text
	// candidate outscores the weak multiple-choice one despite both being
	// unseen.
	second := pick()
	require.NotNil(t, second)
	assert.Equal(t, "t3", second.Template.ID)

	third := pick()
	require.NotNil(t, third)
	assert.Equal(t, "t2", third.Template.ID)

	// Nothing is ever re-served.
	assert.Nil(t, pick())
}

func TestTemplateSelector_FiltersIneligibleCandidates(t *testing.T) {
	selector, tracker := newTestSelector(t, newMockUsageRepo(), 3)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	archived := activeTemplate("archived", models.DifficultyMedium, models.TypeSort, 0.9)
	archived.Status = models.StatusArchived
	lowQuality := activeTemplate("low", models.DifficultyMedium, models.TypeSort, 0.1)
	excluded := activeTemplate("excluded", models.DifficultyMedium, models.TypeSort, 0.9)
	keeper := activeTemplate("keeper", models.DifficultyMedium, models.TypeSort, 0.5)

	candidates := []*models.Template{archived, lowQuality, excluded, keeper}

	result := selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, false, []string{"excluded"})
	require.NotNil(t, result)
	assert.Equal(t, "keeper", result.Template.ID)
}

func TestTemplateSelector_UsageStoreFailureDegradesToFresh(t *testing.T) {
	usage := newMockUsageRepo()
	usage.failAll = true

	selector, tracker := newTestSelector(t, usage, 9)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	candidates := []*models.Template{
		activeTemplate("a", models.DifficultyMedium, models.TypeSort, 0.8),
	}

	result := selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, false, nil)
	require.NotNil(t, result)
	assert.Equal(t, "a", result.Template.ID)
}

func TestTemplateSelector_RecordsUsageOnSelection(t *testing.T) {
	usage := newMockUsageRepo()
	selector, tracker := newTestSelector(t, usage, 5)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	candidates := []*models.Template{
		activeTemplate("a", models.DifficultyMedium, models.TypeSort, 0.8),
	}

	result := selector.SelectBest(context.Background(), candidates, "user-1", sessionID, models.DifficultyMedium, false, nil)
	require.NotNil(t, result)
	assert.Equal(t, []string{"a"}, usage.recorded)
	assert.True(t, tracker.IsUsed(sessionID, "a"))
}

func TestDifficultyScore_Matrix(t *testing.T) {
	tests := []struct {
		preferred string
		actual    string
		want      float64
	}{
		{models.DifficultyEasy, models.DifficultyEasy, 1.0},
		{models.DifficultyEasy, models.DifficultyMedium, 0.7},
		{models.DifficultyEasy, models.DifficultyHard, 0.3},
		{models.DifficultyMedium, models.DifficultyEasy, 0.8},
		{models.DifficultyMedium, models.DifficultyMedium, 1.0},
		{models.DifficultyMedium, models.DifficultyHard, 0.7},
		{models.DifficultyHard, models.DifficultyEasy, 0.3},
		{models.DifficultyHard, models.DifficultyMedium, 0.8},
		{models.DifficultyHard, models.DifficultyHard, 1.0},
		{"", models.DifficultyMedium, 0.5},
		{models.DifficultyMedium, "unknown", 0.5},
	}

	for _, tc := range tests {
		t.Run(tc.preferred+"_"+tc.actual, func(t *testing.T) {
			assert.InDelta(t, tc.want, difficultyScore(tc.preferred, tc.actual), 1e-9)
		})
	}
}

func TestFreshnessScore_Tiers(t *testing.T) {
	tests := []struct {
		uses int
		want float64
	}{
		{0, 1.0},
		{1, 0.8},
		{2, 0.6},
		{3, 0.4},
		{4, 0.2},
		{17, 0.2},
	}

	for _, tc := range tests {
		assert.InDelta(t, tc.want, freshnessScore(tc.uses), 1e-9, "uses=%d", tc.uses)
	}
}

func TestQualityScore_NudgedByObservedSuccess(t *testing.T) {
	base := activeTemplate("a", models.DifficultyMedium, models.TypeSort, 0.6)
	assert.InDelta(t, 0.6, qualityScore(base), 1e-9)

	played := activeTemplate("b", models.DifficultyMedium, models.TypeSort, 0.6)
	played.Plays = 10
	played.Correct = 9
	// 0.7*0.6 + 0.3*0.9
	assert.InDelta(t, 0.69, qualityScore(played), 1e-9)

	validated := activeTemplate("c", models.DifficultyMedium, models.TypeSort, 0.6)
	now := time.Now()
	validated.LastValidated = &now
	assert.InDelta(t, 0.65, qualityScore(validated), 1e-9)
}

func TestDiversityScore_FavorsUnderRepresentedTypes(t *testing.T) {
	selector, tracker := newTestSelector(t, newMockUsageRepo(), 11)
	sessionID := tracker.CreateSession("user-1", 3, "math")

	// Not enforced: neutral for everything.
	assert.InDelta(t, 0.5, selector.diversityScore(sessionID, models.TypeSort, false), 1e-9)

	// Session so far is all multiple-choice.
	tracker.MarkServed(sessionID, "t1", models.TypeMultipleChoice)
	tracker.MarkServed(sessionID, "t2", models.TypeMultipleChoice)
	tracker.MarkServed(sessionID, "t3", models.TypeMultipleChoice)

	overserved := selector.diversityScore(sessionID, models.TypeMultipleChoice, true)
	unseen := selector.diversityScore(sessionID, models.TypeSort, true)
	assert.Greater(t, unseen, overserved)
}
