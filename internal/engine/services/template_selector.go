package services

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lernzeit/adaptive-engine/internal/engine/metrics"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/internal/engine/repository"
	"github.com/lernzeit/adaptive-engine/pkg/config"
	"github.com/lernzeit/adaptive-engine/pkg/logger"
)

// difficultyMatch is the fixed compatibility matrix between the preferred
// difficulty and a template's difficulty. Exact match scores 1.0, adjacent
// tiers 0.7-0.8, opposite tiers 0.3.
var difficultyMatch = map[string]map[string]float64{
	models.DifficultyEasy: {
		models.DifficultyEasy:   1.0,
		models.DifficultyMedium: 0.7,
		models.DifficultyHard:   0.3,
	},
	models.DifficultyMedium: {
		models.DifficultyEasy:   0.8,
		models.DifficultyMedium: 1.0,
		models.DifficultyHard:   0.7,
	},
	models.DifficultyHard: {
		models.DifficultyEasy:   0.3,
		models.DifficultyMedium: 0.8,
		models.DifficultyHard:   1.0,
	},
}

// TemplateSelector picks the best next template from a candidate pool using
// a weighted composite of quality, freshness, difficulty match and type
// diversity. Exhaustion is an expected steady state: it is reported as a
// nil result, never as an error.
type TemplateSelector struct {
	tracker *SessionTracker
	usage   repository.UsageRepository
	tuning  config.SelectionTuning
	metrics *metrics.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewTemplateSelector creates a selector. The random source is injected so
// tests can seed it; production passes rand.New(rand.NewSource(time.Now().UnixNano())).
func NewTemplateSelector(tracker *SessionTracker, usage repository.UsageRepository, tuning config.SelectionTuning, m *metrics.Metrics, rng *rand.Rand) *TemplateSelector {
	if m == nil {
		m = metrics.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &TemplateSelector{
		tracker: tracker,
		usage:   usage,
		tuning:  tuning,
		metrics: m,
		rng:     rng,
	}
}

// SelectBest scores the eligible candidates and returns the winner, or nil
// when the pool is exhausted. On selection the template is marked used in
// the session and appended to the population-wide usage log.
func (s *TemplateSelector) SelectBest(ctx context.Context, candidates []*models.Template, userID, sessionID, preferredDifficulty string, enforceTypeDiversity bool, exclude []string) *models.SelectionResult {
	eligible := s.filterEligible(candidates, sessionID, exclude)
	if len(eligible) == 0 {
		s.metrics.Selections.WithLabelValues(metrics.OutcomeExhausted).Inc()
		return nil
	}

	usageCounts := s.usageCounts(ctx, eligible)

	var best *models.SelectionResult
	for _, tmpl := range eligible {
		quality := qualityScore(tmpl)
		freshness := freshnessScore(usageCounts[tmpl.ID])
		difficulty := difficultyScore(preferredDifficulty, tmpl.Difficulty)
		diversity := s.diversityScore(sessionID, tmpl.QuestionType, enforceTypeDiversity)

		composite := s.tuning.QualityWeight*quality +
			s.tuning.FreshnessWeight*freshness +
			s.tuning.DifficultyWeight*difficulty +
			s.tuning.DiversityWeight*diversity

		result := &models.SelectionResult{
			Template:       tmpl,
			Reason:         buildReason(quality, freshness, difficulty, diversity),
			CompositeScore: composite,
			QualityScore:   quality,
			DiversityScore: diversity,
		}

		if s.beats(result, best) {
			best = result
		}
	}

	s.tracker.MarkServed(sessionID, best.Template.ID, best.Template.QuestionType)
	if err := s.usage.RecordUsage(ctx, best.Template.ID, userID); err != nil {
		// Freshness degrades slightly without the row; selection stands.
		logger.WithError(err).Warn("failed to record template usage",
			zap.String("template_id", best.Template.ID))
	}

	s.metrics.Selections.WithLabelValues(metrics.OutcomeSelected).Inc()
	return best
}

// filterEligible drops inactive, low-quality, already-served and explicitly
// excluded templates.
func (s *TemplateSelector) filterEligible(candidates []*models.Template, sessionID string, exclude []string) []*models.Template {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	eligible := make([]*models.Template, 0, len(candidates))
	for _, tmpl := range candidates {
		if tmpl == nil || tmpl.Status != models.StatusActive {
			continue
		}
		if tmpl.QualityScore < s.tuning.MinQuality {
			continue
		}
		if _, ok := excluded[tmpl.ID]; ok {
			continue
		}
		if s.tracker.IsUsed(sessionID, tmpl.ID) {
			continue
		}
		eligible = append(eligible, tmpl)
	}
	return eligible
}

// usageCounts fetches population-wide usage inside the freshness window.
// A store failure degrades to "everything is fresh" rather than aborting.
func (s *TemplateSelector) usageCounts(ctx context.Context, eligible []*models.Template) map[string]int {
	ids := make([]string, len(eligible))
	for i, tmpl := range eligible {
		ids[i] = tmpl.ID
	}

	since := time.Now().Add(-s.tuning.FreshnessWindow)
	counts, err := s.usage.GlobalUsageCounts(ctx, ids, since)
	if err != nil {
		logger.WithError(err).Warn("usage counts unavailable, treating candidates as fresh")
		return map[string]int{}
	}
	return counts
}

// beats implements the ordering: highest composite score wins, ties go to
// the higher raw quality score, remaining ties are broken by the injected
// random source to avoid serving order artifacts.
func (s *TemplateSelector) beats(challenger, incumbent *models.SelectionResult) bool {
	if incumbent == nil {
		return true
	}
	if challenger.CompositeScore != incumbent.CompositeScore {
		return challenger.CompositeScore > incumbent.CompositeScore
	}
	if challenger.QualityScore != incumbent.QualityScore {
		return challenger.QualityScore > incumbent.QualityScore
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(2) == 0
}

// qualityScore nudges the stored base quality toward the observed success
// ratio and adds a small bonus for recently validated templates.
func qualityScore(tmpl *models.Template) float64 {
	score := tmpl.QualityScore

	if tmpl.Plays > 0 {
		ratio := float64(tmpl.Correct) / float64(tmpl.Plays)
		score = 0.7*score + 0.3*ratio
	}

	if tmpl.LastValidated != nil && time.Since(*tmpl.LastValidated) < 7*24*time.Hour {
		score += 0.05
	}

	return clamp01(score)
}

// freshnessScore tiers by how often the whole population saw the template
// inside the trailing window: 0 uses scores 1.0, each use costs 0.2 down to
// a floor of 0.2.
func freshnessScore(uses int) float64 {
	switch {
	case uses <= 0:
		return 1.0
	case uses == 1:
		return 0.8
	case uses == 2:
		return 0.6
	case uses == 3:
		return 0.4
	default:
		return 0.2
	}
}

// difficultyScore reads the fixed compatibility matrix. Unknown categories
// score a neutral 0.5.
func difficultyScore(preferred, actual string) float64 {
	row, ok := difficultyMatch[preferred]
	if !ok {
		return 0.5
	}
	score, ok := row[actual]
	if !ok {
		return 0.5
	}
	return score
}

// diversityScore rewards question types under-represented in the session
// relative to a uniform share across the known type set.
func (s *TemplateSelector) diversityScore(sessionID, questionType string, enforce bool) float64 {
	if !enforce {
		return 0.5
	}

	ideal := 1.0 / float64(len(models.KnownQuestionTypes))
	actual, total := s.tracker.TypeShare(sessionID, questionType)
	if total == 0 {
		// Nothing served yet: every type is equally welcome.
		return math.Max(0, 1-2*ideal)
	}
	return math.Max(0, 1-2*math.Abs(actual-ideal))
}

// buildReason names the sub-scores that carried the selection.
func buildReason(quality, freshness, difficulty, diversity float64) string {
	var parts []string
	if quality > 0.8 {
		parts = append(parts, "high quality")
	}
	if freshness > 0.8 {
		parts = append(parts, "rarely seen recently")
	}
	if difficulty > 0.8 {
		parts = append(parts, "difficulty fit")
	}
	if diversity > 0.8 {
		parts = append(parts, "adds question variety")
	}
	if len(parts) == 0 {
		return "best composite score"
	}
	return strings.Join(parts, ", ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
