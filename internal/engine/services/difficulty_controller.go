package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lernzeit/adaptive-engine/internal/engine/metrics"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/internal/engine/repository"
	"github.com/lernzeit/adaptive-engine/pkg/config"
	"github.com/lernzeit/adaptive-engine/pkg/logger"
)

// Classification thresholds. Values are part of the adjustment contract and
// exercised directly by the tests.
const (
	strugglingAccuracy  = 0.6
	strugglingResponse  = 30.0 // seconds
	thrivingAccuracy    = 0.85
	thrivingStreak      = 3
	plateauTrendBand    = 0.1
	improvingTrend      = 0.1
	minSnapshots        = 3
	excessiveHelp       = 3
	fastResponseSeconds = 5.0
	slowResponseSeconds = 45.0
)

// classification is the outcome of one pattern-detection pass.
type classification struct {
	Pattern    string
	Confidence float64
}

// DifficultyController maintains per (learner, subject, grade) difficulty
// profiles, classifies recent behavior into a coarse pattern and applies
// bounded level adjustments. The in-memory profile is the source of truth
// for the running session; persistence failures are logged, never rolled
// back.
type DifficultyController struct {
	profiles repository.ProfileRepository
	tuning   config.DifficultyTuning
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cache   map[string]*models.DifficultyProfile
	history map[string][]models.PerformanceSnapshot

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDifficultyController creates a controller with an injected random
// source (seeded in tests, time-seeded in production).
func NewDifficultyController(profiles repository.ProfileRepository, tuning config.DifficultyTuning, m *metrics.Metrics, rng *rand.Rand) *DifficultyController {
	if m == nil {
		m = metrics.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DifficultyController{
		profiles: profiles,
		tuning:   tuning,
		metrics:  m,
		cache:    make(map[string]*models.DifficultyProfile),
		history:  make(map[string][]models.PerformanceSnapshot),
		rng:      rng,
	}
}

func profileKey(userID, category string, grade int) string {
	return fmt.Sprintf("%s|%s|%d", userID, category, grade)
}

// GetProfile returns the learner's profile, loading it from the store or
// lazily creating the default. A store failure degrades to the cached or
// default profile.
func (c *DifficultyController) GetProfile(ctx context.Context, userID, category string, grade int) *models.DifficultyProfile {
	key := profileKey(userID, category, grade)

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	profile, err := c.profiles.Get(ctx, userID, category, grade)
	if err != nil {
		logger.WithError(err).Warn("profile store unavailable, using default profile",
			zap.String("user_id", userID))
		profile = nil
	}
	if profile == nil {
		profile = &models.DifficultyProfile{
			UserID:       userID,
			Category:     category,
			Grade:        grade,
			CurrentLevel: c.tuning.InitialLevel,
			MasteryScore: c.tuning.InitialLevel,
			Strengths:    []string{},
			Weaknesses:   []string{},
			LastUpdated:  time.Now(),
		}
	}

	c.mu.Lock()
	c.cache[key] = profile
	c.mu.Unlock()
	return profile
}

// RecommendedDifficulty maps the continuous level onto the categorical
// difficulty the selector consumes.
func (c *DifficultyController) RecommendedDifficulty(ctx context.Context, userID, category string, grade int) string {
	profile := c.GetProfile(ctx, userID, category, grade)

	c.mu.Lock()
	level := profile.CurrentLevel
	c.mu.Unlock()

	switch {
	case level < 0.4:
		return models.DifficultyEasy
	case level < 0.7:
		return models.DifficultyMedium
	default:
		return models.DifficultyHard
	}
}

// RecordPerformance appends a snapshot to the rolling window.
func (c *DifficultyController) RecordPerformance(userID, category string, grade int, snapshot models.PerformanceSnapshot) {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now()
	}
	key := profileKey(userID, category, grade)

	c.mu.Lock()
	defer c.mu.Unlock()

	window := append(c.history[key], snapshot)
	if len(window) > c.tuning.HistorySize {
		window = window[len(window)-c.tuning.HistorySize:]
	}
	c.history[key] = window
}

// ResetHistory clears the rolling window, called at session start.
func (c *DifficultyController) ResetHistory(userID, category string, grade int) {
	key := profileKey(userID, category, grade)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, key)
}

// snapshotWindow copies the current window for lock-free computation.
func (c *DifficultyController) snapshotWindow(key string) []models.PerformanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := make([]models.PerformanceSnapshot, len(c.history[key]))
	copy(window, c.history[key])
	return window
}

// PerformAdaptiveAdjustment runs one adjustment cycle: classify the recent
// window, assemble a bounded delta, recompute strength/weakness labels and
// persist the profile.
func (c *DifficultyController) PerformAdaptiveAdjustment(ctx context.Context, userID, category string, grade int) *models.AdjustmentResult {
	key := profileKey(userID, category, grade)
	window := c.snapshotWindow(key)
	profile := c.GetProfile(ctx, userID, category, grade)

	cls := classify(window)
	delta := c.computeDelta(window, cls)

	strengths, weaknesses := assessLabels(window)
	trend := accuracyTrend(window)

	c.mu.Lock()
	newLevel := clampLevel(profile.CurrentLevel+delta, c.tuning.MinLevel, c.tuning.MaxLevel)
	profile.CurrentLevel = newLevel
	profile.LearningVelocity = trend
	if len(window) > 0 {
		profile.MasteryScore = clamp01(0.7*profile.MasteryScore + 0.3*meanAccuracy(window))
	}
	profile.Strengths = strengths
	profile.Weaknesses = weaknesses
	profile.LastUpdated = time.Now()
	snapshot := *profile
	c.mu.Unlock()

	c.persist(ctx, &snapshot)
	c.metrics.DifficultyAdjustments.WithLabelValues(cls.Pattern).Inc()

	return &models.AdjustmentResult{
		Pattern:    cls.Pattern,
		Confidence: cls.Confidence,
		Delta:      delta,
		NewLevel:   newLevel,
		Strengths:  strengths,
		Weaknesses: weaknesses,
	}
}

// ApplyUserFeedback is the fast path for explicit learner sentiment: a
// fixed delta per signal, applied and persisted immediately, bypassing the
// statistical classifier. The feedback-only range is narrower than the
// automatic one.
func (c *DifficultyController) ApplyUserFeedback(ctx context.Context, userID, category string, grade int, signal string) (float64, error) {
	var delta float64
	switch signal {
	case models.FeedbackTooHard:
		delta = c.tuning.TooHardDelta
	case models.FeedbackTooEasy:
		delta = c.tuning.TooEasyDelta
	case models.FeedbackThumbsUp:
		delta = c.tuning.ThumbsUpDelta
	case models.FeedbackThumbsDown:
		delta = c.tuning.ThumbsDownDelta
	default:
		return 0, fmt.Errorf("unknown feedback signal %q", signal)
	}

	profile := c.GetProfile(ctx, userID, category, grade)

	c.mu.Lock()
	profile.CurrentLevel = clampLevel(profile.CurrentLevel+delta, c.tuning.MinLevel, c.tuning.MaxFeedbackLevel)
	profile.LastUpdated = time.Now()
	newLevel := profile.CurrentLevel
	snapshot := *profile
	c.mu.Unlock()

	c.persist(ctx, &snapshot)
	c.metrics.Feedback.WithLabelValues(signal).Inc()
	return newLevel, nil
}

// persist writes the profile through and logs on failure. The in-memory
// state stays authoritative for the current session either way.
func (c *DifficultyController) persist(ctx context.Context, profile *models.DifficultyProfile) {
	if err := c.profiles.Upsert(ctx, profile); err != nil {
		logger.WithError(err).Warn("failed to persist difficulty profile",
			zap.String("user_id", profile.UserID),
			zap.String("category", profile.Category),
		)
	}
}

// classify buckets the window into one of the four qualitative patterns.
// Fewer than three snapshots default to improving with low confidence.
func classify(window []models.PerformanceSnapshot) classification {
	if len(window) < minSnapshots {
		return classification{Pattern: models.PatternImproving, Confidence: 0.3}
	}

	accuracy := meanAccuracy(window)
	responseTime := meanResponseTime(window)
	trend := accuracyTrend(window)

	switch {
	case accuracy < strugglingAccuracy && responseTime > strugglingResponse:
		return classification{Pattern: models.PatternStruggling, Confidence: 0.8}
	case accuracy >= thrivingAccuracy && maxStreak(window) >= thrivingStreak:
		return classification{Pattern: models.PatternThriving, Confidence: 0.9}
	case math.Abs(trend) < plateauTrendBand && accuracy > 0.5 && accuracy < 0.8:
		return classification{Pattern: models.PatternPlateauing, Confidence: 0.7}
	case trend > improvingTrend:
		return classification{Pattern: models.PatternImproving, Confidence: 0.8}
	default:
		return classification{Pattern: models.PatternPlateauing, Confidence: 0.5}
	}
}

// computeDelta assembles the bounded adjustment from accuracy/streak
// extremes, response-time extremes, the classified pattern and help usage.
func (c *DifficultyController) computeDelta(window []models.PerformanceSnapshot, cls classification) float64 {
	if len(window) == 0 {
		return 0
	}

	accuracy := meanAccuracy(window)
	responseTime := meanResponseTime(window)
	delta := 0.0

	// Accuracy and streak extremes
	switch {
	case accuracy >= 0.9 && maxStreak(window) >= 5:
		delta += 0.15
	case accuracy >= thrivingAccuracy:
		delta += 0.1
	case accuracy < 0.4:
		delta -= 0.15
	case accuracy < strugglingAccuracy:
		delta -= 0.1
	}

	// Response-time extremes
	switch {
	case responseTime > 0 && responseTime < fastResponseSeconds:
		delta += 0.05
	case responseTime > slowResponseSeconds:
		delta -= 0.1
	case responseTime > strugglingResponse:
		delta -= 0.05
	}

	// Pattern contribution
	switch cls.Pattern {
	case models.PatternStruggling:
		delta -= 0.15
	case models.PatternThriving:
		delta += 0.15
	case models.PatternImproving:
		delta += 0.05
	case models.PatternPlateauing:
		// Variety nudge so a plateau never becomes permanent.
		c.rngMu.Lock()
		if c.rng.Intn(2) == 0 {
			delta += 0.05
		} else {
			delta -= 0.05
		}
		c.rngMu.Unlock()
	}

	// Help usage
	if totalHelpRequests(window) > excessiveHelp {
		delta -= 0.1
	}

	return math.Max(-c.tuning.MaxDelta, math.Min(c.tuning.MaxDelta, delta))
}

// assessLabels recomputes the strength/weakness sets from fixed thresholds.
// The previous labels are overwritten, not accumulated.
func assessLabels(window []models.PerformanceSnapshot) ([]string, []string) {
	strengths := []string{}
	weaknesses := []string{}
	if len(window) == 0 {
		return strengths, weaknesses
	}

	accuracy := meanAccuracy(window)
	responseTime := meanResponseTime(window)

	if accuracy >= thrivingAccuracy {
		strengths = append(strengths, "accuracy")
	} else if accuracy < strugglingAccuracy {
		weaknesses = append(weaknesses, "accuracy")
	}

	if responseTime > 0 && responseTime <= 10 {
		strengths = append(strengths, "speed")
	} else if responseTime > strugglingResponse {
		weaknesses = append(weaknesses, "speed")
	}

	if maxStreak(window) >= 5 {
		strengths = append(strengths, "consistency")
	}
	if totalHelpRequests(window) > excessiveHelp {
		weaknesses = append(weaknesses, "independence")
	}

	return strengths, weaknesses
}

// accuracyTrend is the mean accuracy of the recent half minus the earlier
// half of the window.
func accuracyTrend(window []models.PerformanceSnapshot) float64 {
	if len(window) < 2 {
		return 0
	}
	mid := len(window) / 2
	earlier := window[:mid]
	recent := window[mid:]
	return meanAccuracy(recent) - meanAccuracy(earlier)
}

func meanAccuracy(window []models.PerformanceSnapshot) float64 {
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range window {
		sum += s.Accuracy
	}
	return sum / float64(len(window))
}

func meanResponseTime(window []models.PerformanceSnapshot) float64 {
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range window {
		sum += s.ResponseTime
	}
	return sum / float64(len(window))
}

func maxStreak(window []models.PerformanceSnapshot) int {
	best := 0
	for _, s := range window {
		if s.StreakCount > best {
			best = s.StreakCount
		}
	}
	return best
}

func totalHelpRequests(window []models.PerformanceSnapshot) int {
	total := 0
	for _, s := range window {
		total += s.HelpRequests
	}
	return total
}

func clampLevel(level, minLevel, maxLevel float64) float64 {
	return math.Max(minLevel, math.Min(maxLevel, level))
}
