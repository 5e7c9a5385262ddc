package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning is the single table of scoring weights and thresholds the engine
// components read. Every constant that shapes selection, difficulty or
// quality scoring lives here so the scoring contract stays auditable and
// each dimension can be tested in isolation.
type Tuning struct {
	Session    SessionTuning    `yaml:"session"`
	Selection  SelectionTuning  `yaml:"selection"`
	Difficulty DifficultyTuning `yaml:"difficulty"`
	Quality    QualityTuning    `yaml:"quality"`
}

type SessionTuning struct {
	// Timeout is the inactivity window after which a session is evicted.
	Timeout time.Duration `yaml:"timeout"`
}

// SelectionTuning holds the composite-score weights of the template
// selector. The four weights sum to 1.0.
type SelectionTuning struct {
	QualityWeight    float64 `yaml:"quality_weight"`
	FreshnessWeight  float64 `yaml:"freshness_weight"`
	DifficultyWeight float64 `yaml:"difficulty_weight"`
	DiversityWeight  float64 `yaml:"diversity_weight"`

	// MinQuality filters out templates below this base quality score.
	MinQuality float64 `yaml:"min_quality"`

	// FreshnessWindow is the trailing window for population-wide usage.
	FreshnessWindow time.Duration `yaml:"freshness_window"`
}

type DifficultyTuning struct {
	InitialLevel float64 `yaml:"initial_level"`
	MinLevel     float64 `yaml:"min_level"`
	MaxLevel     float64 `yaml:"max_level"`

	// MaxFeedbackLevel caps the level reachable through explicit feedback
	// alone; the automatic path may still go up to MaxLevel.
	MaxFeedbackLevel float64 `yaml:"max_feedback_level"`

	// MaxDelta bounds a single automatic adjustment in either direction.
	MaxDelta float64 `yaml:"max_delta"`

	// Feedback deltas, applied immediately on the fast path.
	TooHardDelta    float64 `yaml:"too_hard_delta"`
	TooEasyDelta    float64 `yaml:"too_easy_delta"`
	ThumbsUpDelta   float64 `yaml:"thumbs_up_delta"`
	ThumbsDownDelta float64 `yaml:"thumbs_down_delta"`

	// HistorySize bounds the rolling performance window.
	HistorySize int `yaml:"history_size"`
}

// QualityTuning carries one weight and one pass threshold per dimension.
// Weights sum to 1.0.
type QualityTuning struct {
	DifficultyWeight  float64 `yaml:"difficulty_weight"`
	EngagementWeight  float64 `yaml:"engagement_weight"`
	PedagogicalWeight float64 `yaml:"pedagogical_weight"`
	AccuracyWeight    float64 `yaml:"accuracy_weight"`
	ClarityWeight     float64 `yaml:"clarity_weight"`

	DifficultyThreshold  float64 `yaml:"difficulty_threshold"`
	EngagementThreshold  float64 `yaml:"engagement_threshold"`
	PedagogicalThreshold float64 `yaml:"pedagogical_threshold"`
	AccuracyThreshold    float64 `yaml:"accuracy_threshold"`
	ClarityThreshold     float64 `yaml:"clarity_threshold"`
}

// UnmarshalYAML parses the timeout from a duration string ("30m").
func (s *SessionTuning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid session timeout: %w", err)
		}
		s.Timeout = d
	}
	return nil
}

// UnmarshalYAML overlays only the fields present in the document, so a
// partial override keeps the defaults for the rest. The freshness window
// is parsed from a duration string ("24h").
func (s *SelectionTuning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		QualityWeight    *float64 `yaml:"quality_weight"`
		FreshnessWeight  *float64 `yaml:"freshness_weight"`
		DifficultyWeight *float64 `yaml:"difficulty_weight"`
		DiversityWeight  *float64 `yaml:"diversity_weight"`
		MinQuality       *float64 `yaml:"min_quality"`
		FreshnessWindow  string   `yaml:"freshness_window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.QualityWeight != nil {
		s.QualityWeight = *raw.QualityWeight
	}
	if raw.FreshnessWeight != nil {
		s.FreshnessWeight = *raw.FreshnessWeight
	}
	if raw.DifficultyWeight != nil {
		s.DifficultyWeight = *raw.DifficultyWeight
	}
	if raw.DiversityWeight != nil {
		s.DiversityWeight = *raw.DiversityWeight
	}
	if raw.MinQuality != nil {
		s.MinQuality = *raw.MinQuality
	}
	if raw.FreshnessWindow != "" {
		d, err := time.ParseDuration(raw.FreshnessWindow)
		if err != nil {
			return fmt.Errorf("invalid freshness window: %w", err)
		}
		s.FreshnessWindow = d
	}
	return nil
}

// DefaultTuning returns the production defaults.
func DefaultTuning() *Tuning {
	return &Tuning{
		Session: SessionTuning{
			Timeout: 30 * time.Minute,
		},
		Selection: SelectionTuning{
			QualityWeight:    0.30,
			FreshnessWeight:  0.25,
			DifficultyWeight: 0.20,
			DiversityWeight:  0.25,
			MinQuality:       0.3,
			FreshnessWindow:  24 * time.Hour,
		},
		Difficulty: DifficultyTuning{
			InitialLevel:     0.5,
			MinLevel:         0.1,
			MaxLevel:         1.0,
			MaxFeedbackLevel: 0.9,
			MaxDelta:         0.3,
			TooHardDelta:     -0.15,
			TooEasyDelta:     0.15,
			ThumbsUpDelta:    -0.05,
			ThumbsDownDelta:  0.05,
			HistorySize:      10,
		},
		Quality: QualityTuning{
			DifficultyWeight:  0.25,
			EngagementWeight:  0.20,
			PedagogicalWeight: 0.25,
			AccuracyWeight:    0.20,
			ClarityWeight:     0.10,

			DifficultyThreshold:  0.70,
			EngagementThreshold:  0.65,
			PedagogicalThreshold: 0.75,
			AccuracyThreshold:    0.80,
			ClarityThreshold:     0.70,
		},
	}
}

// LoadTuning returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults unchanged.
func LoadTuning(path string) (*Tuning, error) {
	tuning := DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, tuning); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file: %w", err)
	}
	if err := tuning.Validate(); err != nil {
		return nil, err
	}
	return tuning, nil
}

// Validate rejects tuning tables whose weights no longer form a convex
// combination.
func (t *Tuning) Validate() error {
	selSum := t.Selection.QualityWeight + t.Selection.FreshnessWeight +
		t.Selection.DifficultyWeight + t.Selection.DiversityWeight
	if selSum < 0.999 || selSum > 1.001 {
		return fmt.Errorf("selection weights sum to %.3f, want 1.0", selSum)
	}

	qSum := t.Quality.DifficultyWeight + t.Quality.EngagementWeight +
		t.Quality.PedagogicalWeight + t.Quality.AccuracyWeight + t.Quality.ClarityWeight
	if qSum < 0.999 || qSum > 1.001 {
		return fmt.Errorf("quality weights sum to %.3f, want 1.0", qSum)
	}

	if t.Difficulty.MinLevel >= t.Difficulty.MaxLevel {
		return fmt.Errorf("difficulty min level %.2f must be below max %.2f",
			t.Difficulty.MinLevel, t.Difficulty.MaxLevel)
	}
	return nil
}
