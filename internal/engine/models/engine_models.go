package models

import (
	"time"
)

// Difficulty categories (AFB I-III maps onto the same three tiers)
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Question types known to the selector's diversity scoring
const (
	TypeMultipleChoice = "multiple-choice"
	TypeFreeText       = "free-text"
	TypeSort           = "sort"
	TypeMatch          = "match"
)

// KnownQuestionTypes is the type set the diversity score targets a uniform
// share across.
var KnownQuestionTypes = []string{TypeMultipleChoice, TypeFreeText, TypeSort, TypeMatch}

// Template statuses
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Feedback signals accepted by the difficulty fast path
const (
	FeedbackTooHard    = "too_hard"
	FeedbackTooEasy    = "too_easy"
	FeedbackThumbsUp   = "thumbs_up"
	FeedbackThumbsDown = "thumbs_down"
)

// Behavior patterns the difficulty controller classifies into
const (
	PatternStruggling = "struggling"
	PatternThriving   = "thriving"
	PatternPlateauing = "plateauing"
	PatternImproving  = "improving"
)

// Template is an exercise definition owned by the external store. The
// engine reads it and only ever writes back usage counters, validation
// timestamps and archival of persistently weak templates.
type Template struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	Domain        string     `gorm:"index" json:"domain"`
	Grade         int        `gorm:"index" json:"grade"`
	Quarter       string     `json:"quarter"` // Q1-Q4
	Difficulty    string     `json:"difficulty"` // easy, medium, hard
	QuestionType  string     `json:"question_type"`
	Status        string     `gorm:"index;default:active" json:"status"`
	QualityScore  float64    `json:"quality_score"` // 0-1
	Plays         int        `json:"plays"`
	Correct       int        `json:"correct"`
	LastValidated *time.Time `json:"last_validated,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TemplateUsage is one row per served template, backing the population-wide
// freshness window of the selector.
type TemplateUsage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TemplateID string    `gorm:"index:idx_usage_template_time" json:"template_id"`
	UserID     string    `gorm:"index" json:"user_id"`
	UsedAt     time.Time `gorm:"index:idx_usage_template_time" json:"used_at"`
}

// DifficultyProfile is the per (learner, subject, grade) calibration state.
type DifficultyProfile struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           string    `gorm:"index:idx_profile_key,unique" json:"user_id"`
	Category         string    `gorm:"index:idx_profile_key,unique" json:"category"`
	Grade            int       `gorm:"index:idx_profile_key,unique" json:"grade"`
	CurrentLevel     float64   `json:"current_level"` // clamped to [0.1, 1.0]
	MasteryScore     float64   `json:"mastery_score"`
	LearningVelocity float64   `json:"learning_velocity"` // signed accuracy trend
	Strengths        []string  `gorm:"serializer:json" json:"strengths"`
	Weaknesses       []string  `gorm:"serializer:json" json:"weaknesses"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Session is a bounded play period for one learner. It lives in process
// memory only and is owned by the session tracker.
type Session struct {
	SessionID          string              `json:"session_id"`
	UserID             string              `json:"user_id"`
	Grade              int                 `json:"grade"`
	SubjectCategory    string              `json:"subject_category"`
	UsedTemplateIDs    map[string]struct{} `json:"-"`
	UsedQuestionHashes map[string]struct{} `json:"-"`
	TypeCounts         map[string]int      `json:"-"`
	QuestionsAnswered  int                 `json:"questions_answered"`
	StartTime          time.Time           `json:"start_time"`
	LastActivity       time.Time           `json:"last_activity"`
}

// PerformanceSnapshot is one rolling-window entry of observed performance.
type PerformanceSnapshot struct {
	Accuracy        float64   `json:"accuracy"`
	ResponseTime    float64   `json:"response_time"` // seconds, mean
	ConfidenceLevel float64   `json:"confidence_level"`
	HelpRequests    int       `json:"help_requests"`
	StreakCount     int       `json:"streak_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// Question is the generated content the quality evaluator scores. The
// generation collaborator produced it; the engine treats text as opaque.
type Question struct {
	ID           string   `json:"id"`
	TemplateID   string   `json:"template_id"`
	Text         string   `json:"text"`
	Answer       string   `json:"answer"`
	Options      []string `json:"options,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
	QuestionType string   `json:"question_type"`
	Grade        int      `json:"grade"`
}

// Recommendation is one prioritized fix suggestion from the evaluator.
type Recommendation struct {
	Type     string `json:"type"` // content, difficulty, structure, engagement
	Priority int    `json:"priority"` // 1 = highest
	Message  string `json:"message"`
	Action   string `json:"action"`
}

// QualityReport aggregates the five dimension scores for one question.
type QualityReport struct {
	QuestionID      string             `json:"question_id"`
	OverallScore    float64            `json:"overall_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	ConfidenceLevel float64            `json:"confidence_level"`
	Recommendations []Recommendation   `json:"recommendations"`
}

// OptimizeResult reports what the optimizer changed for one question.
type OptimizeResult struct {
	Original         *Question `json:"original"`
	Optimized        *Question `json:"optimized"`
	ImprovementDelta float64   `json:"improvement_delta"`
	AppliedActions   []string  `json:"applied_actions"`
}

// SessionStats is the tracker's snapshot of one active session.
type SessionStats struct {
	SessionID         string        `json:"session_id"`
	UserID            string        `json:"user_id"`
	TemplatesUsed     int           `json:"templates_used"`
	QuestionsAnswered int           `json:"questions_answered"`
	Duration          time.Duration `json:"duration"`
	StartTime         time.Time     `json:"start_time"`
	LastActivity      time.Time     `json:"last_activity"`
}

// SelectionResult is the selector's answer for one serving event. A nil
// result (not an error) signals candidate exhaustion.
type SelectionResult struct {
	Template       *Template `json:"template"`
	Reason         string    `json:"reason"`
	CompositeScore float64   `json:"composite_score"`
	QualityScore   float64   `json:"quality_score"`
	DiversityScore float64   `json:"diversity_score"`
}

// AdjustmentResult reports one difficulty adjustment cycle.
type AdjustmentResult struct {
	Pattern    string   `json:"pattern"`
	Confidence float64  `json:"confidence"`
	Delta      float64  `json:"delta"`
	NewLevel   float64  `json:"new_level"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

// Request/Response models

type CreateSessionRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Grade    int    `json:"grade" binding:"required,gte=1,lte=13"`
	Category string `json:"category" binding:"required"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type NextTemplateRequest struct {
	UserID               string   `json:"user_id" binding:"required"`
	SessionID            string   `json:"session_id" binding:"required"`
	Grade                int      `json:"grade" binding:"required,gte=1,lte=13"`
	Domain               string   `json:"domain" binding:"required"`
	Quarter              string   `json:"quarter"`
	PreferredDifficulty  string   `json:"preferred_difficulty" binding:"omitempty,oneof=easy medium hard"`
	EnforceTypeDiversity bool     `json:"enforce_type_diversity"`
	ExcludeTemplateIDs   []string `json:"exclude_template_ids"`
}

type SubmitResultRequest struct {
	UserID       string  `json:"user_id" binding:"required"`
	SessionID    string  `json:"session_id" binding:"required"`
	TemplateID   string  `json:"template_id"`
	Correct      bool    `json:"correct"`
	Category     string  `json:"category" binding:"required"`
	Grade        int     `json:"grade" binding:"required,gte=1,lte=13"`
	Accuracy     float64 `json:"accuracy" binding:"gte=0,lte=1"`
	ResponseTime float64 `json:"response_time" binding:"gte=0"`
	Confidence   float64 `json:"confidence" binding:"gte=0,lte=1"`
	HelpRequests int     `json:"help_requests" binding:"gte=0"`
	StreakCount  int     `json:"streak_count" binding:"gte=0"`
}

type FeedbackRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Category string `json:"category" binding:"required"`
	Grade    int    `json:"grade" binding:"required,gte=1,lte=13"`
	Signal   string `json:"signal" binding:"required,oneof=too_hard too_easy thumbs_up thumbs_down"`
}

type FeedbackResponse struct {
	NewLevel float64 `json:"new_level"`
}
