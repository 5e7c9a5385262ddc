package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lernzeit/adaptive-engine/internal/common/errors"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
)

// CandidateFilter narrows the template query to one curriculum slice.
type CandidateFilter struct {
	Grade        int
	Domain       string
	Quarter      string // empty: any quarter
	Difficulty   string // empty: any difficulty
	QuestionType string // empty: any type
	MinQuality   float64
	Limit        int
}

// TemplateRepository is the engine's read-mostly view of the external
// template store.
type TemplateRepository interface {
	FindCandidates(ctx context.Context, filter CandidateFilter) ([]*models.Template, error)
	IncrementPlays(ctx context.Context, templateID string, correct bool) error
	MarkValidated(ctx context.Context, templateID string, at time.Time) error
	Archive(ctx context.Context, templateIDs []string) (int64, error)
}

type templateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository creates a gorm-backed template repository
func NewTemplateRepository(db *gorm.DB) TemplateRepository {
	return &templateRepository{db: db}
}

// FindCandidates returns active templates matching the filter, best quality
// first.
func (r *templateRepository) FindCandidates(ctx context.Context, filter CandidateFilter) ([]*models.Template, error) {
	var templates []*models.Template

	query := r.db.WithContext(ctx).
		Where("status = ?", models.StatusActive).
		Where("grade = ?", filter.Grade).
		Where("domain = ?", filter.Domain).
		Where("quality_score >= ?", filter.MinQuality)

	if filter.Quarter != "" {
		query = query.Where("quarter = ?", filter.Quarter)
	}
	if filter.Difficulty != "" {
		query = query.Where("difficulty = ?", filter.Difficulty)
	}
	if filter.QuestionType != "" {
		query = query.Where("question_type = ?", filter.QuestionType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	result := query.Order("quality_score DESC").Limit(limit).Find(&templates)
	if result.Error != nil {
		return nil, errors.Internal("failed to fetch candidate templates", result.Error.Error())
	}

	return templates, nil
}

// IncrementPlays bumps the usage counters after a template was served and
// answered.
func (r *templateRepository) IncrementPlays(ctx context.Context, templateID string, correct bool) error {
	updates := map[string]interface{}{
		"plays": gorm.Expr("plays + 1"),
	}
	if correct {
		updates["correct"] = gorm.Expr("correct + 1")
	}

	result := r.db.WithContext(ctx).
		Model(&models.Template{}).
		Where("id = ?", templateID).
		Updates(updates)
	if result.Error != nil {
		return errors.Internal("failed to update template counters", result.Error.Error())
	}
	return nil
}

// MarkValidated records a successful quality validation pass.
func (r *templateRepository) MarkValidated(ctx context.Context, templateID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Template{}).
		Where("id = ?", templateID).
		Update("last_validated", at)
	if result.Error != nil {
		return errors.Internal("failed to mark template validated", result.Error.Error())
	}
	return nil
}

// Archive bulk-dequalifies persistently low-performing templates.
func (r *templateRepository) Archive(ctx context.Context, templateIDs []string) (int64, error) {
	if len(templateIDs) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.Template{}).
		Where("id IN ?", templateIDs).
		Update("status", models.StatusArchived)
	if result.Error != nil {
		return 0, errors.Internal("failed to archive templates", result.Error.Error())
	}
	return result.RowsAffected, nil
}
