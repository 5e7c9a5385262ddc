package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lernzeit/adaptive-engine/internal/common/errors"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
)

// UsageRepository is the append-only log of served templates backing the
// selector's population-wide freshness score.
type UsageRepository interface {
	RecordUsage(ctx context.Context, templateID, userID string) error
	GlobalUsageCounts(ctx context.Context, templateIDs []string, since time.Time) (map[string]int, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a gorm-backed usage log
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

// RecordUsage appends one usage row for a served template.
func (r *usageRepository) RecordUsage(ctx context.Context, templateID, userID string) error {
	usage := &models.TemplateUsage{
		TemplateID: templateID,
		UserID:     userID,
		UsedAt:     time.Now(),
	}

	result := r.db.WithContext(ctx).Create(usage)
	if result.Error != nil {
		return errors.Internal("failed to record template usage", result.Error.Error())
	}
	return nil
}

// GlobalUsageCounts returns, per template, how often the whole learner
// population saw it since the given time. Templates with no rows are absent
// from the map.
func (r *usageRepository) GlobalUsageCounts(ctx context.Context, templateIDs []string, since time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	if len(templateIDs) == 0 {
		return counts, nil
	}

	type row struct {
		TemplateID string
		Uses       int
	}
	var rows []row

	result := r.db.WithContext(ctx).
		Model(&models.TemplateUsage{}).
		Select("template_id", "COUNT(*) as uses").
		Where("template_id IN ?", templateIDs).
		Where("used_at >= ?", since).
		Group("template_id").
		Scan(&rows)
	if result.Error != nil {
		return nil, errors.Internal("failed to fetch usage counts", result.Error.Error())
	}

	for _, r := range rows {
		counts[r.TemplateID] = r.Uses
	}
	return counts, nil
}

// Prune drops usage rows older than the retention cutoff.
func (r *usageRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("used_at < ?", olderThan).
		Delete(&models.TemplateUsage{})
	if result.Error != nil {
		return 0, errors.Internal("failed to prune usage log", result.Error.Error())
	}
	return result.RowsAffected, nil
}
