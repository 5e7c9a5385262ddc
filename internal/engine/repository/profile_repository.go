package repository

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lernzeit/adaptive-engine/internal/common/errors"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
)

// ProfileRepository persists per (learner, subject, grade) difficulty
// profiles.
type ProfileRepository interface {
	Get(ctx context.Context, userID, category string, grade int) (*models.DifficultyProfile, error)
	Upsert(ctx context.Context, profile *models.DifficultyProfile) error
}

type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a gorm-backed profile repository
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// Get returns the stored profile, or nil when none exists yet. Absence is
// not an error: the controller creates a default profile lazily.
func (r *profileRepository) Get(ctx context.Context, userID, category string, grade int) (*models.DifficultyProfile, error) {
	var profile models.DifficultyProfile

	result := r.db.WithContext(ctx).
		Where("user_id = ? AND category = ? AND grade = ?", userID, category, grade).
		First(&profile)
	if result.Error != nil {
		if stderrors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Internal("failed to fetch difficulty profile", result.Error.Error())
	}

	return &profile, nil
}

// Upsert writes the profile, keyed on (user, category, grade).
func (r *profileRepository) Upsert(ctx context.Context, profile *models.DifficultyProfile) error {
	profile.LastUpdated = time.Now()

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "category"}, {Name: "grade"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"current_level", "mastery_score", "learning_velocity",
				"strengths", "weaknesses", "last_updated",
			}),
		}).
		Create(profile)
	if result.Error != nil {
		return errors.Internal("failed to persist difficulty profile", result.Error.Error())
	}
	return nil
}
