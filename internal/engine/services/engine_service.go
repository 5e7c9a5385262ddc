package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lernzeit/adaptive-engine/internal/common/errors"
	"github.com/lernzeit/adaptive-engine/internal/engine/metrics"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/internal/engine/repository"
	"github.com/lernzeit/adaptive-engine/pkg/config"
	"github.com/lernzeit/adaptive-engine/pkg/logger"
)

// candidatePoolLimit caps how many templates one serving event loads.
const candidatePoolLimit = 200

// archiveQualityFloor and archiveMinPlays gate the low-performer sweep:
// only templates with enough plays to judge are archived.
const (
	archiveQualityFloor = 0.3
	archiveMinPlays     = 10
)

// EngineService is the facade the HTTP layer talks to. It owns the
// cross-component flows; the individual services stay independently
// testable.
type EngineService struct {
	tracker    *SessionTracker
	selector   *TemplateSelector
	controller *DifficultyController
	evaluator  *QualityEvaluator
	optimizer  *QualityOptimizer
	templates  repository.TemplateRepository
	tuning     *config.Tuning
	metrics    *metrics.Metrics
}

// NewEngineService wires the facade.
func NewEngineService(
	tracker *SessionTracker,
	selector *TemplateSelector,
	controller *DifficultyController,
	evaluator *QualityEvaluator,
	optimizer *QualityOptimizer,
	templates repository.TemplateRepository,
	tuning *config.Tuning,
	m *metrics.Metrics,
) *EngineService {
	if m == nil {
		m = metrics.NewNop()
	}
	return &EngineService{
		tracker:    tracker,
		selector:   selector,
		controller: controller,
		evaluator:  evaluator,
		optimizer:  optimizer,
		templates:  templates,
		tuning:     tuning,
		metrics:    m,
	}
}

// CreateSession opens a tracked session and returns its ID.
func (s *EngineService) CreateSession(req *models.CreateSessionRequest) *models.CreateSessionResponse {
	sessionID := s.tracker.CreateSession(req.UserID, req.Grade, req.Category)
	return &models.CreateSessionResponse{SessionID: sessionID}
}

// EndSession tears down a session explicitly. Ending an unknown or already
// expired session is not an error.
func (s *EngineService) EndSession(sessionID string) {
	s.tracker.Clear(sessionID)
}

// SessionStats returns the tracker snapshot for a session.
func (s *EngineService) SessionStats(sessionID string) (*models.SessionStats, error) {
	stats := s.tracker.GetStats(sessionID)
	if stats == nil {
		return nil, errors.NotFound("session")
	}
	return stats, nil
}

// NextTemplate runs one serving event: resolve the preferred difficulty
// from the learner's profile, load candidates and pick the best one. When
// the pool is exhausted the session's usage is reset once and selection
// retried, so long sessions keep getting content.
func (s *EngineService) NextTemplate(ctx context.Context, req *models.NextTemplateRequest) (*models.SelectionResult, error) {
	if s.tracker.Get(req.SessionID) == nil {
		return nil, errors.NotFound("session")
	}

	preferred := req.PreferredDifficulty
	if preferred == "" {
		preferred = s.controller.RecommendedDifficulty(ctx, req.UserID, req.Domain, req.Grade)
	}

	candidates, err := s.templates.FindCandidates(ctx, repository.CandidateFilter{
		Grade:      req.Grade,
		Domain:     req.Domain,
		Quarter:    req.Quarter,
		MinQuality: s.tuning.Selection.MinQuality,
		Limit:      candidatePoolLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.NotFound("template matching the requested grade and domain")
	}

	result := s.selector.SelectBest(ctx, candidates, req.UserID, req.SessionID, preferred, req.EnforceTypeDiversity, req.ExcludeTemplateIDs)
	if result == nil {
		logger.Info("candidate pool exhausted, resetting session usage",
			zap.String("session_id", req.SessionID),
			zap.Int("pool_size", len(candidates)),
		)
		s.tracker.ResetUsage(req.SessionID)
		s.metrics.Selections.WithLabelValues(metrics.OutcomeResetRetry).Inc()

		result = s.selector.SelectBest(ctx, candidates, req.UserID, req.SessionID, preferred, req.EnforceTypeDiversity, req.ExcludeTemplateIDs)
	}
	if result == nil {
		return nil, errors.NotFound("eligible template after usage reset")
	}
	return result, nil
}

// SubmitResult records one answer: session counters, template play stats,
// the performance window, then a full adaptive adjustment cycle.
func (s *EngineService) SubmitResult(ctx context.Context, req *models.SubmitResultRequest) (*models.AdjustmentResult, error) {
	if s.tracker.Get(req.SessionID) == nil {
		return nil, errors.NotFound("session")
	}
	s.tracker.RecordAnswer(req.SessionID)

	if req.TemplateID != "" {
		if err := s.templates.IncrementPlays(ctx, req.TemplateID, req.Correct); err != nil {
			logger.WithError(err).Warn("failed to update template play stats",
				zap.String("template_id", req.TemplateID))
		}
	}

	s.controller.RecordPerformance(req.UserID, req.Category, req.Grade, models.PerformanceSnapshot{
		Accuracy:        req.Accuracy,
		ResponseTime:    req.ResponseTime,
		ConfidenceLevel: req.Confidence,
		HelpRequests:    req.HelpRequests,
		StreakCount:     req.StreakCount,
		Timestamp:       time.Now(),
	})

	return s.controller.PerformAdaptiveAdjustment(ctx, req.UserID, req.Category, req.Grade), nil
}

// ApplyFeedback applies one explicit difficulty signal.
func (s *EngineService) ApplyFeedback(ctx context.Context, req *models.FeedbackRequest) (*models.FeedbackResponse, error) {
	newLevel, err := s.controller.ApplyUserFeedback(ctx, req.UserID, req.Category, req.Grade, req.Signal)
	if err != nil {
		return nil, err
	}
	return &models.FeedbackResponse{NewLevel: newLevel}, nil
}

// EvaluateQuality scores a batch of questions. A question that passes every
// dimension refreshes its template's validation timestamp, which feeds the
// selector's recent-validation bonus.
func (s *EngineService) EvaluateQuality(ctx context.Context, questions []*models.Question) []*models.QualityReport {
	reports := s.evaluator.EvaluateBatch(ctx, questions)

	now := time.Now()
	for i, report := range reports {
		if len(report.Recommendations) > 0 || questions[i].TemplateID == "" {
			continue
		}
		if err := s.templates.MarkValidated(ctx, questions[i].TemplateID, now); err != nil {
			logger.WithError(err).Warn("failed to record template validation",
				zap.String("template_id", questions[i].TemplateID))
		}
	}
	return reports
}

// OptimizeQuality rewrites a batch of questions that fall short.
func (s *EngineService) OptimizeQuality(ctx context.Context, questions []*models.Question) []*models.OptimizeResult {
	return s.optimizer.OptimizeBatch(ctx, questions)
}

// ArchiveLowPerformers retires templates whose observed quality stayed
// below the floor after enough plays. Returns how many were archived.
func (s *EngineService) ArchiveLowPerformers(ctx context.Context, candidates []*models.Template) (int64, error) {
	ids := make([]string, 0)
	for _, tmpl := range candidates {
		if tmpl.Plays < archiveMinPlays {
			continue
		}
		if qualityScore(tmpl) < archiveQualityFloor {
			ids = append(ids, tmpl.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	archived, err := s.templates.Archive(ctx, ids)
	if err != nil {
		return 0, err
	}
	logger.Info("archived low performing templates", zap.Int64("count", archived))
	return archived, nil
}
