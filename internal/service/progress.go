package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

// RecordStep добавляет этап в трекер материала. Это единственный способ изменить
// трекер; повторный вызов для того же события отклоняется таблицей переходов.
func (s *Service) RecordStep(ctx context.Context, itemID, userID string, step model.Step, note string, metadata map[string]string, rejectionReason string) (*model.ProgressTracker, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || userID == "" {
		return nil, fmt.Errorf("%w: item and user are required", model.ErrNotFound)
	}

	t, err := s.repo.UpdateTracker(ctx, itemID, userID, func(t *model.ProgressTracker) error {
		return t.Advance(model.StepEntry{
			Step:      step,
			Timestamp: s.now(),
			Notes:     note,
			Metadata:  metadata,
		}, rejectionReason)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("progress step recorded",
		zap.String("item_id", itemID),
		zap.String("user_id", userID),
		zap.String("step", string(step)),
	)
	return t, nil
}

// StartTracking создаёт трекер для нового материала пользователя.
func (s *Service) StartTracking(ctx context.Context, user model.AuthenticatedUser, itemID, note string) (*model.Timeline, error) {
	t, err := s.RecordStep(ctx, itemID, user.ID, model.StepInitiated, note, nil, "")
	if err != nil {
		return nil, err
	}
	return model.NewTimeline(t), nil
}

// GetTimeline возвращает историю трекера. Владелец видит свои материалы, администратор
// любые. Пустой ownerID означает самого пользователя. Если записи трекера нет, а
// createdAt задан, возвращается неявная история со стадией initiated.
func (s *Service) GetTimeline(ctx context.Context, user model.AuthenticatedUser, itemID, ownerID string, createdAt time.Time) (*model.Timeline, error) {
	if ownerID == "" {
		ownerID = user.ID
	}
	if ownerID != user.ID && !user.IsAdmin {
		return nil, fmt.Errorf("%w: tracker belongs to another user", model.ErrForbidden)
	}

	t, err := s.repo.GetTracker(ctx, itemID, ownerID)
	if errors.Is(err, model.ErrNotFound) && !createdAt.IsZero() {
		return model.ImplicitTimeline(itemID, ownerID, createdAt), nil
	}
	if err != nil {
		return nil, err
	}
	return model.NewTimeline(t), nil
}

// MarkUnderReview переводит оплаченный материал на рассмотрение.
func (s *Service) MarkUnderReview(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, note string) (*model.Timeline, error) {
	return s.adminStep(ctx, admin, itemID, ownerID, model.StepUnderReview, note, "")
}

// ApproveItem одобряет материал.
func (s *Service) ApproveItem(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, note string) (*model.Timeline, error) {
	return s.adminStep(ctx, admin, itemID, ownerID, model.StepApproved, note, "")
}

// RejectItem отклоняет материал с обязательной причиной.
func (s *Service) RejectItem(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, reason string) (*model.Timeline, error) {
	return s.adminStep(ctx, admin, itemID, ownerID, model.StepRejected, reason, reason)
}

func (s *Service) adminStep(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID string, step model.Step, note, reason string) (*model.Timeline, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}

	t, err := s.RecordStep(ctx, itemID, ownerID, step, note, map[string]string{"decided_by": admin.ID}, reason)
	if err != nil {
		return nil, err
	}

	s.logger.Info("item review step", zap.String("item_id", itemID), zap.String("step", string(step)),
		zap.String("admin_id", admin.ID))
	return model.NewTimeline(t), nil
}
