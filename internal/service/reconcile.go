package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/gateway"
	"github.com/mmeshcher/campaign-billing/internal/metrics"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/notify"
)

// VerifyAndComplete сверяет заказ пользователя со шлюзом и, если оплата прошла,
// завершает его. Недоступность шлюза оставляет заказ в Pending.
func (s *Service) VerifyAndComplete(ctx context.Context, user model.AuthenticatedUser, reference string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	if o.UserID != user.ID && !user.IsAdmin {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, reference)
	}
	return s.verifyOrder(ctx, o, metrics.SourceVerify)
}

func (s *Service) verifyOrder(ctx context.Context, o *model.Order, source string) (*model.Order, error) {
	if o.Status == model.OrderCompleted {
		return o, nil
	}

	// Обращение к шлюзу выполняется вне каких-либо блокировок.
	vctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	v, err := s.gateway.Verify(vctx, o.Reference)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", model.ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	switch v.Status {
	case gateway.StatusSuccess:
		if !v.Amount.Equal(o.Summary.Total) {
			s.raiseAnomaly(ctx, notify.Anomaly{
				Kind:      notify.AnomalyAmountMismatch,
				Reference: o.Reference,
				UserID:    o.UserID,
				Message:   fmt.Sprintf("gateway amount %s, order total %s", v.Amount, o.Summary.Total),
			})
			return o, nil
		}
		return s.applyPaymentSuccess(ctx, o.Reference, v.Channel, source)
	case gateway.StatusFailed, gateway.StatusAbandoned:
		failed, applied, err := s.repo.FailOrder(ctx, o.Reference)
		if err != nil {
			return nil, err
		}
		if applied {
			s.logger.Info("order payment failed", zap.String("reference", o.Reference), zap.String("status", v.Status))
		}
		return failed, nil
	case gateway.StatusPending:
		return o, nil
	default:
		s.logger.Warn("unknown gateway payment status",
			zap.String("reference", o.Reference), zap.String("status", v.Status))
		return o, nil
	}
}

// HandleCallback обрабатывает вебхук шлюза. Ошибка возвращается только для неверной
// подписи, неразборчивого тела или сбоя основного перехода; все прочие случаи,
// включая неизвестную ссылку и повторную доставку, подтверждаются.
func (s *Service) HandleCallback(ctx context.Context, payload []byte, signature string) error {
	if err := s.gateway.VerifySignature(payload, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		return err
	}

	ev, err := s.gateway.ParseEvent(payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid_payload").Inc()
		return fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	if ev.Name != gateway.EventChargeSuccess {
		metrics.WebhookEvents.WithLabelValues("ignored").Inc()
		return nil
	}

	o, err := s.repo.GetOrder(ctx, ev.Reference)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.WebhookEvents.WithLabelValues("unknown_reference").Inc()
			s.raiseAnomaly(ctx, notify.Anomaly{
				Kind:      notify.AnomalyUnknownReference,
				Reference: ev.Reference,
				Message:   "charge.success for unknown order",
			})
			return nil
		}
		return err
	}

	if o.Status == model.OrderCompleted {
		metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
		return nil
	}

	if !ev.Amount.Equal(o.Summary.Total) {
		metrics.WebhookEvents.WithLabelValues("amount_mismatch").Inc()
		s.raiseAnomaly(ctx, notify.Anomaly{
			Kind:      notify.AnomalyAmountMismatch,
			Reference: o.Reference,
			UserID:    o.UserID,
			Message:   fmt.Sprintf("webhook amount %s, order total %s", ev.Amount, o.Summary.Total),
		})
		return nil
	}

	if _, err := s.applyPaymentSuccess(ctx, o.Reference, ev.Channel, metrics.SourceWebhook); err != nil {
		metrics.WebhookEvents.WithLabelValues(metrics.OutcomeError).Inc()
		return err
	}

	metrics.WebhookEvents.WithLabelValues(metrics.OutcomeOK).Inc()
	return nil
}

// applyPaymentSuccess применяет подтверждённую оплату для сверки,
// вебхука и фоновой проверки. Вторичные эффекты выполняет только вызов, который
// действительно перевёл заказ в Completed.
func (s *Service) applyPaymentSuccess(ctx context.Context, reference, channel, source string) (*model.Order, error) {
	o, applied, err := s.repo.CompleteOrder(ctx, reference, channel, s.now())
	if err != nil {
		return nil, err
	}
	if !applied {
		return o, nil
	}

	metrics.OrdersCompleted.WithLabelValues(source).Inc()
	s.logger.Info("order completed", zap.String("reference", reference), zap.String("source", source))

	s.runSecondaryEffects(ctx, o)
	return o, nil
}

func (s *Service) runSecondaryEffects(ctx context.Context, o *model.Order) {
	// Отмена запроса не должна прерывать уже подтверждённую оплату.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.SecondaryTimeout)
	defer cancel()

	tasks := []notify.RetryTask{{Effect: notify.EffectClearCart, Reference: o.Reference, UserID: o.UserID}}
	if o.LinkedItemID != "" {
		tasks = append([]notify.RetryTask{{
			Effect:    notify.EffectAdvanceTracker,
			Reference: o.Reference,
			UserID:    o.UserID,
			ItemID:    o.LinkedItemID,
		}}, tasks...)
	}

	for _, task := range tasks {
		task.Attempt = 1
		if err := s.runEffect(ctx, task); err != nil {
			s.secondaryFailed(ctx, task, err)
		}
	}
}

func (s *Service) runEffect(ctx context.Context, task notify.RetryTask) error {
	switch task.Effect {
	case notify.EffectAdvanceTracker:
		return s.markPaymentCompleted(ctx, task.ItemID, task.UserID, task.Reference)
	case notify.EffectClearCart:
		return s.repo.ClearCart(ctx, task.UserID)
	default:
		return fmt.Errorf("%w: unknown secondary effect %q", model.ErrInvalidPayload, task.Effect)
	}
}

func (s *Service) markPaymentCompleted(ctx context.Context, itemID, userID, reference string) error {
	_, err := s.repo.UpdateTracker(ctx, itemID, userID, func(t *model.ProgressTracker) error {
		if t.CurrentStep.Reached(model.StepPaymentCompleted) {
			return nil
		}

		now := s.now()
		meta := map[string]string{model.MetaReference: reference}
		if !t.Exists() {
			if err := t.Advance(model.StepEntry{Step: model.StepInitiated, Timestamp: now}, ""); err != nil {
				return err
			}
		}
		if t.CurrentStep == model.StepInitiated {
			if err := t.Advance(model.StepEntry{Step: model.StepPaymentPending, Timestamp: now, Metadata: meta}, ""); err != nil {
				return err
			}
		}
		return t.Advance(model.StepEntry{
			Step:      model.StepPaymentCompleted,
			Timestamp: now,
			Notes:     "payment confirmed",
			Metadata:  meta,
		}, "")
	})
	return err
}

func (s *Service) secondaryFailed(ctx context.Context, task notify.RetryTask, err error) {
	metrics.SecondaryEffectFailures.WithLabelValues(task.Effect).Inc()
	s.logger.Error("secondary effect error", zap.Error(err),
		zap.String("effect", task.Effect),
		zap.String("reference", task.Reference),
		zap.Int("attempt", task.Attempt),
	)

	task.LastError = err.Error()
	if task.Attempt >= s.opts.MaxSecondaryAttempts {
		s.raiseAnomaly(ctx, notify.Anomaly{
			Kind:      notify.AnomalyRetryExhausted,
			Reference: task.Reference,
			UserID:    task.UserID,
			Message:   fmt.Sprintf("%s failed after %d attempts: %s", task.Effect, task.Attempt, task.LastError),
		})
		return
	}

	if err := s.notifier.EnqueueRetry(ctx, task); err != nil {
		s.logger.Error("enqueue secondary retry error", zap.Error(err),
			zap.String("effect", task.Effect), zap.String("reference", task.Reference))
	}
}

// RetrySecondaryEffect повторяет вторичный эффект из очереди. Неудачная попытка снова
// ставится в очередь, пока не исчерпан лимит попыток.
func (s *Service) RetrySecondaryEffect(ctx context.Context, task notify.RetryTask) error {
	if task.Effect != notify.EffectAdvanceTracker && task.Effect != notify.EffectClearCart {
		return fmt.Errorf("%w: unknown secondary effect %q", model.ErrInvalidPayload, task.Effect)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SecondaryTimeout)
	defer cancel()

	task.Attempt++
	if err := s.runEffect(ctx, task); err != nil {
		s.secondaryFailed(ctx, task, err)
		return nil
	}

	s.logger.Info("secondary effect retried",
		zap.String("effect", task.Effect),
		zap.String("reference", task.Reference),
		zap.Int("attempt", task.Attempt),
	)
	return nil
}

// StartPendingSweep периодически сверяет заказы, застрявшие в Pending, и догоняет
// трекеры оплаченных заказов. Блокируется до отмены ctx.
func (s *Service) StartPendingSweep(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepPendingOrders(ctx)
			s.repairTrackers(ctx)
		}
	}
}

func (s *Service) sweepPendingOrders(ctx context.Context) {
	orders, err := s.repo.ListPendingOrders(ctx, s.now().Add(-s.opts.SweepMinAge), s.opts.SweepBatch)
	if err != nil {
		s.logger.Error("list pending orders error", zap.Error(err))
		return
	}

	for i := range orders {
		if ctx.Err() != nil {
			return
		}

		_, err := s.verifyOrder(ctx, &orders[i], metrics.SourceSweep)
		if err == nil {
			continue
		}
		if errors.Is(err, model.ErrGatewayUnavailable) {
			s.logger.Warn("pending sweep paused, gateway unavailable", zap.Error(err))
			return
		}
		s.logger.Error("pending sweep verify error", zap.Error(err), zap.String("reference", orders[i].Reference))
	}
}

// repairTrackers продвигает трекеры заказов, завершённых без вторичного эффекта,
// например после падения процесса сразу за CompleteOrder. Корзина не очищается
// повторно: пользователь мог уже наполнить новую.
func (s *Service) repairTrackers(ctx context.Context) {
	now := s.now()
	orders, err := s.repo.ListCompletedOrdersBehindTracker(ctx,
		now.Add(-s.opts.TrackerRepairWindow), now.Add(-s.opts.SweepMinAge), s.opts.SweepBatch)
	if err != nil {
		s.logger.Error("list orders behind tracker error", zap.Error(err))
		return
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		if err := s.markPaymentCompleted(ctx, o.LinkedItemID, o.UserID, o.Reference); err != nil {
			s.logger.Error("tracker repair error", zap.Error(err),
				zap.String("reference", o.Reference), zap.String("item_id", o.LinkedItemID))
			continue
		}
		metrics.TrackerRepairs.Inc()
		s.logger.Info("tracker repaired", zap.String("reference", o.Reference), zap.String("item_id", o.LinkedItemID))
	}
}
