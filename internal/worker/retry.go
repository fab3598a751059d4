// Package worker выполняет отложенные вторичные эффекты оплаты из очереди NATS.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/notify"
)

// QueueGroup объединяет экземпляры сервиса: задачу получает только один из них.
const QueueGroup = "billing_retry"

// drainTimeout ограничивает ожидание уже полученных задач при остановке.
const drainTimeout = 30 * time.Second

// Retrier повторяет вторичный эффект.
type Retrier interface {
	RetrySecondaryEffect(ctx context.Context, task notify.RetryTask) error
}

// RetryWorker читает задачи из notify.SubjectSecondaryRetry.
type RetryWorker struct {
	svc     Retrier
	nc      *nats.Conn
	logger  *zap.Logger
	backoff time.Duration
}

// NewRetryWorker создаёт обработчик. Перед повтором задача ждёт backoff*attempt.
func NewRetryWorker(svc Retrier, nc *nats.Conn, logger *zap.Logger, backoff time.Duration) *RetryWorker {
	return &RetryWorker{svc: svc, nc: nc, logger: logger, backoff: backoff}
}

// Start подписывается на очередь и блокируется до отмены ctx. После отмены
// подписка дренируется: полученные задачи дорабатываются до конца.
func (w *RetryWorker) Start(ctx context.Context) error {
	sub, err := w.nc.QueueSubscribe(notify.SubjectSecondaryRetry, QueueGroup, func(m *nats.Msg) {
		if err := w.handleMessage(ctx, m.Data); err != nil {
			w.logger.Error("secondary retry failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", notify.SubjectSecondaryRetry, err)
	}
	w.logger.Info("retry worker started", zap.String("subject", notify.SubjectSecondaryRetry))

	<-ctx.Done()
	w.logger.Info("retry worker draining")
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	deadline := time.Now().Add(drainTimeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			w.logger.Warn("retry worker drain timed out", zap.Duration("timeout", drainTimeout))
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// handleMessage не наследует отмену ctx: задача, снятая с очереди, иначе потерялась бы.
func (w *RetryWorker) handleMessage(ctx context.Context, data []byte) error {
	ctx = context.WithoutCancel(ctx)

	var task notify.RetryTask
	if err := json.Unmarshal(data, &task); err != nil {
		return fmt.Errorf("decode retry task: %w", err)
	}

	if delay := w.backoff * time.Duration(task.Attempt); delay > 0 {
		time.Sleep(delay)
	}

	if err := w.svc.RetrySecondaryEffect(ctx, task); err != nil {
		return fmt.Errorf("%s for %s: %w", task.Effect, task.Reference, err)
	}
	return nil
}
