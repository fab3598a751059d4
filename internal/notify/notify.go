// Package notify доставляет сигналы об аномалиях операторам и задачи повторного
// выполнения вторичных эффектов оплаты.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Темы NATS.
const (
	SubjectAnomalies      = "billing.anomalies"
	SubjectSecondaryRetry = "billing.secondary.retry"
)

// Виды аномалий.
const (
	AnomalyUnknownReference = "unknown_reference"
	AnomalyAmountMismatch   = "amount_mismatch"
	AnomalyRetryExhausted   = "secondary_effect_exhausted"
)

// Вторичные эффекты подтверждённой оплаты.
const (
	EffectAdvanceTracker = "advance_tracker"
	EffectClearCart      = "clear_cart"
)

// Anomaly описывает событие, требующее внимания оператора.
type Anomaly struct {
	Kind      string    `json:"kind"`
	Reference string    `json:"reference,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// RetryTask описывает вторичный эффект для повторного выполнения.
type RetryTask struct {
	Effect    string `json:"effect"`
	Reference string `json:"reference"`
	UserID    string `json:"user_id"`
	ItemID    string `json:"item_id,omitempty"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
}

// NATSNotifier публикует аномалии и задачи повтора в NATS.
type NATSNotifier struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSNotifier создаёт уведомитель поверх соединения nc.
func NewNATSNotifier(nc *nats.Conn, logger *zap.Logger) *NATSNotifier {
	return &NATSNotifier{nc: nc, logger: logger}
}

// RaiseAnomaly публикует аномалию в SubjectAnomalies.
func (n *NATSNotifier) RaiseAnomaly(_ context.Context, a Anomaly) error {
	n.logger.Warn("billing anomaly",
		zap.String("kind", a.Kind),
		zap.String("reference", a.Reference),
		zap.String("user_id", a.UserID),
		zap.String("message", a.Message),
	)
	return n.publish(SubjectAnomalies, a)
}

// EnqueueRetry публикует задачу в SubjectSecondaryRetry.
func (n *NATSNotifier) EnqueueRetry(_ context.Context, task RetryTask) error {
	return n.publish(SubjectSecondaryRetry, task)
}

func (n *NATSNotifier) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", subject, err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// LogNotifier только пишет аномалии и задачи повтора в лог. Используется, когда
// NATS не настроен.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт уведомитель, пишущий в logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// RaiseAnomaly пишет аномалию в лог.
func (n *LogNotifier) RaiseAnomaly(_ context.Context, a Anomaly) error {
	n.logger.Warn("billing anomaly",
		zap.String("kind", a.Kind),
		zap.String("reference", a.Reference),
		zap.String("user_id", a.UserID),
		zap.String("message", a.Message),
	)
	return nil
}

// EnqueueRetry пишет задачу в лог: без очереди повтор выполняется вручную.
func (n *LogNotifier) EnqueueRetry(_ context.Context, task RetryTask) error {
	n.logger.Error("secondary effect needs manual retry",
		zap.String("effect", task.Effect),
		zap.String("reference", task.Reference),
		zap.String("user_id", task.UserID),
		zap.String("item_id", task.ItemID),
		zap.Int("attempt", task.Attempt),
		zap.String("last_error", task.LastError),
	)
	return nil
}
