// Package metrics содержит метрики Prometheus ядра биллинга.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LedgerOperations считает операции с кошельком по виду и результату.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Wallet operations by kind and outcome.",
}, []string{"kind", "outcome"})

// WebhookEvents считает обработанные вебхуки шлюза по результату.
var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "reconciliation",
	Name:      "webhook_events_total",
	Help:      "Payment webhooks by outcome.",
}, []string{"outcome"})

// OrdersCompleted считает заказы, переведённые в Completed, по источнику подтверждения.
var OrdersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "reconciliation",
	Name:      "orders_completed_total",
	Help:      "Orders completed by confirmation source.",
}, []string{"source"})

// SecondaryEffectFailures считает сбои вторичных эффектов оплаты.
var SecondaryEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "reconciliation",
	Name:      "secondary_effect_failures_total",
	Help:      "Failed secondary effects of confirmed payments.",
}, []string{"effect"})

// TrackerRepairs считает трекеры, догнанные фоновой проверкой после потерянного
// вторичного эффекта.
var TrackerRepairs = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "reconciliation",
	Name:      "tracker_repairs_total",
	Help:      "Progress trackers advanced by the background sweep.",
})

// ConversionRequests считает заявки на вывод по статусу.
var ConversionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Subsystem: "conversion",
	Name:      "requests_total",
	Help:      "Conversion requests by resulting status.",
}, []string{"status"})

// Значения меток.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"

	SourceVerify  = "verify"
	SourceWebhook = "webhook"
	SourceSweep   = "sweep"
)

// Handler возвращает HTTP-обработчик для выдачи метрик.
func Handler() http.Handler {
	return promhttp.Handler()
}
