// Package service реализует бизнес-логику ядра биллинга: кошельки, сверку платежей,
// трекер публикации и заявки на вывод.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/gateway"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/notify"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	EnsureWallet(ctx context.Context, userID string, monthlyLimit decimal.Decimal) (*model.Wallet, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, userID string, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, []model.Transaction, error)
	MonthlyUsage(ctx context.Context, userID string, currency model.Currency, since time.Time) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	RecomputeTotalSpent(ctx context.Context, userID string) (decimal.Decimal, error)
	SetExternalWallet(ctx context.Context, userID string, ew *model.ExternalWallet) error
	GetActiveSubscription(ctx context.Context, userID string, at time.Time) (*model.Subscription, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, reference string) (*model.Order, error)
	CompleteOrder(ctx context.Context, reference, channel string, at time.Time) (*model.Order, bool, error)
	FailOrder(ctx context.Context, reference string) (*model.Order, bool, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListPendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error)
	ListCompletedOrdersBehindTracker(ctx context.Context, completedSince, completedBefore time.Time, limit int) ([]model.Order, error)
	ClearCart(ctx context.Context, userID string) error

	UpdateTracker(ctx context.Context, itemID, userID string, fn model.TrackerMutation) (*model.ProgressTracker, error)
	GetTracker(ctx context.Context, itemID, userID string) (*model.ProgressTracker, error)

	CreateConversion(ctx context.Context, req *model.ConversionRequest, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, error)
	DecideConversion(ctx context.Context, id string, monthStart time.Time, decide model.ConversionDecision) (*model.ConversionRequest, error)
	GetConversion(ctx context.Context, id string) (*model.ConversionRequest, error)
	ListConversions(ctx context.Context, f model.ConversionFilter) ([]model.ConversionRequest, error)
}

// PaymentGateway описывает контракт платёжного шлюза.
type PaymentGateway interface {
	Initialize(ctx context.Context, in gateway.InitializeRequest) (*gateway.Initialization, error)
	Verify(ctx context.Context, reference string) (*gateway.Verification, error)
	VerifySignature(payload []byte, signature string) error
	ParseEvent(payload []byte) (*gateway.Event, error)
}

// Notifier доставляет аномалии операторам и ставит вторичные эффекты в очередь повтора.
type Notifier interface {
	RaiseAnomaly(ctx context.Context, a notify.Anomaly) error
	EnqueueRetry(ctx context.Context, task notify.RetryTask) error
}

// Options содержит настраиваемые параметры сервиса.
type Options struct {
	DefaultMonthlyLimit  decimal.Decimal
	TaxRate              decimal.Decimal
	CallbackURL          string
	GatewayTimeout       time.Duration
	SecondaryTimeout     time.Duration
	SweepInterval        time.Duration
	SweepMinAge          time.Duration
	SweepBatch           int
	TrackerRepairWindow  time.Duration
	MaxSecondaryAttempts int
}

func (o Options) withDefaults() Options {
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = 5 * time.Second
	}
	if o.SecondaryTimeout <= 0 {
		o.SecondaryTimeout = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.SweepMinAge <= 0 {
		o.SweepMinAge = 10 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.TrackerRepairWindow <= 0 {
		o.TrackerRepairWindow = 24 * time.Hour
	}
	if o.MaxSecondaryAttempts <= 0 {
		o.MaxSecondaryAttempts = 5
	}
	return o
}

// Service содержит бизнес-логику ядра биллинга.
type Service struct {
	repo     Repository
	gateway  PaymentGateway
	notifier Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewService создаёт сервис с указанным хранилищем, шлюзом и каналом уведомлений.
func NewService(repo Repository, gw PaymentGateway, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		gateway:  gw,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func requireAdmin(user model.AuthenticatedUser) error {
	if !user.IsAdmin {
		return fmt.Errorf("%w: admin role required", model.ErrForbidden)
	}
	return nil
}

func (s *Service) raiseAnomaly(ctx context.Context, a notify.Anomaly) {
	a.At = s.now()
	if err := s.notifier.RaiseAnomaly(ctx, a); err != nil {
		s.logger.Error("raise anomaly error", zap.Error(err),
			zap.String("kind", a.Kind), zap.String("reference", a.Reference))
	}
}
