package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/metrics"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/validation"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 500
)

// GetBalance возвращает балансы пользователя и состояние месячного лимита.
// Кошелёк создаётся при первом обращении.
func (s *Service) GetBalance(ctx context.Context, user model.AuthenticatedUser) (*model.Balance, error) {
	w, err := s.repo.EnsureWallet(ctx, user.ID, s.opts.DefaultMonthlyLimit)
	if err != nil {
		return nil, err
	}

	usage, err := s.repo.MonthlyUsage(ctx, user.ID, model.CurrencyCredits, model.MonthStart(s.now()))
	if err != nil {
		return nil, err
	}

	remaining := w.MonthlyLimit.Sub(usage)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return &model.Balance{
		Credits:          w.Credits,
		Coins:            w.Coins,
		MonthlyLimit:     w.MonthlyLimit,
		MonthlyUsage:     usage,
		MonthlyRemaining: remaining,
		TotalSpent:       w.TotalSpent,
		ExternalWallet:   w.ExternalWallet,
	}, nil
}

// Credit зачисляет сумму на существующий кошелёк пользователя.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency model.Currency, description string, metadata map[string]string) (*model.Transaction, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}

	now := s.now()
	_, entries, err := s.repo.UpdateWallet(ctx, userID, model.MonthStart(now), model.CreditMutation(model.LedgerEntry{
		UserID:      userID,
		Amount:      amount,
		Currency:    currency,
		Description: description,
		Metadata:    metadata,
		At:          now,
	}))
	s.observeLedger(model.KindCredit, err)
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

// Debit списывает сумму с кошелька пользователя с проверкой баланса и месячного лимита.
func (s *Service) Debit(ctx context.Context, user model.AuthenticatedUser, amount decimal.Decimal, currency model.Currency, description string, metadata map[string]string) (*model.Transaction, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	if _, err := s.repo.EnsureWallet(ctx, user.ID, s.opts.DefaultMonthlyLimit); err != nil {
		return nil, err
	}

	now := s.now()
	_, entries, err := s.repo.UpdateWallet(ctx, user.ID, model.MonthStart(now), model.DebitMutation(model.LedgerEntry{
		UserID:      user.ID,
		Amount:      amount,
		Currency:    currency,
		Description: description,
		Metadata:    metadata,
		At:          now,
	}))
	s.observeLedger(model.KindDebit, err)
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

// ConvertCreditsToCoins обменивает кредиты на монеты по множителю активной подписки.
func (s *Service) ConvertCreditsToCoins(ctx context.Context, user model.AuthenticatedUser, amount decimal.Decimal) (*model.ConversionResult, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}
	if _, err := s.repo.EnsureWallet(ctx, user.ID, s.opts.DefaultMonthlyLimit); err != nil {
		return nil, err
	}

	now := s.now()
	multiplier := int64(1)
	sub, err := s.repo.GetActiveSubscription(ctx, user.ID, now)
	switch {
	case err == nil:
		multiplier = sub.CoinMultiplier
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	var result model.ConversionResult
	_, _, err = s.repo.UpdateWallet(ctx, user.ID, model.MonthStart(now), model.ConvertMutation(model.LedgerEntry{
		UserID:      user.ID,
		Amount:      amount,
		Description: "credits to coins",
		At:          now,
	}, multiplier, &result))
	s.observeLedger(model.KindConversion, err)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMonthlyUsage возвращает сумму списаний пользователя за текущий календарный месяц.
func (s *Service) GetMonthlyUsage(ctx context.Context, user model.AuthenticatedUser, currency model.Currency) (decimal.Decimal, error) {
	if !currency.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", model.ErrInvalidCurrency, currency)
	}
	return s.repo.MonthlyUsage(ctx, user.ID, currency, model.MonthStart(s.now()))
}

// ListTransactions возвращает историю операций пользователя, новые первыми.
func (s *Service) ListTransactions(ctx context.Context, user model.AuthenticatedUser, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	if limit > maxTransactionsLimit {
		limit = maxTransactionsLimit
	}
	return s.repo.ListTransactions(ctx, user.ID, limit)
}

// RepairTotalSpent пересчитывает накопленную сумму списаний пользователя по журналу.
func (s *Service) RepairTotalSpent(ctx context.Context, admin model.AuthenticatedUser, userID string) (decimal.Decimal, error) {
	if err := requireAdmin(admin); err != nil {
		return decimal.Zero, err
	}

	total, err := s.repo.RecomputeTotalSpent(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	s.logger.Info("total spent recomputed", zap.String("user_id", userID), zap.String("total", total.String()))
	return total, nil
}

// LinkExternalWallet привязывает внешний адрес для выплат. На балансы привязка не влияет.
func (s *Service) LinkExternalWallet(ctx context.Context, user model.AuthenticatedUser, address, linkedAccountRef string) (*model.ExternalWallet, error) {
	address = strings.TrimSpace(address)
	if !validation.IsValidPayoutAddress(address) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidDestination, address)
	}
	if _, err := s.repo.EnsureWallet(ctx, user.ID, s.opts.DefaultMonthlyLimit); err != nil {
		return nil, err
	}

	ew := &model.ExternalWallet{
		Address:          address,
		IsConnected:      true,
		LinkedAccountRef: linkedAccountRef,
	}
	if err := s.repo.SetExternalWallet(ctx, user.ID, ew); err != nil {
		return nil, err
	}
	return ew, nil
}

// UnlinkExternalWallet отвязывает внешний адрес.
func (s *Service) UnlinkExternalWallet(ctx context.Context, user model.AuthenticatedUser) error {
	return s.repo.SetExternalWallet(ctx, user.ID, nil)
}

func (s *Service) observeLedger(kind string, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrMonthlyLimitExceeded),
		errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidCurrency):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	metrics.LedgerOperations.WithLabelValues(kind, outcome).Inc()
}
