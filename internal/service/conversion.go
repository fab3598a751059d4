package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/metrics"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/validation"
)

// RequestConversion создаёт заявку на вывод кредитов. Сумма резервируется сразу, в той
// же единице работы, что и создание заявки. Пустой destination означает привязанный
// внешний кошелёк.
func (s *Service) RequestConversion(ctx context.Context, user model.AuthenticatedUser, amount decimal.Decimal, destination string) (*model.ConversionRequest, error) {
	if !validation.IsValidAmount(amount) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}

	w, err := s.repo.EnsureWallet(ctx, user.ID, s.opts.DefaultMonthlyLimit)
	if err != nil {
		return nil, err
	}

	destination = strings.TrimSpace(destination)
	if destination == "" && w.ExternalWallet != nil && w.ExternalWallet.IsConnected {
		destination = w.ExternalWallet.Address
	}
	if !validation.IsValidPayoutAddress(destination) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidDestination, destination)
	}

	now := s.now()
	req := &model.ConversionRequest{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		Amount:             amount,
		DestinationAddress: destination,
		Status:             model.ConversionPending,
		RequestedAt:        now,
	}

	_, err = s.repo.CreateConversion(ctx, req, model.MonthStart(now), model.EscrowMutation(model.LedgerEntry{
		UserID:      user.ID,
		Amount:      amount,
		Description: "conversion escrow",
		At:          now,
	}, req.ID))
	s.observeLedger(model.KindConversionEscrow, err)
	if err != nil {
		return nil, err
	}

	metrics.ConversionRequests.WithLabelValues(string(model.ConversionPending)).Inc()
	s.logger.Info("conversion requested", zap.String("id", req.ID), zap.String("user_id", user.ID),
		zap.String("amount", amount.String()))
	return req, nil
}

// ListConversions возвращает заявки: пользователю свои, администратору все.
func (s *Service) ListConversions(ctx context.Context, user model.AuthenticatedUser, status model.ConversionStatus) ([]model.ConversionRequest, error) {
	f := model.ConversionFilter{Status: status}
	if !user.IsAdmin {
		f.UserID = user.ID
	}
	return s.repo.ListConversions(ctx, f)
}

// GetConversion возвращает заявку, если она принадлежит пользователю или он администратор.
func (s *Service) GetConversion(ctx context.Context, user model.AuthenticatedUser, id string) (*model.ConversionRequest, error) {
	req, err := s.repo.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != user.ID && !user.IsAdmin {
		return nil, fmt.Errorf("%w: conversion request %s", model.ErrNotFound, id)
	}
	return req, nil
}

// ApproveConversion одобряет заявку. Кошелёк не меняется: кредиты списаны при создании.
func (s *Service) ApproveConversion(ctx context.Context, admin model.AuthenticatedUser, id string) (*model.ConversionRequest, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}

	req, err := s.repo.DecideConversion(ctx, id, model.MonthStart(s.now()), func(req *model.ConversionRequest) (model.WalletMutation, error) {
		if err := s.decide(req, admin, model.ConversionApproved); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ConversionRequests.WithLabelValues(string(model.ConversionApproved)).Inc()
	s.logger.Info("conversion approved", zap.String("id", id), zap.String("admin_id", admin.ID))
	return req, nil
}

// RejectConversion отклоняет заявку и возвращает зарезервированные кредиты
// компенсирующей записью в той же единице работы.
func (s *Service) RejectConversion(ctx context.Context, admin model.AuthenticatedUser, id, reason string) (*model.ConversionRequest, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, model.ErrReasonRequired
	}

	now := s.now()
	req, err := s.repo.DecideConversion(ctx, id, model.MonthStart(now), func(req *model.ConversionRequest) (model.WalletMutation, error) {
		if err := s.decide(req, admin, model.ConversionRejected); err != nil {
			return nil, err
		}
		req.RejectionReason = reason
		return model.RefundMutation(model.LedgerEntry{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Description: "conversion refund: " + reason,
			At:          now,
		}, req.ID), nil
	})
	s.observeLedger(model.KindConversionRefund, err)
	if err != nil {
		return nil, err
	}

	metrics.ConversionRequests.WithLabelValues(string(model.ConversionRejected)).Inc()
	s.logger.Info("conversion rejected", zap.String("id", id), zap.String("admin_id", admin.ID),
		zap.String("reason", reason))
	return req, nil
}

func (s *Service) decide(req *model.ConversionRequest, admin model.AuthenticatedUser, to model.ConversionStatus) error {
	if req.Status != model.ConversionPending {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, req.Status, to)
	}
	at := s.now()
	req.Status = to
	req.DecidedBy = admin.ID
	req.DecidedAt = &at
	return nil
}
