package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/gateway"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/validation"
)

// CreateOrderInput описывает новую покупку.
type CreateOrderInput struct {
	Email        string
	Items        []model.OrderItem
	LinkedItemID string
}

// Summarize считает итог заказа: промежуточную сумму, налог по ставке taxRate и общую сумму.
func Summarize(items []model.OrderItem, taxRate decimal.Decimal) (model.OrderSummary, error) {
	if len(items) == 0 {
		return model.OrderSummary{}, fmt.Errorf("%w: order has no items", model.ErrInvalidAmount)
	}

	subtotal := decimal.Zero
	for _, it := range items {
		if it.Quantity <= 0 || !validation.IsValidAmount(it.UnitPrice) {
			return model.OrderSummary{}, fmt.Errorf("%w: item %q", model.ErrInvalidAmount, it.Name)
		}
		subtotal = subtotal.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}

	tax := subtotal.Mul(taxRate).Round(2)
	return model.OrderSummary{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}, nil
}

// CreateOrder создаёт заказ, регистрирует платёж в шлюзе и, если заказ связан с
// материалом, переводит его трекер в payment_pending.
func (s *Service) CreateOrder(ctx context.Context, user model.AuthenticatedUser, in CreateOrderInput) (*model.Order, error) {
	summary, err := Summarize(in.Items, s.opts.TaxRate)
	if err != nil {
		return nil, err
	}

	ref := uuid.NewString()
	meta := map[string]string{"user_id": user.ID}
	if in.LinkedItemID != "" {
		meta["item_id"] = in.LinkedItemID
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	payment, err := s.gateway.Initialize(gctx, gateway.InitializeRequest{
		Reference:   ref,
		Email:       strings.TrimSpace(in.Email),
		Amount:      summary.Total,
		CallbackURL: s.opts.CallbackURL,
		Metadata:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize payment: %w", err)
	}

	o := &model.Order{
		Reference:        ref,
		UserID:           user.ID,
		Items:            in.Items,
		Summary:          summary,
		Status:           model.OrderPending,
		PaymentStatus:    model.PaymentPending,
		LinkedItemID:     in.LinkedItemID,
		AuthorizationURL: payment.AuthorizationURL,
		CreatedAt:        s.now(),
	}
	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	if o.LinkedItemID != "" {
		if err := s.markPaymentPending(ctx, o); err != nil {
			s.logger.Error("advance tracker to payment_pending error", zap.Error(err),
				zap.String("reference", o.Reference), zap.String("item_id", o.LinkedItemID))
		}
	}

	return o, nil
}

func (s *Service) markPaymentPending(ctx context.Context, o *model.Order) error {
	_, err := s.repo.UpdateTracker(ctx, o.LinkedItemID, o.UserID, func(t *model.ProgressTracker) error {
		now := s.now()
		if !t.Exists() {
			if err := t.Advance(model.StepEntry{Step: model.StepInitiated, Timestamp: now}, ""); err != nil {
				return err
			}
		}
		if t.CurrentStep != model.StepInitiated {
			// Повторный заказ для уже оплачиваемого материала.
			return nil
		}
		return t.Advance(model.StepEntry{
			Step:      model.StepPaymentPending,
			Timestamp: now,
			Metadata:  map[string]string{model.MetaReference: o.Reference},
		}, "")
	})
	return err
}

// ListOrders возвращает заказы пользователя.
func (s *Service) ListOrders(ctx context.Context, user model.AuthenticatedUser) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, user.ID)
}
