package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

const orderColumns = `reference, user_id, items, subtotal, tax, total, status, payment_status,
	linked_item_id, channel, authorization_url, created_at, completed_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		status, paySt string
		linkedItemID  *string
	)
	err := row.Scan(&o.Reference, &o.UserID, &o.Items, &o.Summary.Subtotal, &o.Summary.Tax, &o.Summary.Total,
		&status, &paySt, &linkedItemID, &o.Channel, &o.AuthorizationURL, &o.CreatedAt, &o.CompletedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentStatus = model.PaymentStatus(paySt)
	if linkedItemID != nil {
		o.LinkedItemID = *linkedItemID
	}
	return &o, nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	items := o.Items
	if items == nil {
		items = []model.OrderItem{}
	}
	var linked *string
	if o.LinkedItemID != "" {
		linked = &o.LinkedItemID
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (reference, user_id, items, subtotal, tax, total, status, payment_status,
			linked_item_id, channel, authorization_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.Reference, o.UserID, items, o.Summary.Subtotal, o.Summary.Tax, o.Summary.Total,
		string(o.Status), string(o.PaymentStatus), linked, o.Channel, o.AuthorizationURL, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", model.ErrDuplicateReference, o.Reference)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по ссылке платежа.
func (r *PostgresRepository) GetOrder(ctx context.Context, reference string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE reference = $1`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, reference)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// CompleteOrder переводит заказ в Completed одним условным обновлением. applied
// равен true только для вызова, который действительно выполнил переход.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, reference, channel string, at time.Time) (*model.Order, bool, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2, payment_status = $3, channel = $4, completed_at = $5
		 WHERE reference = $1 AND status <> $2
		 RETURNING `+orderColumns,
		reference, string(model.OrderCompleted), string(model.PaymentSuccessful), channel, at,
	))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("complete order: %w", err)
	}

	// Заказ либо уже завершён, либо не существует.
	o, err = r.GetOrder(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return o, false, nil
}

// FailOrder помечает заказ неуспешным, если он ещё ожидает оплаты.
func (r *PostgresRepository) FailOrder(ctx context.Context, reference string) (*model.Order, bool, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`UPDATE orders SET status = $2, payment_status = $3
		 WHERE reference = $1 AND status = $4
		 RETURNING `+orderColumns,
		reference, string(model.OrderFailed), string(model.PaymentFailed), string(model.OrderPending),
	))
	if err == nil {
		return o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("fail order: %w", err)
	}

	o, err = r.GetOrder(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return o, false, nil
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ListPendingOrders возвращает ожидающие оплаты заказы, созданные до createdBefore.
func (r *PostgresRepository) ListPendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.OrderPending), createdBefore, limit)
}

// ListCompletedOrdersBehindTracker возвращает завершённые заказы со связанным элементом,
// трекер которого ещё не отметил оплату. Учитываются заказы, завершённые в
// интервале [completedSince, completedBefore).
func (r *PostgresRepository) ListCompletedOrdersBehindTracker(ctx context.Context, completedSince, completedBefore time.Time, limit int) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND linked_item_id IS NOT NULL AND linked_item_id <> ''
		   AND completed_at >= $2 AND completed_at < $3
		   AND NOT EXISTS (
		       SELECT 1 FROM progress_trackers t
		       WHERE t.item_id = orders.linked_item_id AND t.user_id = orders.user_id
		         AND t.payment_completed_at IS NOT NULL)
		 ORDER BY completed_at
		 LIMIT $4`,
		string(model.OrderCompleted), completedSince, completedBefore, limit)
}

func (r *PostgresRepository) queryOrders(ctx context.Context, sql string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClearCart очищает корзину пользователя. Отсутствие корзины не считается ошибкой.
func (r *PostgresRepository) ClearCart(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE carts SET items = '[]'::jsonb, updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
