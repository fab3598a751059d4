package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

const conversionColumns = `id, user_id, amount, destination_address, status, requested_at,
	decided_by, decided_at, rejection_reason`

func scanConversion(row pgx.Row) (*model.ConversionRequest, error) {
	var (
		c      model.ConversionRequest
		status string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Amount, &c.DestinationAddress, &status, &c.RequestedAt,
		&c.DecidedBy, &c.DecidedAt, &c.RejectionReason)
	if err != nil {
		return nil, err
	}
	c.Status = model.ConversionStatus(status)
	return &c, nil
}

// CreateConversion применяет резервирование fn к кошельку и сохраняет заявку
// в одной транзакции.
func (r *PostgresRepository) CreateConversion(ctx context.Context, req *model.ConversionRequest, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, error) {
	var wallet *model.Wallet

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		w, _, err := applyWalletMutation(ctx, tx, req.UserID, monthStart, fn)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO conversion_requests (id, user_id, amount, destination_address, status, requested_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			req.ID, req.UserID, req.Amount, req.DestinationAddress, string(req.Status), req.RequestedAt,
		)
		if err != nil {
			return fmt.Errorf("insert conversion request: %w", err)
		}

		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// DecideConversion блокирует заявку, вызывает decide и, если решение требует
// изменения кошелька, применяет его в той же транзакции.
func (r *PostgresRepository) DecideConversion(ctx context.Context, id string, monthStart time.Time, decide model.ConversionDecision) (*model.ConversionRequest, error) {
	var res *model.ConversionRequest

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		req, err := scanConversion(tx.QueryRow(ctx,
			`SELECT `+conversionColumns+` FROM conversion_requests WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: conversion request %s", model.ErrNotFound, id)
			}
			return fmt.Errorf("lock conversion request: %w", err)
		}

		mutation, err := decide(req)
		if err != nil {
			return err
		}

		if mutation != nil {
			if _, _, err := applyWalletMutation(ctx, tx, req.UserID, monthStart, mutation); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE conversion_requests
			 SET status = $2, decided_by = $3, decided_at = $4, rejection_reason = $5
			 WHERE id = $1`,
			req.ID, string(req.Status), req.DecidedBy, req.DecidedAt, req.RejectionReason,
		)
		if err != nil {
			return fmt.Errorf("update conversion request: %w", err)
		}

		res = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetConversion возвращает заявку на вывод.
func (r *PostgresRepository) GetConversion(ctx context.Context, id string) (*model.ConversionRequest, error) {
	c, err := scanConversion(r.pool.QueryRow(ctx,
		`SELECT `+conversionColumns+` FROM conversion_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversion request %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get conversion request: %w", err)
	}
	return c, nil
}

// ListConversions возвращает заявки по фильтру, новые первыми.
func (r *PostgresRepository) ListConversions(ctx context.Context, f model.ConversionFilter) ([]model.ConversionRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + conversionColumns + ` FROM conversion_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select conversion requests: %w", err)
	}
	defer rows.Close()

	var res []model.ConversionRequest
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion request: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
