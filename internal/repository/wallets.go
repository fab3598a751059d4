package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const walletColumns = `user_id, credits, coins, monthly_limit, total_spent,
	external_address, external_connected, external_ref, created_at, updated_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var (
		w         model.Wallet
		address   *string
		connected bool
		ref       *string
	)
	err := row.Scan(&w.UserID, &w.Credits, &w.Coins, &w.MonthlyLimit, &w.TotalSpent,
		&address, &connected, &ref, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if address != nil && *address != "" {
		w.ExternalWallet = &model.ExternalWallet{Address: *address, IsConnected: connected}
		if ref != nil {
			w.ExternalWallet.LinkedAccountRef = *ref
		}
	}
	return &w, nil
}

// EnsureWallet возвращает кошелёк пользователя, создавая его при первом обращении.
func (r *PostgresRepository) EnsureWallet(ctx context.Context, userID string, monthlyLimit decimal.Decimal) (*model.Wallet, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, monthly_limit) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, monthlyLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return r.GetWallet(ctx, userID)
}

// GetWallet возвращает кошелёк пользователя.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(r.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// UpdateWallet блокирует строку кошелька, считает месячное использование и применяет
// fn. Изменение балансов и записи журнала сохраняются в одной транзакции.
func (r *PostgresRepository) UpdateWallet(ctx context.Context, userID string, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, []model.Transaction, error) {
	var (
		wallet  *model.Wallet
		entries []model.Transaction
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		wallet, entries, err = applyWalletMutation(ctx, tx, userID, monthStart, fn)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return wallet, entries, nil
}

func applyWalletMutation(ctx context.Context, tx pgx.Tx, userID string, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, []model.Transaction, error) {
	// Блокируем строку кошелька: проверка лимита и списание не должны разойтись.
	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
		}
		return nil, nil, fmt.Errorf("lock wallet for update: %w", err)
	}

	usage, err := monthlyUsage(ctx, tx, userID, model.CurrencyCredits, monthStart)
	if err != nil {
		return nil, nil, err
	}

	entries, err := fn(w, usage)
	if err != nil {
		return nil, nil, err
	}
	if w.IsNegative() {
		return nil, nil, fmt.Errorf("%w: wallet %s would go negative", model.ErrInsufficientFunds, userID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET credits = $2, coins = $3, monthly_limit = $4, total_spent = $5, updated_at = $6
		 WHERE user_id = $1`,
		userID, w.Credits, w.Coins, w.MonthlyLimit, w.TotalSpent, time.Now().UTC(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update wallet: %w", err)
	}

	for _, e := range entries {
		if err := insertTransaction(ctx, tx, e); err != nil {
			return nil, nil, err
		}
	}

	return w, entries, nil
}

func insertTransaction(ctx context.Context, q querier, e model.Transaction) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, type, currency, status, description, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.Amount, string(e.Type), string(e.Currency), string(e.Status),
		e.Description, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func monthlyUsage(ctx context.Context, q querier, userID string, currency model.Currency, since time.Time) (decimal.Decimal, error) {
	var usage decimal.Decimal
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM transactions
		 WHERE user_id = $1 AND type = $2 AND currency = $3 AND status = $4 AND created_at >= $5`,
		userID, string(model.TransactionDebit), string(currency), string(model.TransactionCompleted), since,
	).Scan(&usage)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum monthly debits: %w", err)
	}
	return usage, nil
}

// MonthlyUsage возвращает сумму завершённых списаний с момента since.
func (r *PostgresRepository) MonthlyUsage(ctx context.Context, userID string, currency model.Currency, since time.Time) (decimal.Decimal, error) {
	return monthlyUsage(ctx, r.pool, userID, currency, since)
}

// ListTransactions возвращает последние записи журнала пользователя, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, type, currency, status, description, metadata, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t                     model.Transaction
			typ, currency, status string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &typ, &currency, &status,
			&t.Description, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		t.Currency = model.Currency(currency)
		t.Status = model.TransactionStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecomputeTotalSpent пересчитывает денормализованный счётчик total_spent по журналу.
func (r *PostgresRepository) RecomputeTotalSpent(ctx context.Context, userID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`UPDATE wallets SET total_spent = (
			SELECT COALESCE(SUM(amount), 0) FROM transactions
			WHERE user_id = $1 AND type = $2 AND status = $3
		 ), updated_at = now()
		 WHERE user_id = $1
		 RETURNING total_spent`,
		userID, string(model.TransactionDebit), string(model.TransactionCompleted),
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
		}
		return decimal.Zero, fmt.Errorf("recompute total spent: %w", err)
	}
	return total, nil
}

// SetExternalWallet привязывает внешний адрес к кошельку; nil отвязывает его.
func (r *PostgresRepository) SetExternalWallet(ctx context.Context, userID string, ew *model.ExternalWallet) error {
	var (
		address, ref *string
		connected    bool
	)
	if ew != nil {
		address = &ew.Address
		ref = &ew.LinkedAccountRef
		connected = ew.IsConnected
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE wallets SET external_address = $2, external_connected = $3, external_ref = $4, updated_at = now()
		 WHERE user_id = $1`,
		userID, address, connected, ref,
	)
	if err != nil {
		return fmt.Errorf("update external wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}
	return nil
}

// GetActiveSubscription возвращает действующую на момент at подписку пользователя.
func (r *PostgresRepository) GetActiveSubscription(ctx context.Context, userID string, at time.Time) (*model.Subscription, error) {
	var s model.Subscription
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, plan, coin_multiplier, expires_at
		 FROM subscriptions
		 WHERE user_id = $1 AND expires_at > $2
		 ORDER BY expires_at DESC
		 LIMIT 1`,
		userID, at,
	).Scan(&s.UserID, &s.Plan, &s.CoinMultiplier, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: subscription for %s", model.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &s, nil
}
