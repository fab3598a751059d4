package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

var errNothingToSave = errors.New("nothing to save")

// UpdateTracker блокирует запись трекера (создавая заготовку при отсутствии),
// применяет fn и сохраняет новые записи истории в той же транзакции.
func (r *PostgresRepository) UpdateTracker(ctx context.Context, itemID, userID string, fn model.TrackerMutation) (*model.ProgressTracker, error) {
	var res *model.ProgressTracker

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO progress_trackers (item_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (item_id, user_id) DO NOTHING`,
			itemID, userID,
		)
		if err != nil {
			return fmt.Errorf("insert tracker: %w", err)
		}

		t, err := loadTracker(ctx, tx, itemID, userID, true)
		if err != nil {
			return err
		}

		before := len(t.History)
		if err := fn(t); err != nil {
			return err
		}
		if !t.Exists() {
			// fn ничего не записал: заготовку не сохраняем.
			res = t
			return errNothingToSave
		}

		_, err = tx.Exec(ctx,
			`UPDATE progress_trackers
			 SET current_step = $3, initiated_at = $4, payment_completed_at = $5, under_review_at = $6,
				completed_at = $7, rejected_at = $8, rejection_reason = $9
			 WHERE item_id = $1 AND user_id = $2`,
			itemID, userID, string(t.CurrentStep), t.InitiatedAt, t.PaymentCompletedAt, t.UnderReviewAt,
			t.CompletedAt, t.RejectedAt, t.RejectionReason,
		)
		if err != nil {
			return fmt.Errorf("update tracker: %w", err)
		}

		for _, e := range t.History[before:] {
			meta := e.Metadata
			if meta == nil {
				meta = map[string]string{}
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO progress_steps (item_id, user_id, step, notes, metadata, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				itemID, userID, string(e.Step), e.Notes, meta, e.Timestamp,
			)
			if err != nil {
				return fmt.Errorf("insert step: %w", err)
			}
		}

		res = t
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToSave) {
		return nil, err
	}
	return res, nil
}

// GetTracker возвращает трекер материала пользователя.
func (r *PostgresRepository) GetTracker(ctx context.Context, itemID, userID string) (*model.ProgressTracker, error) {
	t, err := loadTracker(ctx, r.pool, itemID, userID, false)
	if err != nil {
		return nil, err
	}
	if !t.Exists() {
		return nil, fmt.Errorf("%w: tracker %s/%s", model.ErrNotFound, itemID, userID)
	}
	return t, nil
}

func loadTracker(ctx context.Context, q querier, itemID, userID string, forUpdate bool) (*model.ProgressTracker, error) {
	query := `SELECT current_step, initiated_at, payment_completed_at, under_review_at,
			completed_at, rejected_at, rejection_reason
		 FROM progress_trackers WHERE item_id = $1 AND user_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	t := &model.ProgressTracker{ItemID: itemID, UserID: userID}
	var step string
	err := q.QueryRow(ctx, query, itemID, userID).Scan(&step, &t.InitiatedAt, &t.PaymentCompletedAt,
		&t.UnderReviewAt, &t.CompletedAt, &t.RejectedAt, &t.RejectionReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: tracker %s/%s", model.ErrNotFound, itemID, userID)
		}
		return nil, fmt.Errorf("select tracker: %w", err)
	}
	t.CurrentStep = model.Step(step)

	rows, err := q.Query(ctx,
		`SELECT step, notes, metadata, created_at
		 FROM progress_steps
		 WHERE item_id = $1 AND user_id = $2
		 ORDER BY seq`,
		itemID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e model.StepEntry
			s string
		)
		if err := rows.Scan(&s, &e.Notes, &e.Metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		e.Step = model.Step(s)
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		t.History = append(t.History, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return t, nil
}
