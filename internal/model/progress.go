package model

import (
	"fmt"
	"strings"
	"time"
)

// Step описывает этап жизненного цикла оплачиваемого материала.
type Step string

const (
	StepInitiated        Step = "initiated"
	StepPaymentPending   Step = "payment_pending"
	StepPaymentCompleted Step = "payment_completed"
	StepUnderReview      Step = "under_review"
	StepApproved         Step = "approved"
	StepRejected         Step = "rejected"
)

// transitions задаёт допустимые предшествующие этапы для каждого этапа.
// Пустой предшественник означает создание записи.
var transitions = map[Step]Step{
	StepInitiated:        "",
	StepPaymentPending:   StepInitiated,
	StepPaymentCompleted: StepPaymentPending,
	StepUnderReview:      StepPaymentCompleted,
	StepApproved:         StepUnderReview,
	StepRejected:         StepUnderReview,
}

var progress = map[Step]int{
	StepInitiated:        0,
	StepPaymentPending:   20,
	StepPaymentCompleted: 40,
	StepUnderReview:      60,
	StepApproved:         100,
	StepRejected:         100,
}

var order = map[Step]int{
	StepInitiated:        0,
	StepPaymentPending:   1,
	StepPaymentCompleted: 2,
	StepUnderReview:      3,
	StepApproved:         4,
	StepRejected:         4,
}

// Valid сообщает, известен ли этап.
func (s Step) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Progress возвращает процент готовности для этапа.
func (s Step) Progress() int {
	return progress[s]
}

// Terminal сообщает, является ли этап конечным.
func (s Step) Terminal() bool {
	return s == StepApproved || s == StepRejected
}

// Reached сообщает, пройден ли этап target при текущем этапе s.
func (s Step) Reached(target Step) bool {
	if s == StepRejected && target == StepApproved || s == StepApproved && target == StepRejected {
		return false
	}
	return s.Valid() && order[s] >= order[target]
}

// CanTransition сообщает, допустим ли переход from -> to. from == "" означает
// отсутствие записи.
func CanTransition(from, to Step) bool {
	prev, ok := transitions[to]
	return ok && prev == from
}

// StepEntry описывает запись истории трекера.
type StepEntry struct {
	Step      Step              `json:"step"`
	Timestamp time.Time         `json:"timestamp"`
	Notes     string            `json:"notes,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressTracker отслеживает материал пользователя от создания до решения редакции.
// CurrentStep всегда равен этапу последней записи History.
type ProgressTracker struct {
	ItemID             string      `json:"item_id"`
	UserID             string      `json:"user_id"`
	CurrentStep        Step        `json:"current_step"`
	History            []StepEntry `json:"step_history"`
	InitiatedAt        *time.Time  `json:"initiated_at,omitempty"`
	PaymentCompletedAt *time.Time  `json:"payment_completed_at,omitempty"`
	UnderReviewAt      *time.Time  `json:"under_review_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	RejectedAt         *time.Time  `json:"rejected_at,omitempty"`
	RejectionReason    string      `json:"rejection_reason,omitempty"`
}

// Exists сообщает, была ли запись трекера уже создана.
func (t *ProgressTracker) Exists() bool {
	return len(t.History) > 0
}

// Progress возвращает процент готовности.
func (t *ProgressTracker) Progress() int {
	return t.CurrentStep.Progress()
}

// Advance добавляет этап в историю, проверяя таблицу переходов.
func (t *ProgressTracker) Advance(entry StepEntry, rejectionReason string) error {
	if !entry.Step.Valid() {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidTransition, entry.Step)
	}
	if !CanTransition(t.CurrentStep, entry.Step) {
		from := t.CurrentStep
		if from == "" {
			from = "none"
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, entry.Step)
	}

	reason := strings.TrimSpace(rejectionReason)
	if entry.Step == StepRejected && reason == "" {
		return ErrReasonRequired
	}

	at := entry.Timestamp
	switch entry.Step {
	case StepInitiated:
		t.InitiatedAt = &at
	case StepPaymentCompleted:
		t.PaymentCompletedAt = &at
	case StepUnderReview:
		t.UnderReviewAt = &at
	case StepApproved:
		t.CompletedAt = &at
	case StepRejected:
		t.RejectedAt = &at
		t.RejectionReason = reason
	}

	t.History = append(t.History, entry)
	t.CurrentStep = entry.Step
	return nil
}

// Clone возвращает глубокую копию трекера.
func (t *ProgressTracker) Clone() *ProgressTracker {
	c := *t
	c.History = append([]StepEntry(nil), t.History...)
	return &c
}

// TrackerMutation изменяет заблокированный трекер. Для отсутствующей записи
// передаётся пустой трекер с заполненными ItemID и UserID.
type TrackerMutation func(t *ProgressTracker) error

// Timeline представляет трекер для отображения.
type Timeline struct {
	ItemID          string      `json:"item_id"`
	UserID          string      `json:"user_id"`
	CurrentStep     Step        `json:"current_step"`
	Progress        int         `json:"progress"`
	Steps           []StepEntry `json:"steps"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	Implicit        bool        `json:"implicit,omitempty"`
}

// NewTimeline строит представление по записи трекера.
func NewTimeline(t *ProgressTracker) *Timeline {
	return &Timeline{
		ItemID:          t.ItemID,
		UserID:          t.UserID,
		CurrentStep:     t.CurrentStep,
		Progress:        t.Progress(),
		Steps:           append([]StepEntry(nil), t.History...),
		RejectionReason: t.RejectionReason,
	}
}

// ImplicitTimeline строит представление «initiated» для материала, у которого ещё нет
// записи трекера, по времени создания материала.
func ImplicitTimeline(itemID, userID string, createdAt time.Time) *Timeline {
	return &Timeline{
		ItemID:      itemID,
		UserID:      userID,
		CurrentStep: StepInitiated,
		Progress:    StepInitiated.Progress(),
		Steps: []StepEntry{{
			Step:      StepInitiated,
			Timestamp: createdAt,
		}},
		Implicit: true,
	}
}
