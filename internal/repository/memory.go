package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

type trackerKey struct {
	itemID string
	userID string
}

// MemoryRepository хранит данные в памяти процесса. Все операции выполняются под
// одним мьютексом и работают с копиями, поэтому семантика единицы работы совпадает
// с PostgresRepository.
type MemoryRepository struct {
	mu            sync.RWMutex
	wallets       map[string]*model.Wallet
	transactions  map[string][]model.Transaction
	subscriptions map[string][]model.Subscription
	orders        map[string]*model.Order
	carts         map[string][]model.OrderItem
	trackers      map[trackerKey]*model.ProgressTracker
	conversions   map[string]*model.ConversionRequest
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets:       make(map[string]*model.Wallet),
		transactions:  make(map[string][]model.Transaction),
		subscriptions: make(map[string][]model.Subscription),
		orders:        make(map[string]*model.Order),
		carts:         make(map[string][]model.OrderItem),
		trackers:      make(map[trackerKey]*model.ProgressTracker),
		conversions:   make(map[string]*model.ConversionRequest),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// EnsureWallet возвращает кошелёк пользователя, создавая его при первом обращении.
func (r *MemoryRepository) EnsureWallet(_ context.Context, userID string, monthlyLimit decimal.Decimal) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		now := time.Now().UTC()
		w = &model.Wallet{UserID: userID, MonthlyLimit: monthlyLimit, CreatedAt: now, UpdatedAt: now}
		r.wallets[userID] = w
	}
	return w.Clone(), nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *MemoryRepository) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}
	return w.Clone(), nil
}

// UpdateWallet применяет fn к копии кошелька и сохраняет её вместе с записями журнала.
func (r *MemoryRepository) UpdateWallet(_ context.Context, userID string, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, []model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.applyWalletMutation(userID, monthStart, fn)
}

func (r *MemoryRepository) applyWalletMutation(userID string, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, []model.Transaction, error) {
	stored, ok := r.wallets[userID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}

	w := stored.Clone()
	entries, err := fn(w, r.monthlyUsage(userID, model.CurrencyCredits, monthStart))
	if err != nil {
		return nil, nil, err
	}
	if w.IsNegative() {
		return nil, nil, fmt.Errorf("%w: wallet %s would go negative", model.ErrInsufficientFunds, userID)
	}

	r.wallets[userID] = w
	r.transactions[userID] = append(r.transactions[userID], entries...)
	return w.Clone(), entries, nil
}

func (r *MemoryRepository) monthlyUsage(userID string, currency model.Currency, since time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range r.transactions[userID] {
		if t.Type == model.TransactionDebit && t.Currency == currency &&
			t.Status == model.TransactionCompleted && !t.CreatedAt.Before(since) {
			sum = sum.Add(t.Amount)
		}
	}
	return sum
}

// MonthlyUsage возвращает сумму завершённых списаний с момента since.
func (r *MemoryRepository) MonthlyUsage(_ context.Context, userID string, currency model.Currency, since time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.monthlyUsage(userID, currency, since), nil
}

// ListTransactions возвращает последние записи журнала пользователя, новые первыми.
func (r *MemoryRepository) ListTransactions(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.transactions[userID]
	res := make([]model.Transaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(res) < limit; i-- {
		res = append(res, all[i])
	}
	return res, nil
}

// RecomputeTotalSpent пересчитывает total_spent по журналу.
func (r *MemoryRepository) RecomputeTotalSpent(_ context.Context, userID string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}

	total := decimal.Zero
	for _, t := range r.transactions[userID] {
		if t.Type == model.TransactionDebit && t.Status == model.TransactionCompleted {
			total = total.Add(t.Amount)
		}
	}
	w.TotalSpent = total
	return total, nil
}

// SetExternalWallet привязывает внешний адрес к кошельку; nil отвязывает его.
func (r *MemoryRepository) SetExternalWallet(_ context.Context, userID string, ew *model.ExternalWallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wallets[userID]
	if !ok {
		return fmt.Errorf("%w: wallet %s", model.ErrNotFound, userID)
	}
	if ew == nil {
		w.ExternalWallet = nil
		return nil
	}
	c := *ew
	w.ExternalWallet = &c
	return nil
}

// AddSubscription сохраняет подписку пользователя.
func (r *MemoryRepository) AddSubscription(s model.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscriptions[s.UserID] = append(r.subscriptions[s.UserID], s)
}

// GetActiveSubscription возвращает действующую на момент at подписку пользователя.
func (r *MemoryRepository) GetActiveSubscription(_ context.Context, userID string, at time.Time) (*model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *model.Subscription
	for i := range r.subscriptions[userID] {
		s := r.subscriptions[userID][i]
		if !s.ExpiresAt.After(at) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			best = &s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: subscription for %s", model.ErrNotFound, userID)
	}
	return best, nil
}

func cloneOrder(o *model.Order) *model.Order {
	c := *o
	c.Items = append([]model.OrderItem(nil), o.Items...)
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// CreateOrder сохраняет новый заказ.
func (r *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.Reference]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateReference, o.Reference)
	}
	r.orders[o.Reference] = cloneOrder(o)
	return nil
}

// GetOrder возвращает заказ по ссылке платежа.
func (r *MemoryRepository) GetOrder(_ context.Context, reference string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[reference]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, reference)
	}
	return cloneOrder(o), nil
}

// CompleteOrder переводит заказ в Completed. applied равен true только для вызова,
// который выполнил переход.
func (r *MemoryRepository) CompleteOrder(_ context.Context, reference, channel string, at time.Time) (*model.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[reference]
	if !ok {
		return nil, false, fmt.Errorf("%w: order %s", model.ErrNotFound, reference)
	}
	if o.Status == model.OrderCompleted {
		return cloneOrder(o), false, nil
	}

	o.Status = model.OrderCompleted
	o.PaymentStatus = model.PaymentSuccessful
	o.Channel = channel
	completedAt := at
	o.CompletedAt = &completedAt
	return cloneOrder(o), true, nil
}

// FailOrder помечает заказ неуспешным, если он ещё ожидает оплаты.
func (r *MemoryRepository) FailOrder(_ context.Context, reference string) (*model.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[reference]
	if !ok {
		return nil, false, fmt.Errorf("%w: order %s", model.ErrNotFound, reference)
	}
	if o.Status != model.OrderPending {
		return cloneOrder(o), false, nil
	}

	o.Status = model.OrderFailed
	o.PaymentStatus = model.PaymentFailed
	return cloneOrder(o), true, nil
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *MemoryRepository) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			res = append(res, *cloneOrder(o))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// ListPendingOrders возвращает ожидающие оплаты заказы, созданные до createdBefore.
func (r *MemoryRepository) ListPendingOrders(_ context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, o := range r.orders {
		if o.Status == model.OrderPending && o.CreatedAt.Before(createdBefore) {
			res = append(res, *cloneOrder(o))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListCompletedOrdersBehindTracker возвращает завершённые заказы со связанным элементом,
// трекер которого ещё не отметил оплату.
func (r *MemoryRepository) ListCompletedOrdersBehindTracker(_ context.Context, completedSince, completedBefore time.Time, limit int) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, o := range r.orders {
		if o.Status != model.OrderCompleted || o.LinkedItemID == "" || o.CompletedAt == nil {
			continue
		}
		if o.CompletedAt.Before(completedSince) || !o.CompletedAt.Before(completedBefore) {
			continue
		}
		if t, ok := r.trackers[trackerKey{itemID: o.LinkedItemID, userID: o.UserID}]; ok && t.CurrentStep.Reached(model.StepPaymentCompleted) {
			continue
		}
		res = append(res, *cloneOrder(o))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CompletedAt.Before(*res[j].CompletedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// SetCart заменяет содержимое корзины пользователя.
func (r *MemoryRepository) SetCart(userID string, items []model.OrderItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.carts[userID] = append([]model.OrderItem(nil), items...)
}

// Cart возвращает содержимое корзины пользователя.
func (r *MemoryRepository) Cart(userID string) []model.OrderItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]model.OrderItem(nil), r.carts[userID]...)
}

// ClearCart очищает корзину пользователя.
func (r *MemoryRepository) ClearCart(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.carts[userID]; ok {
		r.carts[userID] = nil
	}
	return nil
}

// UpdateTracker применяет fn к копии трекера и сохраняет её, если fn записал историю.
func (r *MemoryRepository) UpdateTracker(_ context.Context, itemID, userID string, fn model.TrackerMutation) (*model.ProgressTracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := trackerKey{itemID: itemID, userID: userID}
	t := &model.ProgressTracker{ItemID: itemID, UserID: userID}
	if stored, ok := r.trackers[key]; ok {
		t = stored.Clone()
	}

	if err := fn(t); err != nil {
		return nil, err
	}
	if t.Exists() {
		r.trackers[key] = t.Clone()
	}
	return t, nil
}

// GetTracker возвращает трекер материала пользователя.
func (r *MemoryRepository) GetTracker(_ context.Context, itemID, userID string) (*model.ProgressTracker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.trackers[trackerKey{itemID: itemID, userID: userID}]
	if !ok {
		return nil, fmt.Errorf("%w: tracker %s/%s", model.ErrNotFound, itemID, userID)
	}
	return t.Clone(), nil
}

func cloneConversion(c *model.ConversionRequest) *model.ConversionRequest {
	res := *c
	if c.DecidedAt != nil {
		at := *c.DecidedAt
		res.DecidedAt = &at
	}
	return &res
}

// CreateConversion применяет резервирование fn к кошельку и сохраняет заявку.
func (r *MemoryRepository) CreateConversion(_ context.Context, req *model.ConversionRequest, monthStart time.Time, fn model.WalletMutation) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversions[req.ID]; ok {
		return nil, fmt.Errorf("%w: conversion request %s", model.ErrDuplicateReference, req.ID)
	}

	w, _, err := r.applyWalletMutation(req.UserID, monthStart, fn)
	if err != nil {
		return nil, err
	}
	r.conversions[req.ID] = cloneConversion(req)
	return w, nil
}

// DecideConversion применяет решение decide к заявке и, при необходимости, к кошельку.
func (r *MemoryRepository) DecideConversion(_ context.Context, id string, monthStart time.Time, decide model.ConversionDecision) (*model.ConversionRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.conversions[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversion request %s", model.ErrNotFound, id)
	}

	req := cloneConversion(stored)
	mutation, err := decide(req)
	if err != nil {
		return nil, err
	}
	if mutation != nil {
		if _, _, err := r.applyWalletMutation(req.UserID, monthStart, mutation); err != nil {
			return nil, err
		}
	}

	r.conversions[id] = cloneConversion(req)
	return req, nil
}

// GetConversion возвращает заявку на вывод.
func (r *MemoryRepository) GetConversion(_ context.Context, id string) (*model.ConversionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversions[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversion request %s", model.ErrNotFound, id)
	}
	return cloneConversion(c), nil
}

// ListConversions возвращает заявки по фильтру, новые первыми.
func (r *MemoryRepository) ListConversions(_ context.Context, f model.ConversionFilter) ([]model.ConversionRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.ConversionRequest
	for _, c := range r.conversions {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		res = append(res, *cloneConversion(c))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].RequestedAt.After(res[j].RequestedAt)
	})
	return res, nil
}
