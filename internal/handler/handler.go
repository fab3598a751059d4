// Package handler содержит HTTP-обработчики API сервиса биллинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/campaign-billing/internal/gateway"
	"github.com/mmeshcher/campaign-billing/internal/middleware"
	"github.com/mmeshcher/campaign-billing/internal/model"
	"github.com/mmeshcher/campaign-billing/internal/service"
	"github.com/mmeshcher/campaign-billing/internal/validation"
)

const maxWebhookBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetBalance(ctx context.Context, user model.AuthenticatedUser) (*model.Balance, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, currency model.Currency, description string, metadata map[string]string) (*model.Transaction, error)
	Debit(ctx context.Context, user model.AuthenticatedUser, amount decimal.Decimal, currency model.Currency, description string, metadata map[string]string) (*model.Transaction, error)
	ConvertCreditsToCoins(ctx context.Context, user model.AuthenticatedUser, amount decimal.Decimal) (*model.ConversionResult, error)
	GetMonthlyUsage(ctx context.Context, user model.AuthenticatedUser, currency model.Currency) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, user model.AuthenticatedUser, limit int) ([]model.Transaction, error)
	RepairTotalSpent(ctx context.Context, admin model.AuthenticatedUser, userID string) (decimal.Decimal, error)
	LinkExternalWallet(ctx context.Context, user model.AuthenticatedUser, address, linkedAccountRef string) (*model.ExternalWallet, error)
	UnlinkExternalWallet(ctx context.Context, user model.AuthenticatedUser) error

	CreateOrder(ctx context.Context, user model.AuthenticatedUser, in service.CreateOrderInput) (*model.Order, error)
	ListOrders(ctx context.Context, user model.AuthenticatedUser) ([]model.Order, error)
	VerifyAndComplete(ctx context.Context, user model.AuthenticatedUser, reference string) (*model.Order, error)
	HandleCallback(ctx context.Context, payload []byte, signature string) error

	StartTracking(ctx context.Context, user model.AuthenticatedUser, itemID, note string) (*model.Timeline, error)
	GetTimeline(ctx context.Context, user model.AuthenticatedUser, itemID, ownerID string, createdAt time.Time) (*model.Timeline, error)
	MarkUnderReview(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, note string) (*model.Timeline, error)
	ApproveItem(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, note string) (*model.Timeline, error)
	RejectItem(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, reason string) (*model.Timeline, error)

	RequestConversion(ctx context.Context, user model.AuthenticatedUser, amount decimal.Decimal, destination string) (*model.ConversionRequest, error)
	ListConversions(ctx context.Context, user model.AuthenticatedUser, status model.ConversionStatus) ([]model.ConversionRequest, error)
	GetConversion(ctx context.Context, user model.AuthenticatedUser, id string) (*model.ConversionRequest, error)
	ApproveConversion(ctx context.Context, admin model.AuthenticatedUser, id string) (*model.ConversionRequest, error)
	RejectConversion(ctx context.Context, admin model.AuthenticatedUser, id, reason string) (*model.ConversionRequest, error)
}

// Handler реализует HTTP-обработчики API сервиса биллинга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// statusFor сопоставляет доменную ошибку с HTTP-статусом.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidCurrency),
		errors.Is(err, model.ErrInvalidDestination),
		errors.Is(err, model.ErrReasonRequired),
		errors.Is(err, model.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrMonthlyLimitExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrDuplicateReference):
		return http.StatusConflict
	case errors.Is(err, model.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response error", zap.Error(err))
	}
}

func decode(r *http.Request, v any) bool {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func currentUser(w http.ResponseWriter, r *http.Request) (model.AuthenticatedUser, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return user, ok
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), user)
	if err != nil {
		h.writeError(w, "get balance", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

type usageResponse struct {
	Currency model.Currency  `json:"currency"`
	Usage    decimal.Decimal `json:"usage"`
}

// GetMonthlyUsage возвращает сумму списаний за текущий месяц.
func (h *Handler) GetMonthlyUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	currency, err := validation.ParseCurrency(r.URL.Query().Get("currency"))
	if err != nil {
		h.writeError(w, "get monthly usage", err)
		return
	}
	usage, err := h.service.GetMonthlyUsage(r.Context(), user, currency)
	if err != nil {
		h.writeError(w, "get monthly usage", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, usageResponse{Currency: currency, Usage: usage})
}

// ListTransactions возвращает журнал операций пользователя, новые первыми.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	txs, err := h.service.ListTransactions(r.Context(), user, limit)
	if err != nil {
		h.writeError(w, "list transactions", err, zap.String("user_id", user.ID))
		return
	}
	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

type ledgerRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Debit списывает средства с кошелька текущего пользователя.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req ledgerRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	currency, err := validation.ParseCurrency(req.Currency)
	if err != nil {
		h.writeError(w, "debit", err)
		return
	}

	tx, err := h.service.Debit(r.Context(), user, req.Amount, currency, req.Description, req.Metadata)
	if err != nil {
		h.writeError(w, "debit", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

type convertRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Convert обменивает кредиты на монеты по множителю подписки.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req convertRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ConvertCreditsToCoins(r.Context(), user, req.Amount)
	if err != nil {
		h.writeError(w, "convert", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type externalWalletRequest struct {
	Address          string `json:"address"`
	LinkedAccountRef string `json:"linked_account_ref"`
}

// LinkExternalWallet привязывает внешний адрес для выплат.
func (h *Handler) LinkExternalWallet(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req externalWalletRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ew, err := h.service.LinkExternalWallet(r.Context(), user, req.Address, req.LinkedAccountRef)
	if err != nil {
		h.writeError(w, "link external wallet", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, ew)
}

// UnlinkExternalWallet отвязывает внешний адрес.
func (h *Handler) UnlinkExternalWallet(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.UnlinkExternalWallet(r.Context(), user); err != nil {
		h.writeError(w, "unlink external wallet", err, zap.String("user_id", user.ID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createOrderRequest struct {
	Email        string            `json:"email"`
	Items        []model.OrderItem `json:"items"`
	LinkedItemID string            `json:"linked_item_id"`
}

type orderResponse struct {
	Reference        string              `json:"reference"`
	Status           model.OrderStatus   `json:"status"`
	PaymentStatus    model.PaymentStatus `json:"payment_status"`
	Items            []model.OrderItem   `json:"items"`
	Summary          model.OrderSummary  `json:"summary"`
	LinkedItemID     string              `json:"linked_item_id,omitempty"`
	Channel          string              `json:"channel,omitempty"`
	AuthorizationURL string              `json:"authorization_url,omitempty"`
	CreatedAt        string              `json:"created_at"`
	CompletedAt      string              `json:"completed_at,omitempty"`
}

func newOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		Reference:        o.Reference,
		Status:           o.Status,
		PaymentStatus:    o.PaymentStatus,
		Items:            o.Items,
		Summary:          o.Summary,
		LinkedItemID:     o.LinkedItemID,
		Channel:          o.Channel,
		AuthorizationURL: o.AuthorizationURL,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
	}
	if o.CompletedAt != nil {
		resp.CompletedAt = o.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

// CreateOrder создаёт заказ и возвращает ссылку на оплату.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, err := h.service.CreateOrder(r.Context(), user, service.CreateOrderInput{
		Email:        req.Email,
		Items:        req.Items,
		LinkedItemID: req.LinkedItemID,
	})
	if err != nil {
		h.writeError(w, "create order", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusCreated, newOrderResponse(o))
}

// ListOrders возвращает заказы текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), user)
	if err != nil {
		h.writeError(w, "list orders", err, zap.String("user_id", user.ID))
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// VerifyOrder сверяет оплату заказа со шлюзом. Пока оплата не определена или шлюз
// недоступен, отвечает 202.
func (h *Handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	ref := chi.URLParam(r, "reference")

	o, err := h.service.VerifyAndComplete(r.Context(), user, ref)
	if err != nil {
		if errors.Is(err, model.ErrGatewayUnavailable) {
			h.logger.Warn("verify deferred", zap.String("reference", ref), zap.Error(err))
			w.WriteHeader(http.StatusAccepted)
			return
		}
		h.writeError(w, "verify order", err, zap.String("reference", ref))
		return
	}

	status := http.StatusOK
	if o.Status == model.OrderPending {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, newOrderResponse(o))
}

// PaymentWebhook принимает уведомления шлюза. Подпись проверяется по сырому телу.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandleCallback(r.Context(), payload, r.Header.Get(gateway.SignatureHeader)); err != nil {
		h.writeError(w, "payment webhook", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type noteRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

// StartTracking создаёт трекер материала текущего пользователя.
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req noteRequest
	if r.ContentLength != 0 && !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tl, err := h.service.StartTracking(r.Context(), user, chi.URLParam(r, "itemID"), req.Note)
	if err != nil {
		h.writeError(w, "start tracking", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusCreated, tl)
}

// GetTimeline возвращает историю трекера. Параметр owner доступен администратору,
// created_at (RFC 3339) позволяет получить неявную историю для материала без трекера.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var createdAt time.Time
	if v := r.URL.Query().Get("created_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid created_at", http.StatusBadRequest)
			return
		}
		createdAt = t
	}

	tl, err := h.service.GetTimeline(r.Context(), user, chi.URLParam(r, "itemID"), r.URL.Query().Get("owner"), createdAt)
	if err != nil {
		h.writeError(w, "get timeline", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, tl)
}

type reviewFunc func(ctx context.Context, admin model.AuthenticatedUser, itemID, ownerID, text string) (*model.Timeline, error)

// reviewStep строит обработчик шага рассмотрения. Для отклонения текстом шага
// служит причина.
func (h *Handler) reviewStep(op string, fn reviewFunc, useReason bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admin, ok := currentUser(w, r)
		if !ok {
			return
		}

		var req noteRequest
		if r.ContentLength != 0 && !decode(r, &req) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		text := req.Note
		if useReason {
			text = req.Reason
		}

		itemID := chi.URLParam(r, "itemID")
		tl, err := fn(r.Context(), admin, itemID, chi.URLParam(r, "userID"), text)
		if err != nil {
			h.writeError(w, op, err, zap.String("item_id", itemID))
			return
		}
		h.writeJSON(w, http.StatusOK, tl)
	}
}

type conversionRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// RequestConversion создаёт заявку на вывод кредитов.
func (h *Handler) RequestConversion(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req conversionRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cr, err := h.service.RequestConversion(r.Context(), user, req.Amount, req.Destination)
	if err != nil {
		h.writeError(w, "request conversion", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusCreated, cr)
}

// ListConversions возвращает заявки пользователя или, для администратора, все.
func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListConversions(r.Context(), user, model.ConversionStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeError(w, "list conversions", err, zap.String("user_id", user.ID))
		return
	}
	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// GetConversion возвращает одну заявку.
func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	cr, err := h.service.GetConversion(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "get conversion", err, zap.String("user_id", user.ID))
		return
	}
	h.writeJSON(w, http.StatusOK, cr)
}

// ApproveConversion одобряет заявку на вывод.
func (h *Handler) ApproveConversion(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}

	cr, err := h.service.ApproveConversion(r.Context(), admin, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "approve conversion", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cr)
}

// RejectConversion отклоняет заявку и возвращает кредиты.
func (h *Handler) RejectConversion(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req noteRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cr, err := h.service.RejectConversion(r.Context(), admin, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, "reject conversion", err)
		return
	}
	h.writeJSON(w, http.StatusOK, cr)
}

// AdminCredit зачисляет средства на кошелёк пользователя.
func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req ledgerRequest
	if !decode(r, &req) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	meta := map[string]string{"credited_by": admin.ID}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	currency, err := validation.ParseCurrency(req.Currency)
	if err != nil {
		h.writeError(w, "admin credit", err)
		return
	}

	userID := chi.URLParam(r, "userID")
	tx, err := h.service.Credit(r.Context(), userID, req.Amount, currency, req.Description, meta)
	if err != nil {
		h.writeError(w, "admin credit", err, zap.String("user_id", userID))
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

type repairResponse struct {
	UserID     string          `json:"user_id"`
	TotalSpent decimal.Decimal `json:"total_spent"`
}

// RepairTotalSpent пересчитывает total_spent пользователя по журналу.
func (h *Handler) RepairTotalSpent(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}

	userID := chi.URLParam(r, "userID")
	total, err := h.service.RepairTotalSpent(r.Context(), admin, userID)
	if err != nil {
		h.writeError(w, "repair total spent", err, zap.String("user_id", userID))
		return
	}
	h.writeJSON(w, http.StatusOK, repairResponse{UserID: userID, TotalSpent: total})
}
