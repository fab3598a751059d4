package model

import "errors"

// Доменные ошибки ядра биллинга. Хранилище и сервис оборачивают их через %w,
// обработчики сопоставляют через errors.Is.
var (
	// ErrNotFound возвращается, если кошелёк, заказ, трекер или заявка не найдены.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds возвращается, если списание сделало бы баланс отрицательным.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrMonthlyLimitExceeded возвращается при превышении месячного лимита списаний.
	ErrMonthlyLimitExceeded = errors.New("monthly spend limit exceeded")
	// ErrInvalidSignature возвращается, если подпись webhook не совпала.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidAmount возвращается для неположительных сумм.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidTransition возвращается при недопустимом переходе состояния.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrGatewayUnavailable возвращается при таймауте или 5xx платёжного шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	ErrForbidden          = errors.New("forbidden")
	ErrInvalidDestination = errors.New("invalid payout destination")
	ErrReasonRequired     = errors.New("rejection reason is required")
	ErrDuplicateReference = errors.New("order reference already exists")
	ErrInvalidCurrency    = errors.New("unknown currency")
	ErrInvalidPayload     = errors.New("invalid payload")
)
