// Package model содержит доменные сущности ядра биллинга: кошельки, журнал операций,
// заказы, трекер публикации и заявки на вывод.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthenticatedUser описывает пользователя, уже проверенного внешним слоем аутентификации.
type AuthenticatedUser struct {
	ID      string
	IsAdmin bool
}

// Currency описывает валюту кошелька.
type Currency string

const (
	CurrencyCredits Currency = "credits"
	CurrencyCoins   Currency = "coins"
)

// Valid сообщает, известна ли валюта.
func (c Currency) Valid() bool {
	return c == CurrencyCredits || c == CurrencyCoins
}

// TransactionType описывает вид операции в журнале.
type TransactionType string

const (
	TransactionCredit     TransactionType = "Credit"
	TransactionDebit      TransactionType = "Debit"
	TransactionConversion TransactionType = "Conversion"
	TransactionTransfer   TransactionType = "Transfer"
)

// TransactionStatus описывает статус операции в журнале.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "Pending"
	TransactionCompleted TransactionStatus = "Completed"
	TransactionFailed    TransactionStatus = "Failed"
)

// Ключи метаданных, которые ядро записывает в журнал.
const (
	MetaKind         = "kind"
	MetaReference    = "reference"
	MetaConversionID = "conversion_id"
	MetaRequestID    = "conversion_request_id"
	MetaMultiplier   = "multiplier"
)

// Transaction описывает неизменяемую запись журнала операций. Amount всегда положителен,
// направление задаётся типом.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Type        TransactionType   `json:"type"`
	Currency    Currency          `json:"currency"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ExternalWallet описывает привязанный внешний адрес для выплат.
type ExternalWallet struct {
	Address          string `json:"address"`
	IsConnected      bool   `json:"is_connected"`
	LinkedAccountRef string `json:"linked_account_ref,omitempty"`
}

// Wallet хранит балансы пользователя в двух валютах и месячный лимит списаний.
type Wallet struct {
	UserID         string
	Credits        decimal.Decimal
	Coins          decimal.Decimal
	MonthlyLimit   decimal.Decimal
	TotalSpent     decimal.Decimal
	ExternalWallet *ExternalWallet
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance возвращает баланс кошелька в указанной валюте.
func (w *Wallet) Balance(c Currency) decimal.Decimal {
	if c == CurrencyCoins {
		return w.Coins
	}
	return w.Credits
}

func (w *Wallet) add(c Currency, amount decimal.Decimal) {
	if c == CurrencyCoins {
		w.Coins = w.Coins.Add(amount)
		return
	}
	w.Credits = w.Credits.Add(amount)
}

// IsNegative сообщает, нарушен ли инвариант неотрицательности балансов.
func (w *Wallet) IsNegative() bool {
	return w.Credits.IsNegative() || w.Coins.IsNegative()
}

// Clone возвращает глубокую копию кошелька.
func (w *Wallet) Clone() *Wallet {
	c := *w
	if w.ExternalWallet != nil {
		ew := *w.ExternalWallet
		c.ExternalWallet = &ew
	}
	return &c
}

// WalletMutation изменяет заблокированный кошелёк и возвращает записи журнала,
// которые должны быть добавлены в той же единице работы. monthlyUsage содержит сумму
// завершённых списаний кредитов за текущий календарный месяц.
type WalletMutation func(w *Wallet, monthlyUsage decimal.Decimal) ([]Transaction, error)

// Balance описывает ответ с балансом пользователя.
type Balance struct {
	Credits          decimal.Decimal `json:"credits"`
	Coins            decimal.Decimal `json:"coins"`
	MonthlyLimit     decimal.Decimal `json:"monthly_limit"`
	MonthlyUsage     decimal.Decimal `json:"monthly_usage"`
	MonthlyRemaining decimal.Decimal `json:"monthly_remaining"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	ExternalWallet   *ExternalWallet `json:"external_wallet,omitempty"`
}

// ConversionResult описывает результат обмена кредитов на монеты.
type ConversionResult struct {
	CreditsDebited decimal.Decimal `json:"credits_debited"`
	CoinsAdded     decimal.Decimal `json:"coins_added"`
	Multiplier     int64           `json:"multiplier"`
}

// Subscription описывает активную подписку пользователя.
type Subscription struct {
	UserID         string
	Plan           string
	CoinMultiplier int64
	ExpiresAt      time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderPending   OrderStatus = "Pending"
	OrderCompleted OrderStatus = "Completed"
	OrderFailed    OrderStatus = "Failed"
)

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "Pending"
	PaymentSuccessful PaymentStatus = "Successful"
	PaymentFailed     PaymentStatus = "Failed"
)

// OrderItem описывает позицию заказа.
type OrderItem struct {
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderSummary содержит итоговые суммы заказа.
type OrderSummary struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// Order описывает покупку, опционально связанную с публикуемым материалом.
type Order struct {
	Reference        string
	UserID           string
	Items            []OrderItem
	Summary          OrderSummary
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	LinkedItemID     string
	Channel          string
	AuthorizationURL string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// ConversionStatus описывает статус заявки на вывод.
type ConversionStatus string

const (
	ConversionPending  ConversionStatus = "pending"
	ConversionApproved ConversionStatus = "approved"
	ConversionRejected ConversionStatus = "rejected"
)

// ConversionRequest описывает заявку на вывод кредитов на внешний адрес с ручным одобрением.
type ConversionRequest struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	Amount             decimal.Decimal  `json:"amount"`
	DestinationAddress string           `json:"destination_address"`
	Status             ConversionStatus `json:"status"`
	RequestedAt        time.Time        `json:"requested_at"`
	DecidedBy          string           `json:"decided_by,omitempty"`
	DecidedAt          *time.Time       `json:"decided_at,omitempty"`
	RejectionReason    string           `json:"rejection_reason,omitempty"`
}

// ConversionDecision меняет заблокированную заявку и, при необходимости, возвращает
// изменение кошелька, которое применяется в той же единице работы.
type ConversionDecision func(req *ConversionRequest) (WalletMutation, error)

// ConversionFilter ограничивает выборку заявок. Пустые поля не фильтруют.
type ConversionFilter struct {
	UserID string
	Status ConversionStatus
}
