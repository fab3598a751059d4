package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Виды операций, которые записываются в метаданные журнала.
const (
	KindCredit           = "credit"
	KindDebit            = "debit"
	KindConversion       = "credits_to_coins"
	KindConversionEscrow = "conversion_escrow"
	KindConversionRefund = "conversion_refund"
)

// LedgerEntry описывает одно изменение баланса до его применения.
type LedgerEntry struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    Currency
	Description string
	Metadata    map[string]string
	At          time.Time
}

// reservedMeta перечисляет ключи, которые пишет только ядро. Значения этих ключей из
// метаданных вызывающего отбрасываются.
var reservedMeta = map[string]bool{
	MetaKind:         true,
	MetaReference:    true,
	MetaConversionID: true,
	MetaRequestID:    true,
	MetaMultiplier:   true,
}

func (e LedgerEntry) transaction(t TransactionType, kind string, system map[string]string) Transaction {
	meta := make(map[string]string, len(e.Metadata)+len(system)+1)
	for k, v := range e.Metadata {
		if !reservedMeta[k] {
			meta[k] = v
		}
	}
	for k, v := range system {
		meta[k] = v
	}
	meta[MetaKind] = kind

	return Transaction{
		ID:          uuid.NewString(),
		UserID:      e.UserID,
		Amount:      e.Amount,
		Type:        t,
		Currency:    e.Currency,
		Status:      TransactionCompleted,
		Description: e.Description,
		Metadata:    meta,
		CreatedAt:   e.At,
	}
}

func validateEntry(e LedgerEntry) error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, e.Amount)
	}
	if !e.Currency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, e.Currency)
	}
	return nil
}

// CreditMutation зачисляет сумму на кошелёк.
func CreditMutation(e LedgerEntry) WalletMutation {
	return creditMutation(e, KindCredit, nil)
}

func creditMutation(e LedgerEntry, kind string, system map[string]string) WalletMutation {
	return func(w *Wallet, _ decimal.Decimal) ([]Transaction, error) {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		w.add(e.Currency, e.Amount)
		w.UpdatedAt = e.At
		return []Transaction{e.transaction(TransactionCredit, kind, system)}, nil
	}
}

// DebitMutation списывает сумму с кошелька. Для кредитов дополнительно проверяется
// месячный лимит по авторитетной сумме списаний из журнала.
func DebitMutation(e LedgerEntry) WalletMutation {
	return func(w *Wallet, monthlyUsage decimal.Decimal) ([]Transaction, error) {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if w.Balance(e.Currency).LessThan(e.Amount) {
			return nil, fmt.Errorf("%w: balance %s, requested %s %s",
				ErrInsufficientFunds, w.Balance(e.Currency), e.Amount, e.Currency)
		}
		if e.Currency == CurrencyCredits && monthlyUsage.Add(e.Amount).GreaterThan(w.MonthlyLimit) {
			return nil, fmt.Errorf("%w: used %s of %s, requested %s",
				ErrMonthlyLimitExceeded, monthlyUsage, w.MonthlyLimit, e.Amount)
		}
		w.add(e.Currency, e.Amount.Neg())
		w.TotalSpent = w.TotalSpent.Add(e.Amount)
		w.UpdatedAt = e.At
		return []Transaction{e.transaction(TransactionDebit, KindDebit, nil)}, nil
	}
}

// ConvertMutation обменивает кредиты на монеты по множителю подписки и пишет
// пару связанных записей Conversion, по одной на каждую валюту.
func ConvertMutation(e LedgerEntry, multiplier int64, result *ConversionResult) WalletMutation {
	if multiplier < 1 {
		multiplier = 1
	}
	return func(w *Wallet, _ decimal.Decimal) ([]Transaction, error) {
		e.Currency = CurrencyCredits
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if w.Credits.LessThan(e.Amount) {
			return nil, fmt.Errorf("%w: balance %s, requested %s credits",
				ErrInsufficientFunds, w.Credits, e.Amount)
		}

		coins := e.Amount.Mul(decimal.NewFromInt(multiplier))
		w.Credits = w.Credits.Sub(e.Amount)
		w.Coins = w.Coins.Add(coins)
		w.UpdatedAt = e.At

		conversionID := uuid.NewString()
		meta := map[string]string{
			MetaConversionID: conversionID,
			MetaMultiplier:   strconv.FormatInt(multiplier, 10),
		}

		out := e
		in := e
		in.Amount = coins
		in.Currency = CurrencyCoins

		if result != nil {
			*result = ConversionResult{
				CreditsDebited: e.Amount,
				CoinsAdded:     coins,
				Multiplier:     multiplier,
			}
		}

		return []Transaction{
			out.transaction(TransactionConversion, KindConversion, meta),
			in.transaction(TransactionConversion, KindConversion, meta),
		}, nil
	}
}

// EscrowMutation резервирует кредиты под заявку на вывод. Запись имеет тип Transfer,
// поэтому не учитывается в месячном лимите списаний.
func EscrowMutation(e LedgerEntry, requestID string) WalletMutation {
	return func(w *Wallet, _ decimal.Decimal) ([]Transaction, error) {
		e.Currency = CurrencyCredits
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if w.Credits.LessThan(e.Amount) {
			return nil, fmt.Errorf("%w: balance %s, requested %s credits",
				ErrInsufficientFunds, w.Credits, e.Amount)
		}
		w.Credits = w.Credits.Sub(e.Amount)
		w.UpdatedAt = e.At
		return []Transaction{e.transaction(TransactionTransfer, KindConversionEscrow,
			map[string]string{MetaRequestID: requestID})}, nil
	}
}

// RefundMutation возвращает зарезервированные кредиты компенсирующей записью Credit.
func RefundMutation(e LedgerEntry, requestID string) WalletMutation {
	e.Currency = CurrencyCredits
	return creditMutation(e, KindConversionRefund, map[string]string{MetaRequestID: requestID})
}

// MonthStart возвращает начало календарного месяца для момента t в UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
