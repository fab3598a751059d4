// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

// IsValidAmount проверяет, что сумма положительна и содержит не больше двух знаков
// после запятой.
func IsValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Truncate(2))
}

// ParseCurrency разбирает код валюты. Пустая строка означает кредиты.
func ParseCurrency(s string) (model.Currency, error) {
	c := model.Currency(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return model.CurrencyCredits, nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidCurrency, s)
	}
	return c, nil
}

// IsValidPayoutAddress проверяет, что адрес является ненулевым публичным ключом Solana в base58.
func IsValidPayoutAddress(address string) bool {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(address))
	if err != nil {
		return false
	}
	return pk != solana.PublicKey{}
}
