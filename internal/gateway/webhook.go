package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

// SignatureHeader содержит подпись вебхука.
const SignatureHeader = "X-Paystack-Signature"

// EventChargeSuccess означает успешное списание.
const EventChargeSuccess = "charge.success"

// Event описывает разобранное уведомление шлюза.
type Event struct {
	Name      string
	Reference string
	Status    string
	Amount    decimal.Decimal
	Channel   string
}

type eventPayload struct {
	Event string          `json:"event"`
	Data  transactionData `json:"data"`
}

// Sign возвращает HMAC-SHA512 подпись тела в шестнадцатеричном виде.
func (c *Client) Sign(payload []byte) string {
	return Sign(c.webhookSecret, payload)
}

// Sign возвращает HMAC-SHA512 подпись тела секретом secret в шестнадцатеричном виде.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сверяет подпись с телом запроса в постоянное время. Заголовок
// сравнивается побайтно, без нормализации регистра и пробелов.
func (c *Client) VerifySignature(payload []byte, signature string) error {
	expected := c.Sign(payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return model.ErrInvalidSignature
	}
	return nil
}

// ParseEvent разбирает тело вебхука.
func (c *Client) ParseEvent(payload []byte) (*Event, error) {
	var p eventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &Event{
		Name:      p.Event,
		Reference: p.Data.Reference,
		Status:    p.Data.Status,
		Amount:    fromMinor(p.Data.Amount),
		Channel:   p.Data.Channel,
	}, nil
}
