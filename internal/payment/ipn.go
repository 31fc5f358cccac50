package payment

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/olympic/session-gateway/internal/util"
)

const SignatureHeader = "x-nowpayments-sig"

// Notification is the subset of an IPN payload the gateway acts on.
type Notification struct {
	OrderID       string     `json:"order_id"`
	PaymentStatus string     `json:"payment_status"`
	PaymentID     FlexibleID `json:"payment_id"`
	InvoiceID     FlexibleID `json:"invoice_id"`
}

func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("notification missing order_id")
	}
	return &n, nil
}

// Sign computes the IPN signature: HMAC-SHA512 over the payload re-encoded
// with object keys sorted at every level.
func Sign(secret string, body []byte) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	return util.HmacSHA512(secret, canonical), nil
}

func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := Sign(secret, body)
	if err != nil {
		return false
	}
	return util.ConstantTimeEqual(expected, signature)
}

func canonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
