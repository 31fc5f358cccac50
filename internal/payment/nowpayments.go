// Package payment talks to the NowPayments invoice API and verifies its
// instant payment notifications.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	ProviderName = "nowpayments"

	apiKeyHeader      = "x-api-key"
	maxResponseLength = 1 << 20
)

var ErrNotConfigured = errors.New("payment provider api key is not configured")

type InvoiceRequest struct {
	OrderID       string
	PriceAmount   float64
	PriceCurrency string
	Description   string
	CallbackURL   string
}

type Invoice struct {
	ID          string
	CheckoutURL string
}

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type createInvoiceBody struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
}

type invoiceResponse struct {
	ID            FlexibleID `json:"id"`
	InvoiceURL    string     `json:"invoice_url"`
	PaymentStatus string     `json:"payment_status"`
	Status        string     `json:"status"`
}

func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body, err := json.Marshal(createInvoiceBody{
		PriceAmount:      req.PriceAmount,
		PriceCurrency:    req.PriceCurrency,
		OrderID:          req.OrderID,
		OrderDescription: req.Description,
		IPNCallbackURL:   req.CallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invoice: %w", err)
	}

	var resp invoiceResponse
	if err := c.do(ctx, http.MethodPost, "/invoice", body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.InvoiceURL == "" {
		return nil, fmt.Errorf("invoice response missing id or invoice_url")
	}

	log.Info().
		Str("orderId", req.OrderID).
		Str("invoiceId", string(resp.ID)).
		Msg("invoice created")

	return &Invoice{ID: string(resp.ID), CheckoutURL: resp.InvoiceURL}, nil
}

// FetchStatus returns the provider's raw payment status for an invoice.
func (c *Client) FetchStatus(ctx context.Context, invoiceID string) (string, error) {
	if invoiceID == "" {
		return "", fmt.Errorf("invoice id is required")
	}

	var resp invoiceResponse
	if err := c.do(ctx, http.MethodGet, "/invoice/"+url.PathEscape(invoiceID), nil, &resp); err != nil {
		return "", err
	}
	if resp.PaymentStatus != "" {
		return resp.PaymentStatus, nil
	}
	return resp.Status, nil
}

type paymentResponse struct {
	PaymentID     FlexibleID `json:"payment_id"`
	PaymentStatus string     `json:"payment_status"`
}

// FetchPaymentStatus returns the status of a single payment, the id the
// provider sends as payment_id in its notifications.
func (c *Client) FetchPaymentStatus(ctx context.Context, paymentID string) (string, error) {
	if paymentID == "" {
		return "", fmt.Errorf("payment id is required")
	}

	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/payment/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return "", err
	}
	return resp.PaymentStatus, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Dur("elapsed", elapsed).
			Msg("payment provider request error")
		return fmt.Errorf("payment provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Str("path", path).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("payment provider request failed")
		return fmt.Errorf("payment provider returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FlexibleID accepts identifiers the provider encodes either as JSON
// numbers or as strings.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = FlexibleID(n.String())
	return nil
}
