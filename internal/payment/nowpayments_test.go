package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateInvoice(t *testing.T) {
	t.Run("posts invoice and returns checkout url", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/invoice", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "order-1", body["order_id"])
			assert.Equal(t, 2.0, body["price_amount"])
			assert.Equal(t, "usd", body["price_currency"])
			assert.Equal(t, "https://gw.example.com/api/webhooks/payment", body["ipn_callback_url"])

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"4522625843","invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`))
		}))
		defer server.Close()

		client := NewClient("test-key", server.URL+"/", 5*time.Second)
		invoice, err := client.CreateInvoice(context.Background(), InvoiceRequest{
			OrderID:       "order-1",
			PriceAmount:   2.0,
			PriceCurrency: "usd",
			CallbackURL:   "https://gw.example.com/api/webhooks/payment",
		})

		require.NoError(t, err)
		assert.Equal(t, "4522625843", invoice.ID)
		assert.Equal(t, "https://nowpayments.io/payment/?iid=4522625843", invoice.CheckoutURL)
	})

	t.Run("numeric invoice id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":4522625843,"invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`))
		}))
		defer server.Close()

		client := NewClient("test-key", server.URL, 5*time.Second)
		invoice, err := client.CreateInvoice(context.Background(), InvoiceRequest{OrderID: "order-1"})

		require.NoError(t, err)
		assert.Equal(t, "4522625843", invoice.ID)
	})

	t.Run("provider error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient("test-key", server.URL, 5*time.Second)
		_, err := client.CreateInvoice(context.Background(), InvoiceRequest{OrderID: "order-1"})
		assert.Error(t, err)
	})

	t.Run("incomplete response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"1"}`))
		}))
		defer server.Close()

		client := NewClient("test-key", server.URL, 5*time.Second)
		_, err := client.CreateInvoice(context.Background(), InvoiceRequest{OrderID: "order-1"})
		assert.Error(t, err)
	})

	t.Run("missing api key", func(t *testing.T) {
		client := NewClient("", "http://127.0.0.1:1", 5*time.Second)
		_, err := client.CreateInvoice(context.Background(), InvoiceRequest{OrderID: "order-1"})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}

func TestClient_FetchStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/invoice/inv-1":
			w.Write([]byte(`{"id":"inv-1","payment_status":"finished"}`))
		case "/invoice/inv-2":
			w.Write([]byte(`{"id":"inv-2","status":"waiting"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	ctx := context.Background()

	status, err := client.FetchStatus(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "finished", status)

	status, err = client.FetchStatus(ctx, "inv-2")
	require.NoError(t, err)
	assert.Equal(t, "waiting", status)

	_, err = client.FetchStatus(ctx, "inv-3")
	assert.Error(t, err)

	_, err = client.FetchStatus(ctx, "")
	assert.Error(t, err)
}

func TestClient_FetchPaymentStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/payment/5077125051":
			w.Write([]byte(`{"payment_id":5077125051,"payment_status":"confirming","pay_currency":"btc"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	ctx := context.Background()

	status, err := client.FetchPaymentStatus(ctx, "5077125051")
	require.NoError(t, err)
	assert.Equal(t, "confirming", status)

	_, err = client.FetchPaymentStatus(ctx, "404")
	assert.Error(t, err)

	_, err = client.FetchPaymentStatus(ctx, "")
	assert.Error(t, err)
}
