package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/olympic/session-gateway/internal/audit"
	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/metrics"
	"github.com/olympic/session-gateway/internal/payment"
)

const paymentBodyContextKey contextKey = "paymentBody"

type contextKey string

// GetPaymentBody returns the verified raw notification body.
func GetPaymentBody(ctx context.Context) []byte {
	body, _ := ctx.Value(paymentBodyContextKey).([]byte)
	return body
}

type PaymentSignatureMiddleware struct {
	secret string
}

func NewPaymentSignatureMiddleware(secret string) *PaymentSignatureMiddleware {
	return &PaymentSignatureMiddleware{secret: secret}
}

func (m *PaymentSignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("payment signature middleware: failed to read body")
			reject(w, apperrors.ValidationError("Failed to read request body"), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if m.secret == "" {
			log.Warn().Msg("payment signature verification bypassed: NOWPAYMENTS_IPN_SECRET is not configured")
		} else {
			signature := r.Header.Get(payment.SignatureHeader)
			if signature == "" || !payment.VerifySignature(m.secret, body, signature) {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventWebhookBadSignature,
					Details: map[string]any{"signature_present": signature != ""},
				})
				reject(w, apperrors.InvalidSignature(), http.StatusUnauthorized)
				return
			}
		}

		ctx := context.WithValue(r.Context(), paymentBodyContextKey, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func reject(w http.ResponseWriter, err *apperrors.AppError, status int) {
	metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	writeError(w, err)
}
