package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/httputil"
	"github.com/olympic/session-gateway/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.ValidationError("Invalid JSON body")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// clientIP strips the port chi's RealIP leaves in place when no proxy
// header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// formatReconcile renders a reconciliation outcome for the poll endpoint.
func formatReconcile(result *service.ReconcileResult) map[string]any {
	body := map[string]any{
		"order_id": result.Order.ID,
		"status":   result.Order.Status,
	}
	if s := result.Session; s != nil {
		body["token"] = s.Token
		body["expires_at"] = formatTime(s.ExpiresAt)
		body["questions_left"] = s.CreditsRemaining
	}
	return body
}
