package middleware

import (
	"net/http"

	apperrors "github.com/olympic/session-gateway/internal/errors"
	"github.com/olympic/session-gateway/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	httputil.WriteError(w, err)
}
