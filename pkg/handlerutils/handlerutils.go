package handlerutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/obot-platform/oauth-connections/pkg/logger"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"go.uber.org/zap"
)

func JSON(w http.ResponseWriter, statusCode int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if obj != nil {
		if err := json.NewEncoder(w).Encode(obj); err != nil {
			logger.L().Error("failed to encode JSON response", zap.Error(err))
		}
	}
}

// WriteError writes the error payload for err. Unclassified errors are reported as a
// generic server error and logged, so internal details do not reach the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *oautherr.Error
	if !errors.As(err, &oe) {
		logger.From(r.Context()).Error("request failed", logger.Method(r.Method), logger.Path(r.URL.Path), zap.Error(err))
		JSON(w, http.StatusInternalServerError, types.ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		})
		return
	}

	JSON(w, oautherr.HTTPStatus(oe.Kind), types.ErrorResponse{
		Error:          oe.Message,
		Code:           string(oe.Kind),
		Details:        oe.Details,
		RequiresReauth: oautherr.RequiresReauth(oe.Kind),
	})
}

// BadRequest writes a 400 error payload
func BadRequest(w http.ResponseWriter, message string) {
	JSON(w, http.StatusBadRequest, types.ErrorResponse{
		Error: message,
		Code:  "BAD_REQUEST",
	})
}

// IsRelativeRedirect reports whether target stays on this host: a path starting with a
// single slash and no scheme or authority.
func IsRelativeRedirect(target string) bool {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	return !strings.ContainsAny(target, "\r\n")
}

// GetClientIP extracts the client IP from the request using the X-Forwarded-For,
// X-Real-IP and RemoteAddr headers.
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Get the first IP in the comma-separated list
		ifs := strings.Split(xff, ",")
		return strings.TrimSpace(ifs[0])
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

// GetBaseURL returns the URL of the request without the path and
// infers the scheme (http or https)
func GetBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
