package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/ratekeeper/internal/obs"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	rid, _ := obs.ReqIDFrom(r)
	writeJSON(w, code, errorBody{Error: errorDetail{Code: errCode, Message: msg, RequestID: rid}})
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch ratelimit.CodeOf(err) {
	case ratelimit.CodeValidation:
		return http.StatusBadRequest
	case ratelimit.CodeBackendUnavailable, ratelimit.CodeAnalytics:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := string(ratelimit.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, r, status, code, err.Error())
}
