package gateway

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

type allowResponse struct {
	Allowed    bool    `json:"allowed"`
	RetryAfter float64 `json:"retry_after"`
	TokensLeft float64 `json:"tokens_left"`
}

// allow handles POST /allow?user_id=&resource=&cost=. The idempotency
// token comes from the Idempotency-Key header or the idempotency query
// parameter.
func (s *server) allow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	resource := q.Get("resource")
	if resource == "" {
		resource = ratelimit.DefaultResource
	}

	cost := int64(ratelimit.DefaultCost)
	if v := q.Get("cost"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeEngineError(w, r, ratelimit.Validationf("cost must be an integer"))
			return
		}
		cost = n
	}

	token := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if token == "" {
		token = q.Get("idempotency")
	}

	dec, err := s.Engine.Allow(r.Context(), ratelimit.Request{
		Subject:          q.Get("user_id"),
		Resource:         resource,
		Cost:             cost,
		IdempotencyToken: token,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	// headers for good DX
	limit := s.Engine.LimitFor(resource)
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit.Capacity, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(dec.Remaining)), 10))

	resp := allowResponse{
		Allowed:    dec.Allowed,
		RetryAfter: round(dec.RetryAfterSeconds(), 6),
		TokensLeft: round(dec.Remaining, 6),
	}
	if dec.Allowed {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Retry-After", strconv.FormatFloat(round(dec.RetryAfterSeconds(), 3), 'f', -1, 64))
	writeJSON(w, http.StatusTooManyRequests, resp)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
