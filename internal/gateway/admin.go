package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/ratekeeper/internal/offenders"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

const defaultTopN = 10

type statsResponse struct {
	AllowedTotal int64             `json:"allowed_total"`
	DeniedTotal  int64             `json:"denied_total"`
	ActiveKeys   *int64            `json:"active_keys"`
	TopOffenders []offenders.Entry `json:"top_offenders"`
}

type windowResponse struct {
	Window       string            `json:"window"`
	Bucket       string            `json:"bucket"`
	TopOffenders []offenders.Entry `json:"top_offenders"`
}

type userResponse struct {
	UserID    string                   `json:"user_id"`
	Resources []ratelimit.ResourceView `json:"resources"`
}

type limitView struct {
	Capacity   int64   `json:"capacity"`
	RatePerSec float64 `json:"refill_rate_per_sec"`
}

func topN(r *http.Request) (int, error) {
	v := r.URL.Query().Get("top_n")
	if v == "" {
		return defaultTopN, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, ratelimit.Validationf("top_n must be a positive integer")
	}
	return n, nil
}

// stats degrades instead of failing: an unreachable analytics store yields
// an empty ranking and a null active key count.
func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	n, err := topN(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	log := hlog.FromRequest(r)

	resp := statsResponse{TopOffenders: []offenders.Entry{}}
	if s.Metrics != nil {
		resp.AllowedTotal, resp.DeniedTotal = s.Metrics.Totals()
	}

	top, err := s.Offenders.TopOffenders(r.Context(), n)
	switch {
	case err == nil:
		resp.TopOffenders = top
	case errors.Is(err, ratelimit.ErrValidation):
		writeEngineError(w, r, err)
		return
	default:
		log.Warn().Err(err).Msg("stats: top offenders")
		s.analyticsFailed("top_offenders")
	}

	if active, err := s.Buckets.ActiveKeys(r.Context()); err == nil {
		resp.ActiveKeys = &active
		if s.Metrics != nil {
			s.Metrics.ActiveKeys.Set(float64(active))
		}
	} else {
		log.Warn().Err(err).Msg("stats: active keys")
		s.analyticsFailed("count_buckets")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) topOffenders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := q.Get("window")
	if window == "" {
		window = "1h"
	}
	bucket := q.Get("bucket")
	if bucket == "" {
		bucket = string(offenders.Minute)
	}
	n, err := topN(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	top, err := s.Offenders.TopOffendersInWindow(r.Context(), window, bucket, n)
	if err != nil {
		if errors.Is(err, ratelimit.ErrAnalytics) {
			s.analyticsFailed("top_offenders_window")
		}
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, windowResponse{Window: window, Bucket: bucket, TopOffenders: top})
}

func (s *server) user(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["user_id"]
	views, err := s.Buckets.SubjectProjection(r.Context(), subject)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{UserID: subject, Resources: views})
}

func (s *server) resources(w http.ResponseWriter, _ *http.Request) {
	limits := s.Engine.Resources()
	out := make(map[string]limitView, len(limits))
	for name, l := range limits {
		out[name] = limitView{Capacity: l.Capacity, RatePerSec: l.RatePerSec}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) analyticsFailed(op string) {
	if s.Metrics != nil {
		s.Metrics.AnalyticsFailed(op)
	}
}
