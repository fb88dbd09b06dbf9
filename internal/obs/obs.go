package obs

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 128

type reqIDKey struct{}

// SetupLogger builds the service logger writing JSON to stdout.
func SetupLogger(level string) zerolog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger builds a JSON logger on w at the given level (info when the
// level does not parse).
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Logger returns a middleware that logs per-request with duration and status.
// A well-formed inbound X-Request-ID is reused; otherwise the request gets a
// fresh xid. Either way the id is echoed in the response header.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(logger)(
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Int("status", status).
					Int("size", size).
					Dur("dur", duration).
					Msg("req")
			})(
				hlog.UserAgentHandler("ua")(
					requestID("req_id", RequestIDHeader)(next),
				),
			),
		)
		return h
	}
}

// requestID mirrors hlog.RequestIDHandler but keeps a caller supplied id.
func requestID(fieldKey, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(headerName))
			if !validRequestID(id) {
				id = xid.New().String()
			}
			ctx := context.WithValue(r.Context(), reqIDKey{}, id)
			r = r.WithContext(ctx)

			log := zerolog.Ctx(ctx)
			log.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str(fieldKey, id)
			})
			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r)
		})
	}
}

// validRequestID accepts short tokens of letters, digits and ._:- only, so a
// caller cannot inject arbitrary bytes into logs or response headers.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// ReqIDFrom returns the request id assigned by the logging middleware.
func ReqIDFrom(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(reqIDKey{}).(string)
	return id, ok && id != ""
}
