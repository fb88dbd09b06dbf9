package obs

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn")
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())

	l = NewLogger(&buf, "nonsense")
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestLogger_AccessLogAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	h := Logger(NewLogger(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ReqIDFrom(r)
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/allow?user_id=alice", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req", line["message"])
	assert.Equal(t, "/allow", line["path"])
	assert.Equal(t, float64(http.StatusAccepted), line["status"])
	assert.Equal(t, seen, line["req_id"])
}

func TestLogger_ReusesInboundRequestID(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	h := Logger(NewLogger(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ReqIDFrom(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(RequestIDHeader, "3f2a9c1e-7b1d-4c2e-9a51-0e6f5d7c8b90")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "3f2a9c1e-7b1d-4c2e-9a51-0e6f5d7c8b90", seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, seen, line["req_id"])
}

func TestLogger_ReplacesMalformedRequestID(t *testing.T) {
	for name, inbound := range map[string]string{
		"spaces":   "two words",
		"too long": strings.Repeat("a", maxRequestIDLen+1),
		"quote":    `a"b`,
	} {
		t.Run(name, func(t *testing.T) {
			var seen string
			h := Logger(NewLogger(io.Discard, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = ReqIDFrom(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/livez", nil)
			req.Header.Set(RequestIDHeader, inbound)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.NotEqual(t, inbound, seen)
			_, err := xid.FromString(seen)
			assert.NoError(t, err)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		})
	}
}
