package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/internal/metrics"
	"chatrelay/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(logger *logrus.Logger, h http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(Observability(logger))
	r.HandleFunc("/api/chat/messages/{id}", h)
	return r
}

func TestObservability_TagsRequestAndRecordsMetrics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var seenID string
	router := newRouter(logger, func(w http.ResponseWriter, r *http.Request) {
		seenID = tracing.GetRequestID(r.Context())
		_, _ = w.Write([]byte("ok"))
	})

	before := metrics.GetRegistry().Counter("http_requests_total", map[string]string{
		"method": http.MethodGet, "endpoint": "/api/chat/messages/{id}",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/messages/m1", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, seenID)
	assert.True(t, strings.HasPrefix(seenID, "req_"))
	assert.Equal(t, seenID, w.Header().Get(RequestIDHeader))

	after := metrics.GetRegistry().Counter("http_requests_total", map[string]string{
		"method": http.MethodGet, "endpoint": "/api/chat/messages/{id}",
	})
	assert.Equal(t, float64(1), after-before, "route template keeps the label bounded")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "HTTP request started", entries[0].Message)
	assert.Equal(t, "HTTP request completed", entries[1].Message)
	assert.Equal(t, logrus.InfoLevel, entries[1].Level)
	assert.Equal(t, "192.168.1.100", entries[1].Data["remote_ip"])
	assert.Equal(t, int64(2), entries[1].Data["size"])
}

func TestObservability_ReusesIncomingRequestID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	router := newRouter(logger, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/messages/m1", nil)
	req.Header.Set(RequestIDHeader, "req_upstream")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req_upstream", w.Header().Get(RequestIDHeader))
}

func TestObservability_LogLevelFollowsStatus(t *testing.T) {
	cases := map[int]logrus.Level{
		http.StatusNotFound:            logrus.WarnLevel,
		http.StatusInternalServerError: logrus.ErrorLevel,
	}
	for status, level := range cases {
		logger, hook := test.NewNullLogger()
		router := newRouter(logger, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat/messages/x", nil))

		last := hook.LastEntry()
		require.NotNil(t, last)
		assert.Equal(t, level, last.Level, "status %d", status)
		assert.Equal(t, status, last.Data["status_code"])
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWrapper_Hijack(t *testing.T) {
	inner := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWrapper{ResponseWriter: inner, statusCode: http.StatusOK}

	_, _, err := rw.Hijack()
	require.NoError(t, err)
	assert.True(t, inner.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.statusCode)

	plain := &responseWrapper{ResponseWriter: httptest.NewRecorder()}
	_, _, err = plain.Hijack()
	assert.Error(t, err)
}

func TestDetailedLogging_MasksHeadersAndBody(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := DefaultDetailedLoggingConfig()
	cfg.LogRequestBody = true
	cfg.LogResponseBody = true
	cfg.LogResponseHeaders = true

	var received []byte
	h := DetailedLogging(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		received = buf.Bytes()
		w.Header().Set("Set-Cookie", "session=abc")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"messageId": "msg-123456789"})
	}))

	body := `{"userId":"alice-0123456","text":"secret words"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat/messages/retry", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, body, string(received), "handler still sees the full body")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)

	headers := entries[0].Data["request_headers"].(map[string]string)
	assert.Equal(t, "***MASKED***", headers["Authorization"])
	logged := entries[0].Data["request_body"].(map[string]interface{})
	assert.NotEqual(t, "alice-0123456", logged["userId"])
	assert.NotContains(t, logged["text"], "secret")

	assert.Equal(t, http.StatusAccepted, entries[1].Data["status_code"])
	respHeaders := entries[1].Data["response_headers"].(map[string]string)
	assert.Equal(t, "***MASKED***", respHeaders["Set-Cookie"])
	respBody := entries[1].Data["response_body"].(map[string]interface{})
	assert.NotEqual(t, "msg-123456789", respBody["messageId"])
}

func TestDetailedLogging_SkipsWhenNotDebugOrSkipped(t *testing.T) {
	logger, hook := test.NewNullLogger()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	DetailedLogging(logger, DefaultDetailedLoggingConfig())(next).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/chat/status", nil))
	assert.Empty(t, hook.AllEntries(), "info level logs nothing")

	logger.SetLevel(logrus.DebugLevel)
	DetailedLogging(logger, DefaultDetailedLoggingConfig())(next).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, hook.AllEntries(), "health is skipped")
}

func TestDetailedLogging_LargeResponseTruncated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := DefaultDetailedLoggingConfig()
	cfg.LogResponseBody = true
	cfg.MaxBodySize = 8

	DetailedLogging(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/chat/statistics", nil))

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, http.StatusOK, last.Data["status_code"])
	assert.Contains(t, last.Data["response_body"], "TRUNCATED")
}
