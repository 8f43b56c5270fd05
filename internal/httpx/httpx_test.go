package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

const testID = "0123456789abcdef0123456789abcdef"

// mockService records calls and returns canned results.
type mockService struct {
	createID  domain.EntryID
	createErr error
	gotText   string
	gotType   string
	gotValue  int

	view    app.View
	readErr error
	readID  string

	status    app.Status
	statusErr error

	panicOnRead bool
}

func (m *mockService) CreateEntry(_ context.Context, text, typ string, value int) (domain.EntryID, error) {
	m.gotText, m.gotType, m.gotValue = text, typ, value
	return m.createID, m.createErr
}

func (m *mockService) ReadEntry(_ context.Context, id string) (app.View, error) {
	if m.panicOnRead {
		panic("boom")
	}
	m.readID = id
	return m.view, m.readErr
}

func (m *mockService) Status(_ context.Context, _ string) (app.Status, error) {
	return m.status, m.statusErr
}

func newTestRouter(svc ServicePort, maxBody int64) (http.Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	h := New(svc, maxBody, nil)
	h.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return h.Router(), &buf
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, r)
	return rw
}

func decodeBody(t *testing.T, rw *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out), rw.Body.String())
	return out
}

func TestCreateSuccess(t *testing.T) {
	svc := &mockService{createID: testID}
	h, _ := newTestRouter(svc, 1024)
	rw := do(t, h, http.MethodPost, "/api/text", `{"text":"hello","expirationType":"views","expirationValue":3}`)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	assert.Equal(t, testID, decodeBody(t, rw)["id"])
	assert.Equal(t, "hello", svc.gotText)
	assert.Equal(t, "views", svc.gotType)
	assert.Equal(t, 3, svc.gotValue)
}

func TestCreateBadRequests(t *testing.T) {
	cases := map[string]string{
		"not json":        `text=hello`,
		"unknown field":   `{"text":"x","expirationType":"views","expirationValue":1,"extra":true}`,
		"fractional":      `{"text":"x","expirationType":"views","expirationValue":1.5}`,
		"exponent":        `{"text":"x","expirationType":"views","expirationValue":1e2}`,
		"missing value":   `{"text":"x","expirationType":"views"}`,
		"string value":    `{"text":"x","expirationType":"views","expirationValue":"three"}`,
		"overflowing int": `{"text":"x","expirationType":"views","expirationValue":99999999999999999999999}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &mockService{createID: testID}
			h, _ := newTestRouter(svc, 1024)
			rw := do(t, h, http.MethodPost, "/api/text", body)
			assert.Equal(t, http.StatusBadRequest, rw.Code)
			assert.Contains(t, decodeBody(t, rw), "error")
			assert.Empty(t, svc.gotType, "service must not be called")
		})
	}
}

func TestCreateBodyTooLarge(t *testing.T) {
	svc := &mockService{createID: testID}
	h, _ := newTestRouter(svc, 10)
	text := strings.Repeat("a", maxEscapeRatio*10+jsonOverhead+1)
	body := fmt.Sprintf(`{"text":%q,"expirationType":"views","expirationValue":1}`, text)
	rw := do(t, h, http.MethodPost, "/api/text", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rw.Code)
}

func TestCreateAcceptsEscapedText(t *testing.T) {
	svc := &mockService{createID: testID}
	const maxBody = 16 << 10
	h, _ := newTestRouter(svc, maxBody)
	// 4000 emoji are 16000 bytes of text but 48000 bytes once \u-escaped.
	escaped := strings.Repeat(`\ud83d\ude00`, 4000)
	body := `{"text":"` + escaped + `","expirationType":"views","expirationValue":1}`
	require.Greater(t, len(body), 2*maxBody+jsonOverhead)

	rw := do(t, h, http.MethodPost, "/api/text", body)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	assert.Equal(t, strings.Repeat("\U0001F600", 4000), svc.gotText)
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrEmptyText, http.StatusBadRequest},
		{fmt.Errorf("%w: at most 10 views", domain.ErrInvalidExpiration), http.StatusBadRequest},
		{app.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{app.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidID, http.StatusNotFound},
		{app.ErrGone, http.StatusGone},
		{fmt.Errorf("%w: disk on fire", app.ErrStorageUnavailable), http.StatusInternalServerError},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			svc := &mockService{createErr: tc.err, readErr: tc.err, statusErr: tc.err}
			h, logs := newTestRouter(svc, 1024)

			rw := do(t, h, http.MethodPost, "/api/text", `{"text":"x","expirationType":"views","expirationValue":1}`)
			assert.Equal(t, tc.code, rw.Code)
			assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))

			rw = do(t, h, http.MethodGet, "/api/text/"+testID, "")
			assert.Equal(t, tc.code, rw.Code)
			rw = do(t, h, http.MethodGet, "/api/text/"+testID+"/status", "")
			assert.Equal(t, tc.code, rw.Code)

			if tc.code == http.StatusInternalServerError {
				assert.NotContains(t, logs.String(), "disk on fire")
				assert.NotContains(t, logs.String(), "mystery")
			}
		})
	}
}

func TestReadViewsPolicy(t *testing.T) {
	p, err := domain.ByViews(3)
	require.NoError(t, err)
	svc := &mockService{view: app.View{Text: "hello", Views: 3, Policy: p, IsLastView: true}}
	h, _ := newTestRouter(svc, 0)
	rw := do(t, h, http.MethodGet, "/api/text/"+testID, "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, testID, svc.readID)
	assert.Equal(t, "no-store", rw.Header().Get("Cache-Control"))
	body := decodeBody(t, rw)
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, float64(3), body["views"])
	assert.Equal(t, float64(3), body["maxViews"])
	assert.Nil(t, body["expiresAt"])
	assert.Equal(t, true, body["isLastView"])
}

func TestReadTimePolicy(t *testing.T) {
	exp := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := &mockService{view: app.View{Text: "t", Views: 1, Policy: domain.ByTime(exp)}}
	h, _ := newTestRouter(svc, 0)
	rw := do(t, h, http.MethodGet, "/api/text/"+testID, "")
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Nil(t, body["maxViews"])
	assert.Equal(t, "2025-05-01T10:00:00Z", body["expiresAt"])
	assert.Equal(t, false, body["isLastView"])
}

func TestStatus(t *testing.T) {
	p, _ := domain.ByViews(5)
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := &mockService{status: app.Status{Views: 2, Policy: p, CreatedAt: created}}
	h, _ := newTestRouter(svc, 0)
	rw := do(t, h, http.MethodGet, "/api/text/"+testID+"/status", "")
	require.Equal(t, http.StatusOK, rw.Code)
	body := decodeBody(t, rw)
	assert.Equal(t, float64(2), body["views"])
	assert.Equal(t, float64(5), body["maxViews"])
	assert.Equal(t, "2025-05-01T09:00:00Z", body["createdAt"])
	assert.NotContains(t, body, "text")
}

func TestRoutingErrors(t *testing.T) {
	h, _ := newTestRouter(&mockService{}, 0)
	rw := do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "not found", decodeBody(t, rw)["error"])

	rw = do(t, h, http.MethodDelete, "/api/text/"+testID, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)

	rw = do(t, h, http.MethodGet, "/api/text", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rw.Code)
}

func TestHealthAndReady(t *testing.T) {
	h := New(&mockService{}, 0, nil)
	r := h.Router()
	rw := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "ok", rw.Body.String())
	rw = do(t, r, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rw.Code)

	h.Readiness = func(context.Context) error { return errors.New("db down") }
	rw = do(t, h.Router(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
}

func TestMetricsMount(t *testing.T) {
	h := New(&mockService{}, 0, nil)
	rw := do(t, h.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)

	h.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rw = do(t, h.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusTeapot, rw.Code)
}

func TestRecoverer(t *testing.T) {
	h, _ := newTestRouter(&mockService{panicOnRead: true}, 0)
	rw := do(t, h, http.MethodGet, "/api/text/"+testID, "")
	assert.Equal(t, http.StatusInternalServerError, rw.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h, _ := newTestRouter(&mockService{}, 0)
	rw := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, "nosniff", rw.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rw.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", rw.Header().Get("Cache-Control"))
	assert.Contains(t, rw.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCorrelationID(t *testing.T) {
	h, _ := newTestRouter(&mockService{}, 0)

	rw := do(t, h, http.MethodGet, "/healthz", "")
	_, err := uuid.Parse(rw.Header().Get(CorrelationIDHeader))
	assert.NoError(t, err, "generated id must be a uuid")

	for in, keep := range map[string]bool{
		"req-123":               true,
		"has space":             false,
		strings.Repeat("x", 65): false,
		"line\nbreak":           false,
		"abc.DEF_0-9":           true,
	} {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		r.Header.Set(CorrelationIDHeader, in)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, r)
		got := rw.Header().Get(CorrelationIDHeader)
		if keep {
			assert.Equal(t, in, got)
		} else {
			assert.NotEqual(t, in, got)
		}
	}
}

func TestGetCorrelationIDMissing(t *testing.T) {
	_, ok := GetCorrelationID(context.Background())
	assert.False(t, ok)
}

func TestRequestLogOmitsIDs(t *testing.T) {
	svc := &mockService{readErr: app.ErrNotFound}
	h, logs := newTestRouter(svc, 0)
	_ = do(t, h, http.MethodGet, "/api/text/"+testID, "")
	out := logs.String()
	assert.Contains(t, out, `"route":"/api/text/{id}"`)
	assert.Contains(t, out, `"status":404`)
	assert.NotContains(t, out, testID)
}
