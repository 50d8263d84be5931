package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/ngds/geopub/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureLogger struct {
	infos []*metrics.MetricsInfo
}

func (c *captureLogger) Log(info *metrics.MetricsInfo) {
	c.infos = append(c.infos, info)
}

func chain(h http.Handler, m ...func(http.Handler) http.Handler) http.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func TestRequestMiddleware(t *testing.T) {
	capture := &captureLogger{}
	var seen string
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		metrics.FromContext(r.Context()).AddUpstream(&metrics.UpstreamInfo{Service: "geoserver"})
		w.WriteHeader(http.StatusTeapot)
	}), RequestMiddleware(capture))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/publish-ogc?x=1", nil))

	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	require.Len(t, capture.infos, 1)
	assert.Equal(t, http.StatusTeapot, capture.infos[0].HTTPStatus)
	assert.Equal(t, seen, capture.infos[0].RequestID)
	assert.Len(t, capture.infos[0].Upstream, 1)

	id := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, id)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, id, seen)

	req.Header.Set(RequestIDHeader, "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "<script>", seen)
}

func TestRecoverAndLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RequestMiddleware(nil), LogMiddleware(logger), RecoverMiddleware(logger))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/publish-ogc", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	require.Equal(t, 1, logs.FilterMessage("handler panic").Len())
	access := logs.FilterMessage("access").All()
	require.Len(t, access, 1)
	assert.Equal(t, int64(500), access[0].ContextMap()["status"])
}
