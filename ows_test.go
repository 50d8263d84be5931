package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ngds/geopub/catalog"
	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/geoserver"
	"github.com/ngds/geopub/layer"
	"github.com/ngds/geopub/metrics"
	"github.com/ngds/geopub/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	published []layer.PublishRequest
	retracted []layer.RetractRequest
	err       error
	panics    bool
}

func (f *fakePublisher) Publish(ctx context.Context, req layer.PublishRequest) (*layer.Layer, error) {
	if f.panics {
		panic("boom")
	}
	f.published = append(f.published, req)
	if f.err != nil {
		return nil, f.err
	}
	return &layer.Layer{
		Name:          req.LayerName,
		Workspace:     req.WorkspaceName,
		WorkspaceName: req.WorkspaceName,
		Datastore:     &geoserver.Datastore{Name: "datastore", Workspace: req.WorkspaceName},
		TableName:     req.ResourceID,
		Ingestor:      "csv",
		FileResource:  catalog.Resource{"id": req.ResourceID, "layer_name": req.LayerName},
		WMS:           catalog.Resource{"id": "wms-1"},
		WFS:           catalog.Resource{"id": "wfs-1"},
	}, nil
}

func (f *fakePublisher) Retract(ctx context.Context, req layer.RetractRequest) error {
	if f.panics {
		panic("boom")
	}
	f.retracted = append(f.retracted, req)
	return f.err
}

type fakeInferrer struct {
	layer, version string
	err            error
}

func (f *fakeInferrer) InferContentModel(ctx context.Context, packageID, resourceID string, models *catalog.ContentModels) (string, string, error) {
	return f.layer, f.version, f.err
}

type captureLogger struct {
	infos []*metrics.MetricsInfo
}

func (c *captureLogger) Log(info *metrics.MetricsInfo) {
	c.infos = append(c.infos, info)
}

func newTestHandler(pub *fakePublisher, inf *fakeInferrer) *ogcHandler {
	return &ogcHandler{
		publisher:  pub,
		inferrer:   inf,
		userHeader: "X-Remote-User",
		logger:     zap.NewNop(),
	}
}

func publishForm() url.Values {
	return url.Values{
		"resource_id":           {"res-1"},
		"package_id":            {"pkg-1"},
		"geoserver_lat_field":   {"LatDegree"},
		"geoserver_lng_field":   {"LongDegree"},
		"geoserver_state_field": {"CA"},
	}
}

func newPost(path string, form url.Values, xhr bool) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Remote-User", "alice")
	if xhr {
		r.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPublishWorkspaceNaming(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub, &fakeInferrer{layer: "wells", version: "1.5"})

	rec := httptest.NewRecorder()
	h.publish(rec, newPost("/publish-ogc", publishForm(), true))

	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	require.Len(t, pub.published, 1)
	req := pub.published[0]
	assert.Equal(t, "CAwells", req.WorkspaceName)
	assert.Equal(t, "wells", req.LayerName)
	assert.Equal(t, "1.5", req.LayerVersion)
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, "LatDegree", req.LatField)
	assert.Equal(t, "LongDegree", req.LngField)

	result := out["result"].(map[string]interface{})
	assert.Equal(t, "CAwells", result["workspace_name"])
	assert.Equal(t, "datastore", result["datastore"])
}

func TestPublishLayerNameOverride(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub, &fakeInferrer{layer: "wells", version: "1.5"})

	form := publishForm()
	form.Set("layer_name", "BoreholeTemperature")
	h.publish(httptest.NewRecorder(), newPost("/publish-ogc", form, true))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "BoreholeTemperature", pub.published[0].LayerName)
	assert.Equal(t, "CABoreholeTemperature", pub.published[0].WorkspaceName)
}

func TestPublishRequiresXHRPost(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub, &fakeInferrer{layer: "wells", version: "1.5"})

	for _, r := range []*http.Request{
		newPost("/publish-ogc", publishForm(), false),
		httptest.NewRequest(http.MethodGet, "/publish-ogc?resource_id=res-1", nil),
	} {
		rec := httptest.NewRecorder()
		h.publish(rec, r)
		out := decode(t, rec)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, msgBadRequest, out["message"])
	}
	assert.Empty(t, pub.published)
}

func TestPublishNotEnoughInformation(t *testing.T) {
	tests := []struct {
		name string
		inf  *fakeInferrer
	}{
		{"no resource", &fakeInferrer{layer: "wells", version: "1.5"}},
		{"no state", &fakeInferrer{layer: "wells", version: "1.5"}},
		{"no user", &fakeInferrer{layer: "wells", version: "1.5"}},
		{"no version", &fakeInferrer{layer: "wells"}},
		{"metadata absent", &fakeInferrer{err: errors.Wrap(commonerr.ErrMetadataAbsent, "pkg-1")}},
		{"metadata malformed", &fakeInferrer{err: errors.Wrap(commonerr.ErrMalformedMetadata, "pkg-1")}},
		{"catalog down", &fakeInferrer{err: errors.Wrap(commonerr.ErrUpstreamUnavailable, "dial")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			h := newTestHandler(pub, tt.inf)
			form := publishForm()
			switch tt.name {
			case "no resource":
				form.Del("resource_id")
			case "no state":
				form.Del("geoserver_state_field")
			}
			r := newPost("/publish-ogc", form, true)
			if tt.name == "no user" {
				r.Header.Del("X-Remote-User")
			}

			rec := httptest.NewRecorder()
			h.publish(rec, r)
			out := decode(t, rec)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, msgNotEnoughInfo, out["message"])
			assert.Empty(t, pub.published)
		})
	}
}

func TestPublishFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"ingestion", errors.Wrap(commonerr.ErrIngestionFailed, "bad csv"), msgGenericFailure},
		{"layer creation", &commonerr.LayerCreationError{Layer: "wells", Status: 500, Body: "oops"}, msgGenericFailure},
		{"partial", &commonerr.PartialPublishError{Layer: "wells", Step: "resource_create WMS", Err: commonerr.ErrUpstreamUnavailable}, msgPartialFailure},
		{"validation", commonerr.NewBadRequestError("missing layer_version"), msgNotEnoughInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&fakePublisher{err: tt.err}, &fakeInferrer{layer: "wells", version: "1.5"})
			rec := httptest.NewRecorder()
			h.publish(rec, newPost("/publish-ogc", publishForm(), true))
			out := decode(t, rec)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.message, out["message"])
		})
	}
}

func TestPartialFailureNamesStep(t *testing.T) {
	err := &commonerr.PartialPublishError{Layer: "wells", Step: "resource_create WFS", Err: commonerr.ErrUpstreamUnavailable}
	h := newTestHandler(&fakePublisher{err: err}, &fakeInferrer{layer: "wells", version: "1.5"})
	rec := httptest.NewRecorder()
	h.publish(rec, newPost("/publish-ogc", publishForm(), true))

	out := decode(t, rec)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, "resource_create WFS", result["step"])
	assert.Equal(t, "wells", result["layer_name"])
}

func TestPublishNeverPanics(t *testing.T) {
	h := newTestHandler(&fakePublisher{panics: true}, &fakeInferrer{layer: "wells", version: "1.5"})
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.publish(rec, newPost("/publish-ogc", publishForm(), true))
	})
	out := decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, msgGenericFailure, out["message"])
}

func TestUnpublish(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub, &fakeInferrer{})

	rec := httptest.NewRecorder()
	h.unpublish(rec, newPost("/unpublish-ogc", url.Values{"resource_id": {"res-1"}, "layer_name": {"wells"}}, true))
	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	require.Len(t, pub.retracted, 1)
	assert.Equal(t, layer.RetractRequest{ResourceID: "res-1", LayerName: "wells", Username: "alice"}, pub.retracted[0])
}

func TestUnpublishReportsFailures(t *testing.T) {
	pub := &fakePublisher{err: &commonerr.RetractError{
		Layer:    "wells",
		Failures: []commonerr.ItemFailure{{ID: "wms-1"}, {ID: "wfs-1"}},
		Err:      commonerr.ErrUpstreamUnavailable,
	}}
	h := newTestHandler(pub, &fakeInferrer{})

	rec := httptest.NewRecorder()
	h.unpublish(rec, newPost("/unpublish-ogc", url.Values{"resource_id": {"res-1"}}, true))
	out := decode(t, rec)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, []interface{}{"wms-1", "wfs-1"}, out["failures"])
}

func TestRouterRecordsPublishMetrics(t *testing.T) {
	capture := &captureLogger{}
	h := newTestHandler(&fakePublisher{}, &fakeInferrer{layer: "wells", version: "1.5"})
	proxyHit := false
	px := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { proxyHit = true })
	router := newRouter(h, px, capture, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newPost("/publish-ogc", publishForm(), true))
	decode(t, rec)

	require.Len(t, capture.infos, 1)
	info := capture.infos[0]
	require.NotNil(t, info.Publish)
	assert.Equal(t, "CAwells", info.Publish.WorkspaceName)
	assert.Equal(t, "csv", info.Publish.Ingestor)
	assert.NotEmpty(t, info.RequestID)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/geoserver/get-ogc-services?url=x", nil))
	assert.True(t, proxyHit)
}

func TestHTTPServerLeavesWriteUnbounded(t *testing.T) {
	cfg := &utils.Config{}
	cfg.Catalog.Timeout = 30 * time.Second
	cfg.GeoServer.Timeout = 5 * time.Second

	srv := newHTTPServer(cfg, http.NotFoundHandler())
	assert.Equal(t, time.Duration(0), srv.WriteTimeout)
	assert.Equal(t, 30*time.Second, srv.ReadTimeout)
	assert.True(t, srv.ReadHeaderTimeout > 0)
}
