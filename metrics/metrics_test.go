package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetricsInfoToJSON(t *testing.T) {
	m := NewMetricsCollector(nil)
	m.Info.RemoteAddr = "10.0.0.7:51234"
	m.Info.URL.RawURL = "/geoserver/get-ogc-services?URL=http%3A%2F%2Fgeo%2Fows&Workspace=CAwells"
	m.AddUpstream(&UpstreamInfo{Service: "geoserver", Operation: "GetCapabilities", HTTPStatus: 200})

	out, err := m.Info.ToJSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "10.0.0.7", decoded["remote_host"])
	assert.Equal(t, "51234", decoded["remote_port"])

	u := decoded["url"].(map[string]interface{})
	q := u["query"].(map[string]interface{})
	assert.Equal(t, "http://geo/ows", q["url"])
	assert.Equal(t, "CAwells", q["workspace"])
	assert.Len(t, decoded["upstream"], 1)
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMetricsCollector(NewZapLogger(zap.New(core)))
	m.Info.RequestID = "req-1"
	m.Info.HTTPStatus = 400
	m.Log()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request", entry.Message)
	assert.Equal(t, "req-1", entry.ContextMap()["request_id"])
}

func TestNilCollector(t *testing.T) {
	var m *MetricsCollector
	m.AddUpstream(&UpstreamInfo{})
	m.Log()
}

func TestFileLoggerRotates(t *testing.T) {
	dir, err := ioutil.TempDir("", "geopub-metrics")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	l := NewFileLogger(dir, 64, 2, zap.NewNop(), false)
	for i := 0; i < 20; i++ {
		info := &MetricsInfo{RequestID: strings.Repeat("x", 10), URL: URLInfo{RawURL: "/publish-ogc"}}
		l.Log(info)
	}
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "log*"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	for _, f := range files {
		base := filepath.Base(f)
		// log0, log1 and at most two rotated files per writer
		assert.Regexp(t, `^log[01](\.[01])?$`, base)
	}
}

func TestFileLoggerLogAfterClose(t *testing.T) {
	dir, err := ioutil.TempDir("", "geopub-metrics")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	l := NewFileLogger(dir, 1024, 2, zap.NewNop(), false)
	l.Log(&MetricsInfo{RequestID: "before"})
	l.Close()

	assert.NotPanics(t, func() {
		l.Log(&MetricsInfo{RequestID: "after"})
		l.Close()
	})
}

func TestObserveUpstreamFromContext(t *testing.T) {
	m := NewMetricsCollector(nil)
	ctx := WithCollector(context.Background(), m)
	ObserveUpstream(ctx, "catalog", "resource_show", time.Now(), 404, errors.New("not found"))
	ObserveUpstream(context.Background(), "catalog", "ignored", time.Now(), 200, nil)

	require.Len(t, m.Info.Upstream, 1)
	assert.Equal(t, "resource_show", m.Info.Upstream[0].Operation)
	assert.Equal(t, 404, m.Info.Upstream[0].HTTPStatus)
	assert.Equal(t, "not found", m.Info.Upstream[0].Error)
}
