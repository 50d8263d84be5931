package geoserver

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

type fakeGeoServer struct {
	mu         sync.Mutex
	calls      []call
	workspaces map[string]bool
	stores     map[string]bool
	layers     map[string]string
}

func (f *fakeGeoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != "geoserver" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c := call{Method: r.Method, Path: strings.TrimPrefix(r.URL.Path, "/geoserver/rest"), Query: r.URL.RawQuery}
	if raw, _ := ioutil.ReadAll(r.Body); len(raw) > 0 {
		json.Unmarshal(raw, &c.Body)
	}
	f.calls = append(f.calls, c)

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(c.Path, "/layers/"):
		name := strings.TrimSuffix(strings.TrimPrefix(c.Path, "/layers/"), ".json")
		ws, ok := f.layers[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"layer": map[string]interface{}{
				"name":     name,
				"resource": map[string]string{"name": ws + ":" + name, "href": "http://geo/rest/workspaces/" + ws + "/datastores/ds/featuretypes/" + name + ".json"},
			},
		})
	case r.Method == http.MethodGet && strings.Contains(c.Path, "/datastores/"):
		if !f.stores[c.Path] {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodGet && strings.HasPrefix(c.Path, "/workspaces/"):
		if !f.workspaces[c.Path] {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, f *fakeGeoServer) (*Client, func()) {
	srv := httptest.NewServer(f)
	c := NewClient(Options{
		ServiceURL:    srv.URL + "/geoserver/rest",
		Username:      "admin",
		Password:      "geoserver",
		DefaultStore:  "datastore",
		NamespaceBase: "http://stategeothermaldata.org/uri-gin/aasg/xmlschema",
		Timeout:       5 * time.Second,
		Connection:    utils.DatastoreConfig{Host: "db", Port: 5432, Database: "geodata", Schema: "public", User: "u", Password: "p"},
	}, zap.NewNop())
	return c, srv.Close
}

func TestGetLayer(t *testing.T) {
	f := &fakeGeoServer{layers: map[string]string{"wells": "CAwells"}}
	c, done := newTestClient(t, f)
	defer done()

	layer, err := c.GetLayer(context.Background(), "wells")
	require.NoError(t, err)
	require.NotNil(t, layer)
	assert.Equal(t, "wells", layer.Name)
	assert.Equal(t, "CAwells", layer.Workspace)

	layer, err = c.GetLayer(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, layer)
}

func TestGetDatastoreProvisions(t *testing.T) {
	f := &fakeGeoServer{}
	c, done := newTestClient(t, f)
	defer done()

	ds, err := c.GetDatastore(context.Background(), "", "", "CAwells", "1.5")
	require.NoError(t, err)
	assert.Equal(t, &Datastore{Name: "datastore", Workspace: "CAwells"}, ds)

	require.Len(t, f.calls, 4)
	ns := f.calls[1]
	assert.Equal(t, "/namespaces", ns.Path)
	assert.Equal(t, map[string]interface{}{
		"prefix": "CAwells",
		"uri":    "http://stategeothermaldata.org/uri-gin/aasg/xmlschema/1.5#CAwells",
	}, ns.Body["namespace"])

	store := f.calls[3]
	assert.Equal(t, "/workspaces/CAwells/datastores", store.Path)
	assert.Equal(t, "datastore", store.Body["dataStore"].(map[string]interface{})["name"])
}

func TestGetDatastoreExisting(t *testing.T) {
	f := &fakeGeoServer{
		workspaces: map[string]bool{"/workspaces/aasg.json": true},
		stores:     map[string]bool{"/workspaces/aasg/datastores/wells_store.json": true},
	}
	c, done := newTestClient(t, f)
	defer done()

	ds, err := c.GetDatastore(context.Background(), "aasg", "wells_store", "CAwells", "1.5")
	require.NoError(t, err)
	assert.Equal(t, "aasg", ds.Workspace)
	assert.Len(t, f.calls, 2)
}

func TestCreateFeatureType(t *testing.T) {
	f := &fakeGeoServer{}
	c, done := newTestClient(t, f)
	defer done()

	status, _, err := c.CreateFeatureType(context.Background(), &Datastore{Name: "datastore", Workspace: "CAwells"}, "wells", "r1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	require.Len(t, f.calls, 1)
	assert.Equal(t, "/workspaces/CAwells/datastores/datastore/featuretypes", f.calls[0].Path)
	assert.Equal(t, map[string]interface{}{"name": "wells", "nativeName": "r1"}, f.calls[0].Body["featureType"])
}

func TestDeleteLayer(t *testing.T) {
	f := &fakeGeoServer{}
	c, done := newTestClient(t, f)
	defer done()

	err := c.DeleteLayer(context.Background(), &Layer{Name: "wells", Workspace: "CAwells"}, true, true)
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, f.calls[0].Method)
	assert.Equal(t, "/layers/CAwells:wells.json", f.calls[0].Path)
	assert.Equal(t, "purge=true&recurse=true", f.calls[0].Query)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Options{ServiceURL: srv.URL + "/rest", Timeout: time.Second}, zap.NewNop())

	_, err := c.GetLayer(context.Background(), "wells")
	assert.True(t, errors.Is(err, commonerr.ErrUpstreamUnavailable))
}

func TestWorkspaceOf(t *testing.T) {
	assert.Equal(t, "CAwells", workspaceOf("CAwells:wells", ""))
	assert.Equal(t, "NVfaults", workspaceOf("faults", "http://geo/rest/workspaces/NVfaults/datastores/x/featuretypes/faults.json"))
	assert.Equal(t, "", workspaceOf("faults", ""))
}
