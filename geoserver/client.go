// Package geoserver is a client for the subset of the GeoServer REST API
// needed to publish PostGIS tables as WMS/WFS layers.
package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/metrics"
	"github.com/ngds/geopub/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Layer is a published layer. Workspace is derived from the layer's
// resource, since the lookup by name is global.
type Layer struct {
	Name      string
	Workspace string
	Href      string
}

// Datastore is a store within a workspace.
type Datastore struct {
	Name      string
	Workspace string
}

// API is the set of map server operations the layer orchestrator uses.
type API interface {
	ServiceURL() string
	GetLayer(ctx context.Context, name string) (*Layer, error)
	GetDatastore(ctx context.Context, workspace, store, workspaceName, layerVersion string) (*Datastore, error)
	CreateFeatureType(ctx context.Context, ds *Datastore, name, nativeName string) (int, []byte, error)
	DeleteLayer(ctx context.Context, layer *Layer, purge, recurse bool) error
}

// Options configures a Client.
type Options struct {
	ServiceURL    string
	Username      string
	Password      string
	DefaultStore  string
	NamespaceBase string
	Timeout       time.Duration
	// Connection is used for stores this client provisions.
	Connection utils.DatastoreConfig
}

type Client struct {
	opts       Options
	rest       string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	return &Client{
		opts:       opts,
		rest:       strings.TrimRight(opts.ServiceURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger.Named("geoserver"),
	}
}

// ServiceURL is the REST endpoint, ending in /rest.
func (c *Client) ServiceURL() string {
	return c.rest
}

// do performs one round trip and returns the status and body.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}) (status int, body []byte, err error) {
	t0 := time.Now()
	defer func() { metrics.ObserveUpstream(ctx, "geoserver", op, t0, status, err) }()

	var rd io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "geoserver %s: encode request", op)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.rest+path, rd)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "geoserver %s", op)
	}
	req = req.WithContext(ctx)
	req.SetBasicAuth(c.opts.Username, c.opts.Password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return 0, nil, errors.Wrapf(commonerr.ErrUpstreamUnavailable, "geoserver %s: %v", op, err)
	}
	defer resp.Body.Close()

	body, err = ioutil.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrapf(commonerr.ErrUpstreamUnavailable, "geoserver %s: read response: %v", op, err)
	}
	return resp.StatusCode, body, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func statusError(op string, status int, body []byte) error {
	if status >= 500 {
		return errors.Wrapf(commonerr.ErrUpstreamUnavailable, "geoserver %s: %d -- %s", op, status, body)
	}
	return errors.Errorf("geoserver %s: %d -- %s", op, status, body)
}

type layerDoc struct {
	Layer struct {
		Name     string `json:"name"`
		Resource struct {
			Name string `json:"name"`
			Href string `json:"href"`
		} `json:"resource"`
	} `json:"layer"`
}

// GetLayer looks a layer up by name across all workspaces. A missing
// layer is (nil, nil).
func (c *Client) GetLayer(ctx context.Context, name string) (*Layer, error) {
	status, body, err := c.do(ctx, "get_layer", http.MethodGet, "/layers/"+url.PathEscape(name)+".json", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !isSuccess(status) {
		return nil, statusError("get_layer", status, body)
	}

	var doc layerDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrapf(err, "geoserver get_layer %s: decode", name)
	}
	layer := &Layer{Name: doc.Layer.Name, Href: doc.Layer.Resource.Href}
	if layer.Name == "" {
		layer.Name = name
	}
	layer.Workspace = workspaceOf(doc.Layer.Resource.Name, doc.Layer.Resource.Href)
	return layer, nil
}

// workspaceOf takes the prefix of a qualified "ws:name" resource name, or
// the workspaces/{ws} segment of the resource href.
func workspaceOf(resourceName, href string) string {
	if i := strings.Index(resourceName, ":"); i > 0 {
		return resourceName[:i]
	}
	if i := strings.Index(href, "/workspaces/"); i >= 0 {
		rest := href[i+len("/workspaces/"):]
		if j := strings.Index(rest, "/"); j > 0 {
			ws, err := url.PathUnescape(rest[:j])
			if err == nil {
				return ws
			}
			return rest[:j]
		}
	}
	return ""
}

// NamespaceURI is the URI of the namespace backing workspaceName. The
// "#workspace" fragment keeps the URI unique per workspace; the proxy
// strips it from documents served to clients.
func (c *Client) NamespaceURI(workspaceName, layerVersion string) string {
	return fmt.Sprintf("%s/%s#%s", strings.TrimRight(c.opts.NamespaceBase, "/"), layerVersion, workspaceName)
}

// GetDatastore resolves the store that will hold the layer, creating the
// workspace and the store when they do not exist. workspace defaults to
// workspaceName and store to the configured default store.
func (c *Client) GetDatastore(ctx context.Context, workspace, store, workspaceName, layerVersion string) (*Datastore, error) {
	if workspace == "" {
		workspace = workspaceName
	}
	if store == "" {
		store = c.opts.DefaultStore
	}
	if workspace == "" || store == "" {
		return nil, commonerr.NewBadRequestError("datastore needs a workspace and a store name")
	}

	wsPath := "/workspaces/" + url.PathEscape(workspace)
	status, body, err := c.do(ctx, "get_workspace", http.MethodGet, wsPath+".json", nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		if err := c.createNamespace(ctx, workspace, c.NamespaceURI(workspaceName, layerVersion)); err != nil {
			return nil, err
		}
	case !isSuccess(status):
		return nil, statusError("get_workspace", status, body)
	}

	dsPath := wsPath + "/datastores/" + url.PathEscape(store)
	status, body, err = c.do(ctx, "get_datastore", http.MethodGet, dsPath+".json", nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		if err := c.createPostGISStore(ctx, workspace, store); err != nil {
			return nil, err
		}
	case !isSuccess(status):
		return nil, statusError("get_datastore", status, body)
	}
	return &Datastore{Name: store, Workspace: workspace}, nil
}

func (c *Client) createNamespace(ctx context.Context, prefix, uri string) error {
	payload := map[string]interface{}{
		"namespace": map[string]string{"prefix": prefix, "uri": uri},
	}
	status, body, err := c.do(ctx, "create_namespace", http.MethodPost, "/namespaces", payload)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return statusError("create_namespace", status, body)
	}
	c.logger.Info("created workspace", zap.String("workspace", prefix), zap.String("uri", uri))
	return nil
}

type entry struct {
	Key   string `json:"@key"`
	Value string `json:"$"`
}

func (c *Client) createPostGISStore(ctx context.Context, workspace, store string) error {
	conn := c.opts.Connection
	entries := []entry{
		{"dbtype", "postgis"},
		{"host", conn.Host},
		{"port", strconv.Itoa(conn.Port)},
		{"database", conn.Database},
		{"schema", conn.Schema},
		{"user", conn.User},
		{"passwd", conn.Password},
		{"Expose primary keys", "true"},
	}
	payload := map[string]interface{}{
		"dataStore": map[string]interface{}{
			"name":                 store,
			"enabled":              true,
			"connectionParameters": map[string]interface{}{"entry": entries},
		},
	}
	status, body, err := c.do(ctx, "create_datastore", http.MethodPost,
		"/workspaces/"+url.PathEscape(workspace)+"/datastores", payload)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return statusError("create_datastore", status, body)
	}
	c.logger.Info("created datastore", zap.String("workspace", workspace), zap.String("store", store))
	return nil
}

// CreateFeatureType publishes table nativeName of ds as layer name. The
// status and body of the map server's answer are returned as is; only a
// transport failure is an error.
func (c *Client) CreateFeatureType(ctx context.Context, ds *Datastore, name, nativeName string) (int, []byte, error) {
	payload := map[string]interface{}{
		"featureType": map[string]string{"name": name, "nativeName": nativeName},
	}
	path := fmt.Sprintf("/workspaces/%s/datastores/%s/featuretypes", url.PathEscape(ds.Workspace), url.PathEscape(ds.Name))
	return c.do(ctx, "create_featuretype", http.MethodPost, path, payload)
}

// DeleteLayer removes layer. A layer that is already gone is not an error.
func (c *Client) DeleteLayer(ctx context.Context, layer *Layer, purge, recurse bool) error {
	qualified := layer.Name
	if layer.Workspace != "" {
		qualified = layer.Workspace + ":" + layer.Name
	}
	q := url.Values{}
	q.Set("recurse", strconv.FormatBool(recurse))
	q.Set("purge", strconv.FormatBool(purge))
	status, body, err := c.do(ctx, "delete_layer", http.MethodDelete,
		"/layers/"+url.PathEscape(qualified)+".json?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || isSuccess(status) {
		return nil
	}
	return statusError("delete_layer", status, body)
}
