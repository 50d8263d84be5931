// Package catalog talks to the CKAN action API: it reads packages and
// resources and keeps the service resources of a published layer in sync.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const notFoundErrorType = "Not Found Error"

// API is the subset of the action API used by the layer orchestrator.
type API interface {
	ResourceShow(ctx context.Context, id string) (Resource, error)
	ResourceUpdate(ctx context.Context, res Resource) (Resource, error)
	ResourceCreate(ctx context.Context, res Resource) (Resource, error)
	ResourceDelete(ctx context.Context, id string) error
	ResourceSearch(ctx context.Context, query string) ([]Resource, error)
}

// Client calls the action API of a CKAN instance.
type Client struct {
	BaseURL string
	APIKey  string

	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("catalog"),
	}
}

type actionError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

type actionResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *actionError    `json:"error"`
}

// call POSTs payload to the named action and decodes the result into out.
func (c *Client) call(ctx context.Context, action string, payload interface{}, out interface{}) (err error) {
	t0 := time.Now()
	status := 0
	defer func() { metrics.ObserveUpstream(ctx, "catalog", action, t0, status, err) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "catalog %s: encode request", action)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/3/action/"+action, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "catalog %s", action)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("action call failed", zap.String("action", action), zap.Error(err))
		return errors.Wrapf(commonerr.ErrUpstreamUnavailable, "catalog %s: %v", action, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(commonerr.ErrUpstreamUnavailable, "catalog %s: read response: %v", action, err)
	}

	var envelope actionResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 500 {
			return errors.Wrapf(commonerr.ErrUpstreamUnavailable, "catalog %s: status %d", action, resp.StatusCode)
		}
		return errors.Errorf("catalog %s: status %d: undecodable response", action, resp.StatusCode)
	}
	if !envelope.Success {
		if (envelope.Error != nil && envelope.Error.Type == notFoundErrorType) || resp.StatusCode == http.StatusNotFound {
			return errors.Wrapf(commonerr.ErrResourceNotFound, "catalog %s", action)
		}
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if envelope.Error != nil {
			msg = fmt.Sprintf("%s: %s", envelope.Error.Type, envelope.Error.Message)
		}
		return errors.Errorf("catalog %s: %s", action, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return errors.Wrapf(err, "catalog %s: decode result", action)
	}
	return nil
}

func (c *Client) PackageShow(ctx context.Context, id string) (*Package, error) {
	var pkg Package
	if err := c.call(ctx, "package_show", map[string]string{"id": id}, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// ResourceShow returns commonerr.ErrResourceNotFound when id is unknown.
func (c *Client) ResourceShow(ctx context.Context, id string) (Resource, error) {
	var res Resource
	if err := c.call(ctx, "resource_show", map[string]string{"id": id}, &res); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.Wrapf(commonerr.ErrResourceNotFound, "resource %s", id)
	}
	return res, nil
}

func (c *Client) ResourceUpdate(ctx context.Context, res Resource) (Resource, error) {
	var updated Resource
	if err := c.call(ctx, "resource_update", res, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *Client) ResourceCreate(ctx context.Context, res Resource) (Resource, error) {
	var created Resource
	if err := c.call(ctx, "resource_create", res, &created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) ResourceDelete(ctx context.Context, id string) error {
	return c.call(ctx, "resource_delete", map[string]string{"id": id}, nil)
}

// ResourceSearch runs a field query such as "parent_resource:<id>".
func (c *Client) ResourceSearch(ctx context.Context, query string) ([]Resource, error) {
	var result struct {
		Count   int        `json:"count"`
		Results []Resource `json:"results"`
	}
	if err := c.call(ctx, "resource_search", map[string]string{"query": query}, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// Fetch downloads a resource file. The caller closes the body.
func (c *Client) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	t0 := time.Now()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", url)
	}
	req = req.WithContext(ctx)
	if c.APIKey != "" && strings.HasPrefix(url, c.BaseURL) {
		req.Header.Set("Authorization", c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveUpstream(ctx, "catalog", "fetch", t0, 0, err)
		return nil, errors.Wrapf(commonerr.ErrUpstreamUnavailable, "fetch %s: %v", url, err)
	}
	metrics.ObserveUpstream(ctx, "catalog", "fetch", t0, resp.StatusCode, nil)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, errors.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
