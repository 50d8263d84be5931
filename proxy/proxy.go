// Package proxy serves GetCapabilities and GetFeature documents of the map
// server with the internal workspace markers removed and every service
// link routed back through the proxy.
package proxy

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ngds/geopub/common/commonerr"
	"github.com/ngds/geopub/metrics"
	"github.com/ngds/geopub/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ContentType of every document the proxy returns.
const ContentType = "application/xml; charset=utf-8"

// Path the proxy is mounted on, relative to the site URL.
const Path = "/geoserver/get-ogc-services"

const (
	RequestGetCapabilities = "GetCapabilities"
	RequestGetFeature      = "GetFeature"
)

// Request is a parsed proxy query.
type Request struct {
	Type        string
	URL         string
	Workspace   string
	Service     string
	TypeName    string
	Version     string
	MaxFeatures string
}

// requestError is a malformed query. It matches commonerr.ErrBadRequest.
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return "Bad Request - " + e.msg
}

func (e *requestError) Is(target error) bool {
	return target == commonerr.ErrBadRequest
}

func badRequest(format string, args ...interface{}) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// ParseRequest reads a proxy query whose keys have been lower-cased, as
// utils.ParseQuery does.
func ParseRequest(query url.Values) (Request, error) {
	req := Request{
		Type:        utils.FirstValue(query, "request"),
		URL:         utils.FirstValue(query, "url"),
		Workspace:   strings.Replace(utils.FirstValue(query, "workspace"), "?", "", -1),
		Service:     utils.FirstValue(query, "service"),
		TypeName:    utils.FirstValue(query, "typename"),
		Version:     utils.FirstValue(query, "version"),
		MaxFeatures: utils.FirstValue(query, "maxfeatures"),
	}
	// links encoded twice by an intermediary still arrive escaped
	if req.URL != "" && !strings.Contains(req.URL, "://") {
		if u, err := url.QueryUnescape(req.URL); err == nil {
			req.URL = u
		}
	}

	switch {
	case req.Type == "" || strings.EqualFold(req.Type, RequestGetCapabilities):
		req.Type = RequestGetCapabilities
		if req.URL == "" || req.Workspace == "" {
			return req, badRequest("Missing parameters")
		}
	case strings.EqualFold(req.Type, RequestGetFeature):
		req.Type = RequestGetFeature
		var missing []string
		for _, p := range []struct{ name, value string }{
			{"url", req.URL},
			{"service", req.Service},
			{"typename", req.TypeName},
			{"version", req.Version},
		} {
			if p.value == "" {
				missing = append(missing, p.name)
			}
		}
		if len(missing) > 0 {
			return req, badRequest("Missing parameters: %s", strings.Join(missing, ", "))
		}
		for _, p := range []struct{ name, value string }{
			{"service", req.Service},
			{"typename", req.TypeName},
			{"version", req.Version},
			{"maxfeatures", req.MaxFeatures},
		} {
			if strings.ContainsAny(p.value, "&#? \t\r\n") {
				return req, badRequest("Invalid %s parameter", p.name)
			}
		}
	default:
		return req, badRequest("Unsupported request %q", req.Type)
	}
	return req, nil
}

// GetFeatureURL is the upstream URL of a GetFeature request.
func GetFeatureURL(req Request) string {
	u := fmt.Sprintf("%s?service=%s&request=%s&typename=%s&version=%s",
		req.URL, req.Service, RequestGetFeature, req.TypeName, req.Version)
	if req.MaxFeatures != "" {
		u += "&maxfeatures=" + req.MaxFeatures
	}
	return u
}

type Options struct {
	// SiteURL is the public base URL links are rewritten to. Without it
	// links are left alone.
	SiteURL      string
	AllowedHosts []string
	Timeout      time.Duration
	Cache        *utils.OWSCache
}

type Proxy struct {
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Proxy {
	opts.SiteURL = strings.TrimRight(opts.SiteURL, "/")
	return &Proxy{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger.Named("proxy"),
	}
}

// Handle fetches and rewrites the document for req. Malformed requests
// fail with an error matching commonerr.ErrBadRequest before any
// upstream call.
func (p *Proxy) Handle(ctx context.Context, req Request) ([]byte, string, error) {
	target := req.URL
	if req.Type == RequestGetFeature {
		target = GetFeatureURL(req)
	}
	if !utils.HostAllowed(target, p.opts.AllowedHosts) {
		return nil, "", badRequest("Host not allowed")
	}

	doc, err := p.fetch(ctx, req.Type, target)
	if err != nil {
		return nil, "", err
	}
	if req.Workspace != "" {
		doc = StripWorkspace(doc, req.Workspace)
	}
	if req.Type == RequestGetCapabilities && p.opts.SiteURL != "" {
		doc = RewriteLinks(doc, p.opts.SiteURL, req.Workspace)
	}
	return doc, ContentType, nil
}

func (p *Proxy) fetch(ctx context.Context, op, target string) ([]byte, error) {
	t0 := time.Now()
	if doc, ok := p.opts.Cache.Get(target); ok {
		metrics.FromContext(ctx).AddUpstream(&metrics.UpstreamInfo{
			Service: "geoserver", Operation: op, Duration: time.Since(t0), CacheHit: true, Bytes: int64(len(doc)),
		})
		return doc, nil
	}

	status := 0
	var err error
	defer func() { metrics.ObserveUpstream(ctx, "geoserver", op, t0, status, err) }()

	httpReq, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upstream request")
	}
	resp, err := p.httpClient.Do(httpReq.WithContext(ctx))
	if err != nil {
		p.logger.Warn("upstream failed", zap.String("url", target), zap.Error(err))
		err = errors.Wrap(commonerr.ErrUpstreamUnavailable, err.Error())
		return nil, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		err = errors.Wrapf(commonerr.ErrUpstreamUnavailable, "read upstream body: %v", err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = errors.Errorf("upstream returned %d", resp.StatusCode)
		return nil, err
	}
	doc, err := toUTF8(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		err = errors.Wrap(err, "decode upstream body")
		return nil, err
	}
	if cerr := p.opts.Cache.Put(target, doc); cerr != nil {
		p.logger.Warn("cache put failed", zap.Error(cerr))
	}
	return doc, nil
}

// ServeHTTP answers proxy queries. Bad requests get 400 and any other
// failure 500, both with a plain text message.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query, err := utils.ParseQuery(r.URL.RawQuery)
	if err != nil {
		http.Error(w, "An error ocurred: [Bad Request - Malformed query]", http.StatusBadRequest)
		return
	}
	req, err := ParseRequest(query)
	if err == nil {
		var doc []byte
		var ctype string
		doc, ctype, err = p.Handle(r.Context(), req)
		if err == nil {
			w.Header().Set("Content-Type", ctype)
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(doc)))
			w.WriteHeader(http.StatusOK)
			w.Write(doc)
			return
		}
	}

	status := http.StatusInternalServerError
	if errors.Is(err, commonerr.ErrBadRequest) {
		status = http.StatusBadRequest
	} else {
		p.logger.Error("proxy request failed", zap.String("url", req.URL), zap.Error(err))
	}
	http.Error(w, fmt.Sprintf("An error ocurred: [%v]", err), status)
}
