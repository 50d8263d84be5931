package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/ngds/geopub/utils"
)

type URLInfo struct {
	RawURL string            `json:"raw_url"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// UpstreamInfo is one outbound call made while serving a request.
type UpstreamInfo struct {
	Service    string        `json:"service"`
	Operation  string        `json:"operation"`
	Duration   time.Duration `json:"duration"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Bytes      int64         `json:"bytes,omitempty"`
	CacheHit   bool          `json:"cache_hit,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// PublishInfo describes the layer a publish or retract request acted on.
type PublishInfo struct {
	ResourceID    string `json:"resource_id,omitempty"`
	LayerName     string `json:"layer_name,omitempty"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	Ingestor      string `json:"ingestor,omitempty"`
	LayerReused   bool   `json:"layer_reused"`
	User          string `json:"user,omitempty"`
}

type MetricsInfo struct {
	RequestID   string          `json:"request_id"`
	ReqTime     string          `json:"req_time"`
	ReqDuration time.Duration   `json:"req_duration"`
	URL         URLInfo         `json:"url"`
	RemoteAddr  string          `json:"remote_addr"`
	RemoteHost  string          `json:"remote_host"`
	RemotePort  string          `json:"remote_port"`
	HTTPStatus  int             `json:"http_status"`
	Publish     *PublishInfo    `json:"publish,omitempty"`
	Upstream    []*UpstreamInfo `json:"upstream"`
}

// MetricsCollector gathers the metrics of a single request. Upstream calls
// may be added from several goroutines.
type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
	mu     sync.Mutex
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info:   &MetricsInfo{Upstream: []*UpstreamInfo{}},
		logger: logger,
	}
}

// AddUpstream records an outbound call. A nil collector ignores the call.
func (m *MetricsCollector) AddUpstream(u *UpstreamInfo) {
	if m == nil || u == nil {
		return
	}
	m.mu.Lock()
	m.Info.Upstream = append(m.Info.Upstream, u)
	m.mu.Unlock()
}

func (m *MetricsCollector) Log() {
	if m != nil && m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseNetworkAddr(i.RemoteAddr)
	if err := i.normaliseURL(&i.URL); err != nil {
		return "", fmt.Errorf("metrics: normaliseURL() error: %v", err)
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		i.RemoteHost = host
		i.RemotePort = port
	} else {
		i.RemoteHost = addr
	}
}

func (i *MetricsInfo) normaliseURL(u *URLInfo) error {
	r, err := url.Parse(u.RawURL)
	if err != nil {
		return err
	}

	u.Host = r.Host
	u.Path = r.Path
	query, err := utils.ParseQuery(r.RawQuery)
	if err != nil {
		return err
	}

	if u.Query == nil {
		u.Query = make(map[string]string)
	}
	for k, v := range query {
		if len(v) == 1 {
			u.Query[k] = v[0]
		} else if len(v) > 1 {
			u.Query[k] = fmt.Sprintf("%v", v)
		} else {
			u.Query[k] = ""
		}
	}
	return nil
}
