package utils

import (
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Default values applied by LoadConfigFile when a field is left empty.
const (
	DefaultListen        = "0.0.0.0:8080"
	DefaultTimeout       = 30 * time.Second
	DefaultUserHeader    = "X-Remote-User"
	DefaultStoreName     = "datastore"
	DefaultSchema        = "public"
	DefaultSRID          = 4326
	DefaultPostgresPort  = 5432
	DefaultSSLMode       = "disable"
	DefaultNamespaceBase = "http://stategeothermaldata.org/uri-gin/aasg/xmlschema"
)

// CatalogConfig points at the CKAN action API.
type CatalogConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	UserHeader string        `yaml:"user_header"`
}

// GeoServerConfig points at the GeoServer REST endpoint, e.g.
// http://localhost:8080/geoserver/rest
type GeoServerConfig struct {
	ServiceURL    string        `yaml:"service_url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DefaultStore  string        `yaml:"default_store"`
	NamespaceBase string        `yaml:"namespace_base"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DatastoreConfig is the PostGIS database the ingestors load and the
// GeoServer datastores read from.
type DatastoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"sslmode"`
	SRID     int    `yaml:"srid"`
	MaxConns int    `yaml:"max_conns"`
}

// ProxyConfig controls the OGC capability proxy.
type ProxyConfig struct {
	AllowedHosts []string      `yaml:"allowed_hosts"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	Memcache     string        `yaml:"memcache"`
}

// Config is the struct representing the configuration file of the
// publishing server.
type Config struct {
	SiteURL       string          `yaml:"site_url"`
	Listen        string          `yaml:"listen"`
	ReusePort     bool            `yaml:"reuse_port"`
	HealthListen  string          `yaml:"health_listen"`
	LogDir        string          `yaml:"log_dir"`
	MaxLogSize    int64           `yaml:"max_log_size"`
	MaxLogFiles   int             `yaml:"max_log_files"`
	Verbose       bool            `yaml:"verbose"`
	ContentModels string          `yaml:"content_models"`
	Catalog       CatalogConfig   `yaml:"catalog"`
	GeoServer     GeoServerConfig `yaml:"geoserver"`
	Datastore     DatastoreConfig `yaml:"datastore"`
	Proxy         ProxyConfig     `yaml:"proxy"`
}

// LoadConfigFile unmarshals the YAML document at configFile, applies the
// environment overrides and the defaults, and validates the result.
func LoadConfigFile(configFile string) (*Config, error) {
	raw, err := ioutil.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}

	config := &Config{}
	err = yaml.Unmarshal(raw, config)
	if err != nil {
		return nil, fmt.Errorf("Error at YAML parsing config document: %s. Error: %v", configFile, err)
	}

	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) applyEnv() {
	if val, ok := os.LookupEnv("GEOPUB_SITE_URL"); ok {
		config.SiteURL = val
	}
	if val, ok := os.LookupEnv("GEOPUB_CATALOG_API_KEY"); ok {
		config.Catalog.APIKey = val
	}
	if val, ok := os.LookupEnv("GEOPUB_GEOSERVER_PASSWORD"); ok {
		config.GeoServer.Password = val
	}
	if val, ok := os.LookupEnv("GEOPUB_DATASTORE_PASSWORD"); ok {
		config.Datastore.Password = val
	}
	if val, ok := os.LookupEnv("GEOPUB_MAX_LOG_FILES"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			config.MaxLogFiles = n
		}
	}
}

func (config *Config) applyDefaults() {
	config.SiteURL = strings.TrimRight(config.SiteURL, "/")
	if config.Listen == "" {
		config.Listen = DefaultListen
	}
	if config.Catalog.Timeout <= 0 {
		config.Catalog.Timeout = DefaultTimeout
	}
	if config.Catalog.UserHeader == "" {
		config.Catalog.UserHeader = DefaultUserHeader
	}
	if config.GeoServer.Timeout <= 0 {
		config.GeoServer.Timeout = DefaultTimeout
	}
	if config.GeoServer.DefaultStore == "" {
		config.GeoServer.DefaultStore = DefaultStoreName
	}
	if config.GeoServer.NamespaceBase == "" {
		config.GeoServer.NamespaceBase = DefaultNamespaceBase
	}
	if config.Datastore.Port == 0 {
		config.Datastore.Port = DefaultPostgresPort
	}
	if config.Datastore.Schema == "" {
		config.Datastore.Schema = DefaultSchema
	}
	if config.Datastore.SSLMode == "" {
		config.Datastore.SSLMode = DefaultSSLMode
	}
	if config.Datastore.SRID == 0 {
		config.Datastore.SRID = DefaultSRID
	}
	if config.Proxy.Timeout <= 0 {
		config.Proxy.Timeout = DefaultTimeout
	}
	if len(config.Proxy.AllowedHosts) == 0 {
		if u, err := url.Parse(config.GeoServer.ServiceURL); err == nil && u.Host != "" {
			config.Proxy.AllowedHosts = []string{u.Host}
		}
	}
}

// Validate reports the first setting that prevents the server from
// talking to its collaborators.
func (config *Config) Validate() error {
	if config.Catalog.URL == "" {
		return fmt.Errorf("catalog.url must be set")
	}
	if config.GeoServer.ServiceURL == "" {
		return fmt.Errorf("geoserver.service_url must be set")
	}
	if !strings.HasSuffix(strings.TrimRight(config.GeoServer.ServiceURL, "/"), "/rest") {
		return fmt.Errorf("geoserver.service_url must end with /rest: %s", config.GeoServer.ServiceURL)
	}
	if config.Datastore.Database == "" {
		return fmt.Errorf("datastore.database must be set")
	}
	for _, u := range []string{config.SiteURL, config.Catalog.URL, config.GeoServer.ServiceURL} {
		if u == "" {
			continue
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid URL %q: %v", u, err)
		}
	}
	return nil
}

// PostgresDSN renders the datastore settings as a lib/pq connection string.
func (d DatastoreConfig) PostgresDSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", quoteDSN(d.Host)),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", quoteDSN(d.Database)),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
	}
	if d.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", quoteDSN(d.User)))
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", quoteDSN(d.Password)))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.Replace(v, `\`, `\\`, -1)
	v = strings.Replace(v, `'`, `\'`, -1)
	return "'" + v + "'"
}

// WatchConfig calls reload every time the process receives SIGHUP.
func WatchConfig(logger *zap.Logger, reload func() error) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			logger.Info("Caught SIGHUP, reloading content models")
			if err := reload(); err != nil {
				logger.Error("Error in reloading content models", zap.Error(err))
			}
		}
	}()
}
