package utils

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
site_url: https://data.example.org/
catalog:
  url: https://data.example.org
  api_key: from-file
geoserver:
  service_url: http://geo.internal:8080/geoserver/rest
  username: admin
datastore:
  host: db.internal
  database: geodata
  user: geopub
proxy:
  cache_ttl: 5m
`

func writeConfig(t *testing.T, body string) string {
	dir, err := ioutil.TempDir("", "geopub-config")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigFileDefaults(t *testing.T) {
	config, err := LoadConfigFile(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://data.example.org", config.SiteURL)
	assert.Equal(t, DefaultListen, config.Listen)
	assert.Equal(t, DefaultUserHeader, config.Catalog.UserHeader)
	assert.Equal(t, DefaultTimeout, config.GeoServer.Timeout)
	assert.Equal(t, DefaultStoreName, config.GeoServer.DefaultStore)
	assert.Equal(t, DefaultSRID, config.Datastore.SRID)
	assert.Equal(t, DefaultPostgresPort, config.Datastore.Port)
	assert.Equal(t, 5*time.Minute, config.Proxy.CacheTTL)
	assert.Equal(t, []string{"geo.internal:8080"}, config.Proxy.AllowedHosts)
}

func TestLoadConfigFileEnvOverrides(t *testing.T) {
	os.Setenv("GEOPUB_CATALOG_API_KEY", "from-env")
	os.Setenv("GEOPUB_DATASTORE_PASSWORD", "s3cret")
	defer os.Unsetenv("GEOPUB_CATALOG_API_KEY")
	defer os.Unsetenv("GEOPUB_DATASTORE_PASSWORD")

	config, err := LoadConfigFile(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Catalog.APIKey)
	assert.Equal(t, "s3cret", config.Datastore.Password)
}

func TestLoadConfigFileInvalid(t *testing.T) {
	_, err := LoadConfigFile(writeConfig(t, "catalog: [unterminated"))
	assert.Error(t, err)

	_, err = LoadConfigFile(writeConfig(t, `
catalog:
  url: https://data.example.org
geoserver:
  service_url: http://geo.internal:8080/geoserver
datastore:
  database: geodata
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/rest")

	_, err = LoadConfigFile(filepath.Join(os.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	d := DatastoreConfig{
		Host:     "db.internal",
		Port:     5433,
		Database: "geodata",
		User:     "geopub",
		Password: "it's secret",
		SSLMode:  "require",
	}
	assert.Equal(t, `host=db.internal port=5433 dbname=geodata sslmode=require user=geopub password='it\'s secret'`, d.PostgresDSN())
}
