package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOWSCacheDisabled(t *testing.T) {
	c := NewOWSCache("", 0, zap.NewNop(), false)
	assert.Nil(t, c)
	assert.NoError(t, c.Put("http://geo/ows", []byte("doc")))
	_, ok := c.Get("http://geo/ows")
	assert.False(t, ok)
}

func TestOWSCacheLocal(t *testing.T) {
	c := NewOWSCache("", time.Minute, zap.NewNop(), true)
	_, ok := c.Get("http://geo/ows?request=GetCapabilities")
	assert.False(t, ok)

	assert.NoError(t, c.Put("http://geo/ows?request=GetCapabilities", []byte("<caps/>")))
	v, ok := c.Get("http://geo/ows?request=GetCapabilities")
	assert.True(t, ok)
	assert.Equal(t, []byte("<caps/>"), v)

	_, ok = c.Get("http://geo/ows?request=GetFeature")
	assert.False(t, ok)
}
