package utils

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/nci/gomemcache/memcache"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// OWSCache keeps upstream OGC documents keyed on the URL they were fetched
// from. Entries live in memcache when an address is configured and in
// process memory otherwise.
type OWSCache struct {
	mc      *memcache.Client
	local   *gocache.Cache
	ttl     time.Duration
	logger  *zap.Logger
	verbose bool
}

// NewOWSCache returns nil when ttl is not positive; a nil *OWSCache is a
// valid cache that never hits.
func NewOWSCache(memcacheAddress string, ttl time.Duration, logger *zap.Logger, verbose bool) *OWSCache {
	if ttl <= 0 {
		return nil
	}
	o := &OWSCache{ttl: ttl, logger: logger, verbose: verbose}
	if memcacheAddress != "" {
		// lazy connection; errors returned in .Get
		o.mc = memcache.New(memcacheAddress)
	} else {
		o.local = gocache.New(ttl, 2*ttl)
	}
	return o
}

func cacheKey(query string) string {
	buff := md5.Sum([]byte(query))
	return "ows:" + hex.EncodeToString(buff[:])
}

// Put stores value under query.
func (o *OWSCache) Put(query string, value []byte) error {
	if o == nil {
		return nil
	}
	key := cacheKey(query)
	if o.verbose {
		o.logger.Debug("OWSCache put", zap.String("query", query), zap.String("key", key))
	}
	if o.mc != nil {
		return o.mc.Set(&memcache.Item{Key: key, Value: value, Expiration: int32(o.ttl / time.Second)})
	}
	o.local.Set(key, value, gocache.DefaultExpiration)
	return nil
}

// Get returns the cached value for query and whether it was found.
// Memcache errors are logged and reported as a miss.
func (o *OWSCache) Get(query string) ([]byte, bool) {
	if o == nil {
		return nil, false
	}
	key := cacheKey(query)
	if o.mc != nil {
		item, err := o.mc.Get(key)
		if err != nil {
			if err != memcache.ErrCacheMiss {
				o.logger.Warn("OWSCache get failed", zap.String("key", key), zap.Error(err))
			}
			return nil, false
		}
		return item.Value, true
	}
	v, ok := o.local.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}
