package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CacheDirective is the resolved key and TTL governing one cacheable call.
type CacheDirective struct {
	Key  string
	Path string
	// TTL of zero means the cache's default TTL.
	TTL time.Duration
}

// CacheKey derives the default cache key: normalized path + ":" + canonical JSON of params.
// encoding/json writes map keys in sorted order, which makes the encoding canonical for
// map-shaped parameters.
func CacheKey(path string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache: failed to encode params: %w", err)
	}
	return NormalizePath(path) + ":" + string(encoded), nil
}

// resolveCacheDirective decides whether a call is cacheable. Only GET requests with caching
// enabled at both client and call level qualify. A key derivation failure means "do not
// cache" and is never surfaced as an error.
func resolveCacheDirective(method, path string, params map[string]any, enabled bool, o *requestOptions) (CacheDirective, bool, error) {
	if method != http.MethodGet || !enabled {
		return CacheDirective{}, false, nil
	}
	if o.cache != nil && !*o.cache {
		return CacheDirective{}, false, nil
	}

	directive := CacheDirective{
		Key:  o.cacheKey,
		Path: NormalizePath(path),
		TTL:  o.cacheTTL,
	}
	if directive.Key == "" {
		key, err := CacheKey(path, params)
		if err != nil {
			return CacheDirective{}, false, err
		}
		directive.Key = key
	}
	return directive, true, nil
}
