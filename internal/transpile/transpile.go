// Package transpile converts typed extension source to plain script, once
// per content hash. The transform is stateless and deterministic, so results
// memoize safely across loads.
package transpile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
)

// DefaultCacheSize bounds the memoization cache.
const DefaultCacheSize = 256

// Cache is the transpile cache. Safe for concurrent use.
type Cache struct {
	cache   *lru.Cache[string, string]
	metrics *observability.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics counts hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a cache with the given capacity (0 means default).
func NewCache(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	inner, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create transpile cache: %w", err)
	}
	c := &Cache{cache: inner}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fingerprint returns the content hash used as the cache key. The manager
// also records it as the extension's source fingerprint.
func Fingerprint(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Transform converts source to plain CommonJS script. filename selects the
// loader (ts, tsx, js, jsx) and appears in diagnostics.
func (c *Cache) Transform(filename, source string) (string, error) {
	key := Fingerprint(source)
	if cached, ok := c.cache.Get(key); ok {
		if c.metrics != nil {
			c.metrics.TranspileCache.WithLabelValues("hit").Inc()
		}
		return cached, nil
	}
	if c.metrics != nil {
		c.metrics.TranspileCache.WithLabelValues("miss").Inc()
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:     loaderFor(filename),
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Sourcefile: filename,
		// Keep unused imports so every specifier is resolved at load time.
		TsconfigRaw: `{"compilerOptions":{"verbatimModuleSyntax":true}}`,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		where := filename
		if msg.Location != nil {
			where = fmt.Sprintf("%s:%d:%d", filename, msg.Location.Line, msg.Location.Column)
		}
		return "", hostcall.NewError(hostcall.CodeInvalidRequest, "transpile %s: %s", where, msg.Text)
	}

	code := string(result.Code)
	c.cache.Add(key, code)
	return code, nil
}

func loaderFor(filename string) api.Loader {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".ts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

// Len reports the number of memoized entries.
func (c *Cache) Len() int { return c.cache.Len() }
