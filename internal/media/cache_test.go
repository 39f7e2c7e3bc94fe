package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newMediaServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/missing"):
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/big"):
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case strings.HasPrefix(r.URL.Path, "/broken"):
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte("media:" + r.URL.Path))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestCache(t *testing.T, opts CacheOptions) *CacheBridge {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	c, err := NewCacheBridge(opts)
	if err != nil {
		t.Fatalf("new cache bridge failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheBridgeDownloadsOnce(t *testing.T) {
	var hits atomic.Int32
	server := newMediaServer(t, &hits)
	c := newTestCache(t, CacheOptions{})
	ctx := context.Background()

	path, err := c.LocalMediaPath(ctx, server.URL+"/backgrounds/sunrise.JPG")
	assert.Equal(t, err, nil)
	assert.Equal(t, filepath.Ext(path), ".jpg")
	data, err := os.ReadFile(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), "media:/backgrounds/sunrise.JPG")

	again, err := c.LocalMediaPath(ctx, server.URL+"/backgrounds/sunrise.JPG")
	assert.Equal(t, err, nil)
	assert.Equal(t, again, path)
	assert.Equal(t, hits.Load(), int32(1))
	assert.Equal(t, c.Usage().Files, 1)
}

func TestCacheBridgeNoCopyCases(t *testing.T) {
	var hits atomic.Int32
	server := newMediaServer(t, &hits)
	c := newTestCache(t, CacheOptions{MaxFileBytes: 16})
	ctx := context.Background()

	path, err := c.LocalMediaPath(ctx, server.URL+"/missing.png")
	assert.Equal(t, err, nil)
	assert.Equal(t, path, "")

	path, err = c.LocalMediaPath(ctx, "file:///home/worship/local.mp4")
	assert.Equal(t, err, nil)
	assert.Equal(t, path, "")

	_, err = c.LocalMediaPath(ctx, server.URL+"/big.mov")
	assert.NotEqual(t, err, nil)

	_, err = c.LocalMediaPath(ctx, server.URL+"/broken.png")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, c.Usage().Files, 0)
}

func TestCacheBridgeForgetsExternallyDeletedFiles(t *testing.T) {
	var hits atomic.Int32
	server := newMediaServer(t, &hits)
	c := newTestCache(t, CacheOptions{})
	ctx := context.Background()

	path, err := c.LocalMediaPath(ctx, server.URL+"/a.png")
	assert.Equal(t, err, nil)
	assert.Equal(t, os.Remove(path), nil)

	deadline := time.Now().Add(5 * time.Second)
	for c.Usage().Files != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, c.Usage().Files, 0)

	again, err := c.LocalMediaPath(ctx, server.URL+"/a.png")
	assert.Equal(t, err, nil)
	assert.Equal(t, again, path)
	assert.Equal(t, hits.Load(), int32(2))
}

func TestCacheBridgePrunesLeastRecentlyUsed(t *testing.T) {
	var hits atomic.Int32
	server := newMediaServer(t, &hits)
	c := newTestCache(t, CacheOptions{})
	ctx := context.Background()

	first, err := c.LocalMediaPath(ctx, server.URL+"/one.png")
	assert.Equal(t, err, nil)
	time.Sleep(5 * time.Millisecond)
	second, err := c.LocalMediaPath(ctx, server.URL+"/two.png")
	assert.Equal(t, err, nil)
	time.Sleep(5 * time.Millisecond)
	// Touch the first file so the second becomes the oldest.
	_, err = c.LocalMediaPath(ctx, server.URL+"/one.png")
	assert.Equal(t, err, nil)

	usage := c.Usage()
	removed, freed, err := c.Prune(usage.Bytes - 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, removed, 1)
	assert.Equal(t, freed > 0, true)

	_, err = os.Stat(second)
	assert.Equal(t, os.IsNotExist(err), true)
	_, err = os.Stat(first)
	assert.Equal(t, err, nil)
}

func TestCacheBridgeIndexesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, os.WriteFile(filepath.Join(dir, "abc.png"), []byte("12345"), 0o644), nil)
	assert.Equal(t, os.WriteFile(filepath.Join(dir, ".abc.png.tmp-1"), []byte("x"), 0o644), nil)

	c := newTestCache(t, CacheOptions{Dir: dir})
	assert.Equal(t, c.Usage(), CacheUsage{Files: 1, Bytes: 5})
}

func TestResolverWithCacheBridge(t *testing.T) {
	var hits atomic.Int32
	server := newMediaServer(t, &hits)
	c := newTestCache(t, CacheOptions{})

	r := NewResolver(DetectMode(c), c, time.Minute)
	r.Resolve(server.URL + "/slides/cross.webp")
	res := waitSettled(t, r)
	assert.Equal(t, res.Cached, true)
	assert.Equal(t, strings.HasPrefix(res.Path, c.opts.Dir), true)
}
