package media

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"presenter-sync-service/internal/logger"
)

type CacheOptions struct {
	Dir             string
	MaxBytes        int64
	MaxFileBytes    int64
	Timeout         time.Duration
	DownloadsPerSec float64
	Client          *http.Client
}

// CacheBridge is the desktop bridge: it downloads http(s) media into a
// cache directory and serves later lookups from disk. Files are named by
// the BLAKE3 hash of their URL.
type CacheBridge struct {
	opts    CacheOptions
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	entries  map[string]*cacheEntry
	inflight map[string]*download

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

type cacheEntry struct {
	Name     string
	Size     int64
	LastUsed time.Time
}

type download struct {
	done chan struct{}
	path string
	err  error
}

type CacheUsage struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

func NewCacheBridge(opts CacheOptions) (*CacheBridge, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	limit := rate.Inf
	if opts.DownloadsPerSec > 0 {
		limit = rate.Limit(opts.DownloadsPerSec)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}

	c := &CacheBridge{
		opts:     opts,
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		entries:  map[string]*cacheEntry{},
		inflight: map[string]*download{},
		done:     make(chan struct{}),
	}
	if err := c.scan(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch cache dir: %w", err)
	}
	if err := watcher.Add(opts.Dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch cache dir: %w", err)
	}
	c.watcher = watcher
	c.wg.Add(1)
	go c.watch()

	return c, nil
}

func (c *CacheBridge) scan() error {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || isTempName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c.entries[e.Name()] = &cacheEntry{Name: e.Name(), Size: info.Size(), LastUsed: info.ModTime()}
	}
	return nil
}

// watch forgets files removed from the cache directory by anyone else.
func (c *CacheBridge) watch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			c.mu.Lock()
			if _, known := c.entries[name]; known {
				delete(c.entries, name)
				logger.Log.Debug("Cached media removed externally", zap.String("file", name))
			}
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("Media cache watcher error", zap.Error(err))
		}
	}
}

func (c *CacheBridge) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

// LocalMediaPath returns the cached file for rawURL, downloading it first
// when needed. Non-http(s) URLs and missing remote files have no cached
// copy.
func (c *CacheBridge) LocalMediaPath(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse media url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil
	}
	name := cacheName(rawURL, u.Path)
	full := filepath.Join(c.opts.Dir, name)

	c.mu.Lock()
	if e, ok := c.entries[name]; ok {
		if _, err := os.Stat(full); err == nil {
			e.LastUsed = time.Now()
			c.mu.Unlock()
			return full, nil
		}
		delete(c.entries, name)
	}
	if d, ok := c.inflight[name]; ok {
		c.mu.Unlock()
		select {
		case <-d.done:
			return d.path, d.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d := &download{done: make(chan struct{})}
	c.inflight[name] = d
	c.mu.Unlock()

	d.path, d.err = c.fetch(ctx, rawURL, full)

	c.mu.Lock()
	delete(c.inflight, name)
	c.mu.Unlock()
	close(d.done)

	if d.err == nil && d.path != "" && c.opts.MaxBytes > 0 {
		if _, _, err := c.Prune(c.opts.MaxBytes); err != nil {
			logger.Log.Warn("Media cache prune failed", zap.Error(err))
		}
	}
	return d.path, d.err
}

func (c *CacheBridge) fetch(ctx context.Context, rawURL, full string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status)
	}
	if c.opts.MaxFileBytes > 0 && resp.ContentLength > c.opts.MaxFileBytes {
		return "", fmt.Errorf("download %s: %d bytes exceeds limit", rawURL, resp.ContentLength)
	}

	size, err := c.writeFileAtomic(full, resp.Body)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", rawURL, err)
	}

	name := filepath.Base(full)
	c.mu.Lock()
	c.entries[name] = &cacheEntry{Name: name, Size: size, LastUsed: time.Now()}
	c.mu.Unlock()

	logger.Log.Info("Cached media", zap.String("url", rawURL), zap.String("file", name), zap.Int64("bytes", size))
	return full, nil
}

// writeFileAtomic streams body into a temp file next to path and renames
// it into place, so readers never see a partial file.
func (c *CacheBridge) writeFileAtomic(full string, body io.Reader) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	reader := body
	if c.opts.MaxFileBytes > 0 {
		reader = io.LimitReader(body, c.opts.MaxFileBytes+1)
	}
	n, err := io.Copy(tmpFile, reader)
	if err != nil {
		_ = tmpFile.Close()
		return 0, err
	}
	if c.opts.MaxFileBytes > 0 && n > c.opts.MaxFileBytes {
		_ = tmpFile.Close()
		return 0, fmt.Errorf("file exceeds %d bytes", c.opts.MaxFileBytes)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return 0, err
	}
	if err := tmpFile.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, full); err != nil {
		return 0, err
	}
	committed = true
	return n, nil
}

// Prune removes least recently used files until the cache holds at most
// maxBytes.
func (c *CacheBridge) Prune(maxBytes int64) (removed int, freed int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		total += e.Size
		entries = append(entries, e)
	}
	if total <= maxBytes {
		return 0, 0, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsed.Before(entries[j].LastUsed)
	})
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if rmErr := os.Remove(filepath.Join(c.opts.Dir, e.Name)); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
			continue
		}
		delete(c.entries, e.Name)
		total -= e.Size
		freed += e.Size
		removed++
	}
	if removed > 0 {
		logger.Log.Info("Pruned media cache", zap.Int("files", removed), zap.Int64("bytes", freed))
	}
	return removed, freed, err
}

func (c *CacheBridge) Usage() CacheUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := CacheUsage{Files: len(c.entries)}
	for _, e := range c.entries {
		u.Bytes += e.Size
	}
	return u
}

func cacheName(rawURL, urlPath string) string {
	sum := blake3.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:16])
	ext := strings.ToLower(path.Ext(urlPath))
	if len(ext) > 1 && len(ext) <= 8 && isAlnum(ext[1:]) {
		name += ext
	}
	return name
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}
