package agent

import (
	"bytes"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
)

// CacheStorage is a set of named response caches.
type CacheStorage interface {
	Open(name string) Cache
	Keys() []string
	Delete(name string) bool
}

// Cache stores GET responses keyed by URL.
type Cache interface {
	Match(req *http.Request) (*http.Response, bool)
	MatchURL(rawURL string) (*http.Response, bool)
	Put(req *http.Request, resp *http.Response) error
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

func (c *cachedResponse) response(req *http.Request) *http.Response {
	header := c.header.Clone()
	header.Set("Content-Length", strconv.Itoa(len(c.body)))
	return &http.Response{
		Status:        strconv.Itoa(c.status) + " " + http.StatusText(c.status),
		StatusCode:    c.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}

// MemoryCacheStorage keeps caches in process memory.
type MemoryCacheStorage struct {
	mu     sync.Mutex
	caches map[string]*memoryCache
}

// NewMemoryCacheStorage builds an empty storage.
func NewMemoryCacheStorage() *MemoryCacheStorage {
	return &MemoryCacheStorage{caches: make(map[string]*memoryCache)}
}

// Open returns the named cache, creating it on first use.
func (s *MemoryCacheStorage) Open(name string) Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{entries: make(map[string]*cachedResponse)}
		s.caches[name] = c
	}
	return c
}

// Keys lists cache names in lexical order.
func (s *MemoryCacheStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.caches))
	for k := range s.caches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete drops a cache and reports whether it existed.
func (s *MemoryCacheStorage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
}

func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	return u.String()
}

func (c *memoryCache) Match(req *http.Request) (*http.Response, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(req)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.response(req), true
}

func (c *memoryCache) MatchURL(rawURL string) (*http.Response, bool) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false
	}
	return c.Match(req)
}

// Put reads resp fully and replaces its body so the caller can still use it.
func (c *memoryCache) Put(req *http.Request, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	entry := &cachedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	}
	c.mu.Lock()
	c.entries[cacheKey(req)] = entry
	c.mu.Unlock()
	return nil
}
