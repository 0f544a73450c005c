package agent

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Fetch applies the caching policy to req. handled is false when the request
// must go to the network untouched; the caller then forwards it itself.
func (a *Agent) Fetch(req *http.Request) (resp *http.Response, handled bool) {
	if a.State() != StateActivated || req.Method != http.MethodGet || a.isExternal(req) {
		return nil, false
	}
	if isNavigation(req) {
		return a.networkFirst(req), true
	}
	return a.cacheFirst(req), true
}

func (a *Agent) isExternal(req *http.Request) bool {
	host := strings.ToLower(req.URL.Hostname())
	for _, ext := range a.cfg.ExternalHosts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && (host == ext || strings.HasSuffix(host, "."+ext)) {
			return true
		}
	}
	return false
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// networkFirst serves page loads from the network and falls back to the
// cached shell when offline.
func (a *Agent) networkFirst(req *http.Request) *http.Response {
	resp, err := a.forward(req)
	if err == nil {
		return resp
	}
	a.log.Debug("navigation offline, serving shell", zap.String("url", req.URL.String()), zap.Error(err))
	cache := a.caches.Open(a.CacheName())
	for _, route := range []string{"/", "/index.html"} {
		if shell, ok := cache.MatchURL(a.resolve(route)); ok {
			shell.Request = req
			return shell
		}
	}
	return placeholder(req, "Offline")
}

// cacheFirst serves assets from cache, then network (caching 200s), then an
// empty placeholder.
func (a *Agent) cacheFirst(req *http.Request) *http.Response {
	cache := a.caches.Open(a.CacheName())
	if hit, ok := cache.Match(req); ok {
		return hit
	}
	resp, err := a.forward(req)
	if err != nil {
		a.log.Debug("asset unavailable", zap.String("url", req.URL.String()), zap.Error(err))
		return placeholder(req, "")
	}
	if resp.StatusCode == http.StatusOK {
		if err := cache.Put(req, resp); err != nil {
			a.log.Warn("cache put failed", zap.String("url", req.URL.String()), zap.Error(err))
			return placeholder(req, "")
		}
	}
	return resp
}

func (a *Agent) forward(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	return a.fetcher.Do(out)
}

func placeholder(req *http.Request, body string) *http.Response {
	entry := &cachedResponse{
		status: http.StatusServiceUnavailable,
		header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		body:   []byte(body),
	}
	return entry.response(req)
}
