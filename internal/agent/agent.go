// Package agent models the client-side background worker: it precaches the
// app shell, answers fetches offline, and renders notifications that arrive
// by push or by message from the foreground page.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CachePrefix namespaces every cache the agent owns.
const CachePrefix = "feira-"

// ErrInvalidState is returned when a lifecycle step runs out of order.
var ErrInvalidState = errors.New("invalid agent state")

// Config describes one agent build.
type Config struct {
	// Version tags the cache; a new version evicts older caches on activation.
	Version string
	// Origin is the app origin, e.g. https://feira.example.
	Origin string
	// Precache lists the routes fetched during install.
	Precache []string
	// ExternalHosts are API hosts whose requests are never intercepted.
	ExternalHosts []string
	// SkipWaiting activates right after install.
	SkipWaiting bool

	DefaultTitle string
	DefaultBody  string
	Icon         string
	Badge        string
}

// DefaultPrecache is the app shell.
var DefaultPrecache = []string{"/", "/index.html", "/manifest.json", "/icons/icon-192x192.png"}

// Agent is the background worker. Lifecycle calls and message handling are
// safe for concurrent use.
type Agent struct {
	cfg     Config
	origin  *url.URL
	fetcher *http.Client
	caches  CacheStorage
	notify  Notifier
	clients Clients
	inbox   chan Message
	log     *zap.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting bool
}

// New builds an agent in the parsed state.
func New(cfg Config, fetcher *http.Client, caches CacheStorage, notify Notifier, clients Clients, log *zap.Logger) (*Agent, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %q", cfg.Origin)
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return nil, fmt.Errorf("version is required")
	}
	if cfg.Precache == nil {
		cfg.Precache = DefaultPrecache
	}
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = "Feira"
	}
	if cfg.DefaultBody == "" {
		cfg.DefaultBody = "Você tem uma nova notificação"
	}
	if fetcher == nil {
		fetcher = &http.Client{Timeout: 15 * time.Second}
	}
	if caches == nil {
		caches = NewMemoryCacheStorage()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		cfg:         cfg,
		origin:      origin,
		fetcher:     fetcher,
		caches:      caches,
		notify:      notify,
		clients:     clients,
		inbox:       make(chan Message, 16),
		log:         log.Named("agent"),
		skipWaiting: cfg.SkipWaiting,
	}, nil
}

// CacheName is the cache of the running version.
func (a *Agent) CacheName() string {
	return CachePrefix + a.cfg.Version
}

// State reports the lifecycle position.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) transition(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, a.state)
	}
	a.state = to
	a.log.Debug("lifecycle", zap.Stringer("state", to))
	return nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.log.Debug("lifecycle", zap.Stringer("state", s))
}

// Install precaches the shell. Any failed route makes the agent redundant.
func (a *Agent) Install(ctx context.Context) error {
	if err := a.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	cache := a.caches.Open(a.CacheName())
	for _, route := range a.cfg.Precache {
		if err := a.precache(ctx, cache, route); err != nil {
			a.setState(StateRedundant)
			a.log.Error("install failed", zap.String("route", route), zap.Error(err))
			return fmt.Errorf("precache %s: %w", route, err)
		}
	}
	a.setState(StateInstalled)
	a.log.Info("installed", zap.String("cache", a.CacheName()), zap.Int("routes", len(a.cfg.Precache)))

	a.mu.RLock()
	skip := a.skipWaiting
	a.mu.RUnlock()
	if skip {
		return a.Activate(ctx)
	}
	return nil
}

func (a *Agent) precache(ctx context.Context, cache Cache, route string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.resolve(route), nil)
	if err != nil {
		return err
	}
	resp, err := a.fetcher.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("status %s", resp.Status)
	}
	return cache.Put(req, resp)
}

// Activate evicts caches left by other versions.
func (a *Agent) Activate(_ context.Context) error {
	if err := a.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	current := a.CacheName()
	for _, name := range a.caches.Keys() {
		if strings.HasPrefix(name, CachePrefix) && name != current {
			a.caches.Delete(name)
			a.log.Info("evicted stale cache", zap.String("cache", name))
		}
	}
	a.setState(StateActivated)
	return nil
}

// SkipWaiting activates a waiting agent immediately, or makes the next
// install do so.
func (a *Agent) SkipWaiting(ctx context.Context) error {
	a.mu.Lock()
	a.skipWaiting = true
	waiting := a.state == StateInstalled
	a.mu.Unlock()
	if waiting {
		return a.Activate(ctx)
	}
	return nil
}

func (a *Agent) resolve(route string) string {
	ref, err := url.Parse(route)
	if err != nil {
		return route
	}
	return a.origin.ResolveReference(ref).String()
}

func (a *Agent) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, a.origin.Scheme) && strings.EqualFold(u.Host, a.origin.Host)
}
