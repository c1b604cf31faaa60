// Package registry keeps named clients, one per trade server, so a back
// office can address "live" and "demo" servers by name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"mtmanager/pkg/core"
	"mtmanager/pkg/session"
)

// Client is the surface of a manager session used through the registry.
type Client interface {
	Connect(ctx context.Context) error
	Trade(ctx context.Context, t *core.Trade) (*core.Trade, error)
	CreateUser(ctx context.Context, u *core.User) (*core.User, error)
	Ping(ctx context.Context) error
	Close() error
}

var _ Client = (*session.Session)(nil)

// Registry is a thread-safe set of named clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// New creates and returns an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[string]Client),
	}
}

// FromConfigs creates one session per named config. Nothing is connected yet.
func FromConfigs(configs map[string]*core.Config, opts ...session.Option) (*Registry, error) {
	r := New()
	for name, config := range configs {
		s, err := session.New(config, opts...)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		r.Register(name, s)
	}
	return r, nil
}

// Register adds a client under name. A client already registered under the
// same name is closed and replaced.
func (r *Registry) Register(name string, c Client) {
	r.mu.Lock()
	old, exists := r.clients[name]
	r.clients[name] = c
	r.mu.Unlock()

	if exists && old != c {
		_ = old.Close()
	}
}

// Get retrieves a client by name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.clients[name]
	if !exists {
		return nil, fmt.Errorf("server %q not registered", name)
	}
	return c, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Exists checks whether a client is registered under name.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.clients[name]
	return exists
}

// Unregister closes and removes the client registered under name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	c, exists := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()

	if !exists {
		return nil
	}
	return c.Close()
}

// Ping pings every client and returns the failures keyed by name.
func (r *Registry) Ping(ctx context.Context) map[string]error {
	r.mu.RLock()
	clients := make(map[string]Client, len(r.clients))
	for name, c := range r.clients {
		clients[name] = c
	}
	r.mu.RUnlock()

	failed := make(map[string]error)
	for name, c := range clients {
		if err := c.Ping(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Close closes and removes every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]Client)
	r.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
