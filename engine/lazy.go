package engine

import (
	iface "HumanCountServer/interface"
	"errors"
	"fmt"
	"sync"
)

var ErrDestroyed = errors.New("model handle destroyed")

// Lazy defers loading the backend until the first request needs it. A load
// that fails is not remembered, so the next request tries again; a load that
// succeeds is shared by every caller for the life of the process.
type Lazy struct {
	load func() (iface.Backend, error)

	mu        sync.Mutex
	backend   iface.Backend
	destroyed bool
}

func NewLazy(load func() (iface.Backend, error)) *Lazy {
	return &Lazy{load: load}
}

// Get returns the loaded backend, loading it on first use.
func (l *Lazy) Get() (iface.Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return nil, ErrDestroyed
	}
	if l.backend != nil {
		return l.backend, nil
	}
	b, err := l.load()
	if err != nil {
		return nil, err
	}
	l.backend = b
	return b, nil
}

// Loaded reports whether a backend is currently held.
func (l *Lazy) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend != nil
}

func (l *Lazy) Infer(imagePath string) ([]iface.Result, error) {
	b, err := l.Get()
	if err != nil {
		return nil, fmt.Errorf("model unavailable: %w", err)
	}
	return b.Infer(imagePath)
}

func (l *Lazy) Names() map[int]string {
	b, err := l.Get()
	if err != nil {
		return nil
	}
	return b.Names()
}

func (l *Lazy) CheckConfig() iface.EngineConfig {
	l.mu.Lock()
	b := l.backend
	l.mu.Unlock()
	if b == nil {
		return iface.EngineConfig{}
	}
	return b.CheckConfig()
}

func (l *Lazy) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
	if l.backend != nil {
		l.backend.Destroy()
		l.backend = nil
	}
}
