// Package locator is the dependency container used to wire named
// singleton services into a client at startup. Registrations are
// resolved once; consumers either block on a deferred handle or
// demand the instance immediately.
package locator

import (
	"fmt"
	"sync"
)

// Mode controls when a registered factory runs.
type Mode int

const (
	// Lazy resolves the instance on first request.
	Lazy Mode = iota
	// Eager resolves the instance at registration time.
	Eager
)

// Lifetime controls how many instances a registration produces.
type Lifetime int

const (
	// Single caches one instance for every request.
	Single Lifetime = iota
	// Multi runs the factory for each request.
	Multi
)

// Disposable is implemented by services that need teardown when the
// container closes. Dispatch goes through this interface; there is no
// runtime probing of instances.
type Disposable interface {
	Dispose() error
}

// Factory produces a service instance.
type Factory func() (any, error)

// Deferred is a resolve-once handle to a not-yet-available instance.
// Multiple awaiters share one completion.
type Deferred struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// resolve completes the handle. Later calls are ignored.
func (d *Deferred) resolve(value any, err error) {
	d.once.Do(func() {
		d.value = value
		d.err = err
		close(d.done)
	})
}

// Await blocks until the instance is available.
func (d *Deferred) Await() (any, error) {
	<-d.done
	return d.value, d.err
}

// Ready reports whether the handle has resolved without blocking.
func (d *Deferred) Ready() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

type registration struct {
	factory  Factory
	mode     Mode
	lifetime Lifetime
	deferred *Deferred
	resolved bool
	instance any
}

// Container holds named service registrations. The zero value is not
// usable; call NewContainer.
type Container struct {
	mu       sync.Mutex
	services map[string]*registration
	closed   bool
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{services: make(map[string]*registration)}
}

// Register binds a factory to a name. Registering a name twice is a
// programming error and fails loudly. Eager registrations run the
// factory immediately.
func (c *Container) Register(name string, factory Factory, mode Mode, lifetime Lifetime) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("container is closed")
	}
	if _, exists := c.services[name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("service %q already registered", name)
	}
	reg := &registration{
		factory:  factory,
		mode:     mode,
		lifetime: lifetime,
		deferred: newDeferred(),
	}
	c.services[name] = reg
	c.mu.Unlock()

	if mode == Eager {
		_, _ = c.resolveLocked(name, reg)
	}
	return nil
}

// Get returns a deferred handle for a named service, resolving it in
// the background of the first caller. Unknown names fail immediately
// through the handle.
func (c *Container) Get(name string) *Deferred {
	c.mu.Lock()
	reg, ok := c.services[name]
	c.mu.Unlock()

	if !ok {
		d := newDeferred()
		d.resolve(nil, fmt.Errorf("service %q not registered", name))
		return d
	}

	if reg.lifetime == Multi {
		d := newDeferred()
		d.resolve(reg.factory())
		return d
	}

	_, _ = c.resolveLocked(name, reg)
	return reg.deferred
}

// GetImmediate returns the instance for a name, failing when it is
// not registered or its factory fails.
func (c *Container) GetImmediate(name string) (any, error) {
	c.mu.Lock()
	reg, ok := c.services[name]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("service %q not registered", name)
	}
	if reg.lifetime == Multi {
		return reg.factory()
	}
	return c.resolveLocked(name, reg)
}

// resolveLocked resolves a single-instance registration exactly once.
func (c *Container) resolveLocked(name string, reg *registration) (any, error) {
	c.mu.Lock()
	if reg.resolved {
		c.mu.Unlock()
		return reg.deferred.Await()
	}
	reg.resolved = true
	c.mu.Unlock()

	instance, err := reg.factory()
	if err != nil {
		err = fmt.Errorf("failed to build service %q: %w", name, err)
	}

	c.mu.Lock()
	reg.instance = instance
	c.mu.Unlock()

	reg.deferred.resolve(instance, err)
	return instance, err
}

// Close tears the container down, disposing every resolved
// single-instance service that implements Disposable. The first
// disposal error is returned; the walk continues regardless.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var instances []any
	for _, reg := range c.services {
		if reg.resolved && reg.instance != nil {
			instances = append(instances, reg.instance)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, inst := range instances {
		if d, ok := inst.(Disposable); ok {
			if err := d.Dispose(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
