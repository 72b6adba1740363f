package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errs "github.com/sensortelemetry/relay/internal/runtime/errors"
)

// Registry maps broker names to their builders and capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the process-wide broker registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds or replaces the builder registered under name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// RegisterWithCapabilities adds a builder together with its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities of name, or a zero value carrying
// only the name when none were registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

func (r *Registry) lookup(name string) (Builder, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return Builder{}, fmt.Errorf("%w: unknown transport %q (registered: %v)", errs.ErrTransportNotConfigured, name, r.Names())
	}
	return builder, nil
}

// BuildPublisher dials the publisher half of the named broker. An empty
// name selects cfg.GetPubSubSystem().
func (r *Registry) BuildPublisher(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if cfg == nil {
		return nil, errs.ErrConfigRequired
	}
	if name == "" {
		name = cfg.GetPubSubSystem()
	}
	builder, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if builder.Publisher == nil {
		return nil, fmt.Errorf("%w: %s has no publisher", errs.ErrTransportNotConfigured, name)
	}
	return builder.Publisher(ctx, cfg, logger)
}

// BuildSubscriber dials the subscriber half of the named broker. An empty
// name selects cfg.GetPubSubSystem().
func (r *Registry) BuildSubscriber(ctx context.Context, name string, cfg Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if cfg == nil {
		return nil, errs.ErrConfigRequired
	}
	if name == "" {
		name = cfg.GetPubSubSystem()
	}
	builder, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if builder.Subscriber == nil {
		return nil, fmt.Errorf("%w: %s has no subscriber", errs.ErrTransportNotConfigured, name)
	}
	return builder.Subscriber(ctx, cfg, logger)
}

// Names returns the registered broker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the
// default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
