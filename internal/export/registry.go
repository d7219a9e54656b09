package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/hubenschmidt/voicetrace/internal/store"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

// ErrUnknownExporter is returned when no factory is registered for a name.
var ErrUnknownExporter = errors.New("unknown exporter")

// Factory builds an exporter for a target: a file path, URL, endpoint or
// connection string depending on the exporter.
type Factory func(ctx context.Context, target string) (trace.Exporter, error)

// Registry maps exporter names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the given factories.
func NewRegistry(factories map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for name, f := range factories {
		r.factories[name] = f
	}
	return r
}

// DefaultRegistry knows every built-in exporter.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Factory{
		"jsonl": func(_ context.Context, target string) (trace.Exporter, error) {
			if target == "" || target == "-" {
				return NewJSONL(stdoutWriter{os.Stdout}), nil
			}
			return OpenJSONL(target)
		},
		"otlp": func(ctx context.Context, target string) (trace.Exporter, error) {
			return NewOTLP(ctx, OTLPConfig{Endpoint: target, Insecure: true})
		},
		"ws": func(_ context.Context, target string) (trace.Exporter, error) {
			return NewWebSocket(target, nil), nil
		},
		"memory": func(context.Context, string) (trace.Exporter, error) {
			return store.NewMemory(0), nil
		},
		"postgres": func(ctx context.Context, target string) (trace.Exporter, error) {
			return store.OpenPostgres(ctx, target)
		},
		"redis": func(ctx context.Context, target string) (trace.Exporter, error) {
			return store.OpenRedis(ctx, store.RedisConfig{Addr: target})
		},
	})
}

// stdoutWriter hides os.Stdout's Close from JSONL.
type stdoutWriter struct{ io.Writer }

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build creates the exporter registered under name.
func (r *Registry) Build(ctx context.Context, name, target string) (trace.Exporter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownExporter, name)
	}
	exp, err := f(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("build %s exporter: %w", name, err)
	}
	return exp, nil
}

// Has reports whether a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered exporter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Close releases whatever exp holds, if it has a Close method.
func Close(ctx context.Context, exp trace.Exporter) error {
	switch c := exp.(type) {
	case interface{ Close(context.Context) error }:
		return c.Close(ctx)
	case io.Closer:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	case Multi:
		var errs []error
		for _, e := range c {
			errs = append(errs, Close(ctx, e))
		}
		return errors.Join(errs...)
	}
	return nil
}
