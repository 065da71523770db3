package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Plugin handles lifecycle events. Implementations are registered with the
// listener and invoked sequentially per message.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string
	// Handle processes one event. Errors are logged and isolated per
	// plugin; they never stop dispatch to other plugins.
	Handle(ctx context.Context, ev Event) error
}

// Registry dispatches events to registered plugins one at a time, keeping
// per-event ordering deterministic across plugins.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger
}

// NewRegistry creates a plugin registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a plugin. Not safe for concurrent use with Dispatch.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.plugins)
}

// Dispatch invokes every plugin's handler for the event. A handler's error
// or panic is caught and logged; remaining plugins still run.
func (r *Registry) Dispatch(ctx context.Context, ev Event) {
	traceID := uuid.New().String()

	for _, p := range r.plugins {
		if err := r.dispatchOne(ctx, p, ev); err != nil {
			r.logger.Error("plugin failed to handle event",
				"plugin", p.Name(),
				"channel", ev.Channel(),
				"dispatch_id", traceID,
				"error", err,
			)
		}
	}
}

func (r *Registry) dispatchOne(ctx context.Context, p Plugin, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Handle(ctx, ev)
}
