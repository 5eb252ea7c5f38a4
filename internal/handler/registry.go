package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"salonnotify/internal/task"
	logx "salonnotify/pkg/logx"
)

// Handler executes one task payload variant. Handlers return a result and
// never mutate the task; the scheduler applies status transitions.
type Handler interface {
	Execute(ctx context.Context, t *task.Task) task.Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *task.Task) task.Result

func (f HandlerFunc) Execute(ctx context.Context, t *task.Task) task.Result {
	return f(ctx, t)
}

// Registry is the type -> handler dispatch table, built once at startup.
//
// Re-registering a type overwrites the previous handler with a warning
// (last writer wins). That is intentional: tests override individual
// handlers without rebuilding the whole table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Type]Handler
	log      logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{handlers: map[task.Type]Handler{}, log: log}
}

// Register installs h for typ, replacing any previous registration.
func (r *Registry) Register(typ task.Type, h Handler) {
	r.mu.Lock()
	_, replaced := r.handlers[typ]
	r.handlers[typ] = h
	r.mu.Unlock()

	if replaced {
		r.log.Warn("handler overwritten", logx.String("type", string(typ)))
	} else {
		r.log.Debug("handler registered", logx.String("type", string(typ)))
	}
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []task.Type {
	r.mu.RLock()
	out := make([]task.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute dispatches the task to its handler. A missing handler is a
// diagnostic failure result (listing what IS registered), not a panic.
func (r *Registry) Execute(ctx context.Context, t *task.Task) task.Result {
	r.mu.RLock()
	h := r.handlers[t.Type]
	r.mu.RUnlock()

	if h == nil {
		known := r.Types()
		labels := make([]string, len(known))
		for i, k := range known {
			labels[i] = string(k)
		}
		msg := fmt.Sprintf("no handler for type %q (registered: %s)", t.Type, strings.Join(labels, ", "))
		r.log.Error("dispatch failed", logx.String("task", t.ID), logx.String("type", string(t.Type)))
		return task.Result{Success: false, Message: msg, Err: task.ErrUnknownType}
	}
	return h.Execute(ctx, t)
}
