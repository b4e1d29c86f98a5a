// Package hub provides a named-hook registry that decouples an orchestrator
// from pluggable capability providers. Providers register handler functions
// against named hooks; callers invoke hooks without knowing which provider
// answers them.
//
// Each hook is defined once with a dispatch policy that decides how results
// from multiple handlers are combined:
//
//	h := hub.New()
//	h.Define("beforeReplicate", hub.FirstFailure)
//	h.Register("beforeReplicate", licenseCheck)
//	h.Register("beforeReplicate", quotaCheck)
//
//	// Any registered pre-check can veto:
//	if !h.Allow(ctx, "beforeReplicate") { ... }
//
// Handlers run strictly in registration order, never concurrently within one
// Invoke. A handler that returns an error or panics is logged and treated as
// a negative/empty answer for that handler — one misbehaving provider cannot
// break the hub or its caller.
package hub

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Policy decides how results from multiple handlers on the same hook are
// combined. It is fixed per hook at definition time.
type Policy int

const (
	// First calls handlers in registration order and returns the first
	// answer that is not nil, stopping there. No handler answering yields
	// a nil result.
	First Policy = iota

	// FirstFailure calls handlers in order and stops with false as soon as
	// any handler returns false or fails. If every handler returns true
	// (or none is registered) the result is true. Used for validation-style
	// hooks where any veto aborts.
	FirstFailure

	// All calls every handler in order regardless of individual outcomes
	// and returns true only if every handler returned true.
	All

	// Broadcast calls every handler in order and ignores return values.
	// It never fails the caller.
	Broadcast

	// CollectBatch calls every handler and concatenates their returned
	// slices into one ordered slice.
	CollectBatch
)

// String returns the policy name for logs and status maps.
func (p Policy) String() string {
	switch p {
	case First:
		return "first"
	case FirstFailure:
		return "first_failure"
	case All:
		return "all"
	case Broadcast:
		return "broadcast"
	case CollectBatch:
		return "collect_batch"
	default:
		return "unknown"
	}
}

// Handler answers a hook invocation. The meaning of the result depends on the
// hook's policy: a document (First, CollectBatch), a bool (FirstFailure, All),
// or ignored entirely (Broadcast). A nil result means "no answer".
type Handler func(ctx context.Context, args ...any) (any, error)

// Hub is a registry of hooks and their handlers. Thread-safe: reads use
// RLock, definition and registration use a full Lock. Hook/policy pairs are
// process-wide configuration — define them at startup and never mutate.
type Hub struct {
	mu       sync.RWMutex
	policies map[string]Policy
	handlers map[string][]Handler
	logger   *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets a custom logger for the hub.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates an empty Hub. Define hooks, register handlers, then invoke.
func New(opts ...Option) *Hub {
	h := &Hub{
		policies: make(map[string]Policy),
		handlers: make(map[string][]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Define declares a hook with its dispatch policy. Defining the same hook
// twice with the same policy is a no-op; redefining with a different policy
// returns ErrHookRedefined.
func (h *Hub) Define(hook string, policy Policy) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.policies[hook]; ok {
		if existing != policy {
			return &ErrHookRedefined{Hook: hook, Old: existing, New: policy}
		}
		return nil
	}
	h.policies[hook] = policy
	return nil
}

// Register appends a handler for a hook. Registration order is invocation
// order. The hook must have been defined first.
//
// Handlers must be side-effect-idempotent when a hook may be invoked more
// than once (e.g. retried initialization) — this is a contract on
// registrants, not enforced by the hub.
func (h *Hub) Register(hook string, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.policies[hook]; !ok {
		return &ErrHookNotDefined{Hook: hook}
	}
	h.handlers[hook] = append(h.handlers[hook], handler)
	return nil
}

// HandlerCount returns how many handlers are registered for a hook.
func (h *Hub) HandlerCount(hook string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[hook])
}

// Invoke dispatches a hook according to its policy and returns the combined
// result. For FirstFailure and All the result is a bool; for First it is the
// first handler's non-nil answer (or nil); for CollectBatch a []any; for
// Broadcast always nil. The only returned error is ErrHookNotDefined — handler
// errors never escape dispatch.
func (h *Hub) Invoke(ctx context.Context, hook string, args ...any) (any, error) {
	h.mu.RLock()
	policy, ok := h.policies[hook]
	// Snapshot so registration during a long dispatch is safe.
	handlers := make([]Handler, len(h.handlers[hook]))
	copy(handlers, h.handlers[hook])
	h.mu.RUnlock()

	if !ok {
		return nil, &ErrHookNotDefined{Hook: hook}
	}

	switch policy {
	case First:
		for i, fn := range handlers {
			res, err := h.call(ctx, hook, i, fn, args)
			if err != nil {
				continue
			}
			if res != nil {
				return res, nil
			}
		}
		return nil, nil

	case FirstFailure:
		for i, fn := range handlers {
			res, err := h.call(ctx, hook, i, fn, args)
			if err != nil || res == false {
				return false, nil
			}
		}
		return true, nil

	case All:
		ok := true
		for i, fn := range handlers {
			res, err := h.call(ctx, hook, i, fn, args)
			if err != nil || res == false {
				ok = false
			}
		}
		return ok, nil

	case Broadcast:
		for i, fn := range handlers {
			h.call(ctx, hook, i, fn, args) //nolint:errcheck // errors already logged
		}
		return nil, nil

	case CollectBatch:
		var out []any
		for i, fn := range handlers {
			res, err := h.call(ctx, hook, i, fn, args)
			if err != nil || res == nil {
				continue
			}
			if items, ok := res.([]any); ok {
				out = append(out, items...)
			} else {
				out = append(out, res)
			}
		}
		return out, nil
	}

	return nil, nil
}

// Allow is a convenience wrapper for FirstFailure and All hooks: it returns
// the boolean dispatch result, treating an undefined hook as true so optional
// pre-checks default to permissive.
func (h *Hub) Allow(ctx context.Context, hook string, args ...any) bool {
	res, err := h.Invoke(ctx, hook, args...)
	if err != nil {
		return true
	}
	b, ok := res.(bool)
	return !ok || b
}

// Collect is a convenience wrapper for CollectBatch hooks.
func (h *Hub) Collect(ctx context.Context, hook string, args ...any) []any {
	res, err := h.Invoke(ctx, hook, args...)
	if err != nil {
		return nil
	}
	items, _ := res.([]any)
	return items
}

// call runs a single handler with panic isolation. A panic or error is
// logged and surfaced as (nil, err) so dispatch can treat it as a
// false/empty answer.
func (h *Hub) call(ctx context.Context, hook string, idx int, fn Handler, args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "hook handler panic recovered",
				"hook", hook,
				"handler", idx,
				"panic", r,
				"stack", string(debug.Stack()))
			res, err = nil, &ErrHandlerPanic{Hook: hook, Value: r}
		}
	}()
	res, err = fn(ctx, args...)
	if err != nil {
		h.logger.WarnContext(ctx, "hook handler failed",
			"hook", hook,
			"handler", idx,
			"error", err)
	}
	return res, err
}

// Status returns a JSON-serializable summary of defined hooks and handler
// counts.
func (h *Hub) Status() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hooks := make(map[string]any, len(h.policies))
	for name, policy := range h.policies {
		hooks[name] = map[string]any{
			"policy":   policy.String(),
			"handlers": len(h.handlers[name]),
		}
	}
	return map[string]any{"hooks": hooks}
}
