// Package reach converts raw connectivity signals into backoff decisions.
//
// It tracks two axes independently: device-level connectivity (a boolean
// derived from the platform's raw online/offline signal) and server-level
// reachability (tri-state: unknown/reachable/unreachable). A device can be
// "online" yet unable to reach the sync server (firewalled, server down),
// and the two cases back off differently.
//
// The tracker owns a consecutive-failure counter that the sync orchestrator
// feeds into its exponential backoff. Probing is not done here — the remote
// connector reports outcomes back via SetServerReachable.
package reach

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Reachability is the server-level axis. It starts Unknown and is only
// updated from reported connection outcomes.
type Reachability int

const (
	Unknown Reachability = iota
	Reachable
	Unreachable
)

// String returns the reachability name for logs and status maps.
func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Callback is notified when server reachability actually flips. Repeated
// identical reports do not fire callbacks.
type Callback func(reachable bool)

// Tracker holds the shared connectivity state. Create one per orchestrator
// lifetime and hand a reference to every consumer — it is the single shared
// mutable object other components read.
type Tracker struct {
	mu        sync.Mutex
	online    bool
	server    Reachability
	failures  int
	nextID    int
	callbacks map[int]Callback
	logger    *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger for the tracker.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a Tracker. The device starts online and server reachability
// starts Unknown.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		online:    true,
		server:    Unknown,
		callbacks: make(map[int]Callback),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetOnline records the platform's raw device-level signal.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	was := t.online
	t.online = online
	t.mu.Unlock()
	if was != online {
		t.logger.Info("device connectivity changed", "online", online)
	}
}

// Online reports the device-level signal.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// CheckActualConnectivity reports whether the sync server is believed
// reachable. If the device is offline it records the server as unreachable
// and returns false immediately — no network call is worth attempting.
// Otherwise it returns the last cached reachability, defaulting to true
// while Unknown (the connector will correct it on the first real attempt).
func (t *Tracker) CheckActualConnectivity() bool {
	t.mu.Lock()
	if !t.online {
		flipped, cbs := t.setServerLocked(false)
		t.mu.Unlock()
		t.fire(flipped, false, cbs)
		return false
	}
	reachable := t.server != Unreachable
	t.mu.Unlock()
	return reachable
}

// Reachable reports the current belief without mutating any state: false
// when the device is offline, otherwise the cached server axis with Unknown
// treated as reachable. Read-only consumers (health polls, status pages)
// use this; CheckActualConnectivity is for callers that want an offline
// device recorded as a failed attempt.
func (t *Tracker) Reachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online && t.server != Unreachable
}

// SetServerReachable records a connection outcome reported by the remote
// connector. Reachable resets the consecutive-failure counter to zero;
// unreachable increments it by one, even when the value does not flip.
// Status-change callbacks fire only on an actual flip.
func (t *Tracker) SetServerReachable(reachable bool) {
	t.mu.Lock()
	flipped, cbs := t.setServerLocked(reachable)
	failures := t.failures
	t.mu.Unlock()

	if !reachable {
		t.logger.Warn("sync server unreachable", "consecutive_failures", failures)
	} else if flipped {
		t.logger.Info("sync server reachable again")
	}
	t.fire(flipped, reachable, cbs)
}

// setServerLocked updates the server axis and failure counter. Must be
// called with mu held. Returns whether the value flipped and a snapshot of
// the callbacks to notify.
func (t *Tracker) setServerLocked(reachable bool) (bool, []Callback) {
	next := Unreachable
	if reachable {
		next = Reachable
	}
	flipped := t.server != next
	t.server = next

	if reachable {
		t.failures = 0
	} else {
		t.failures++
	}

	if !flipped {
		return false, nil
	}
	// Snapshot so registration/removal during notification cannot skip or
	// double-fire a callback.
	cbs := make([]Callback, 0, len(t.callbacks))
	for _, cb := range t.callbacks {
		cbs = append(cbs, cb)
	}
	return true, cbs
}

// fire invokes callbacks outside the lock, isolating each one so a
// panicking callback cannot prevent the rest from running.
func (t *Tracker) fire(flipped bool, reachable bool, cbs []Callback) {
	if !flipped {
		return
	}
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("reachability callback panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
				}
			}()
			cb(reachable)
		}()
	}
}

// OnChange registers a status-change callback and returns a function that
// removes it. Both operations are O(1).
func (t *Tracker) OnChange(cb Callback) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.callbacks[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// ServerReachable returns the cached server-level axis.
func (t *Tracker) ServerReachable() Reachability {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server
}

// ConsecutiveFailures returns how many unreachable outcomes have been
// reported since the last reachable one.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Status returns a JSON-serializable summary.
func (t *Tracker) Status() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"online":               t.online,
		"server":               t.server.String(),
		"consecutive_failures": t.failures,
		"callbacks":            len(t.callbacks),
	}
}
