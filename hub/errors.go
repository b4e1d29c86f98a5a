package hub

import "fmt"

// ErrHookNotDefined is returned when Register or Invoke targets a hook that
// was never defined.
type ErrHookNotDefined struct {
	Hook string
}

func (e *ErrHookNotDefined) Error() string {
	return fmt.Sprintf("hub: hook not defined: %s", e.Hook)
}

// ErrHookRedefined is returned when Define is called again for an existing
// hook with a different policy. Hook/policy pairs are fixed at startup.
type ErrHookRedefined struct {
	Hook string
	Old  Policy
	New  Policy
}

func (e *ErrHookRedefined) Error() string {
	return fmt.Sprintf("hub: hook %q already defined with policy %s (got %s)", e.Hook, e.Old, e.New)
}

// ErrHandlerPanic wraps a recovered handler panic. It never escapes dispatch;
// it only appears in logs.
type ErrHandlerPanic struct {
	Hook  string
	Value any
}

func (e *ErrHandlerPanic) Error() string {
	return fmt.Sprintf("hub: handler panicked for hook %s", e.Hook)
}
