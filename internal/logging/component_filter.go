package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler wraps another handler and applies per-component log
// levels. Components are identified by the "component" attribute that each
// one attaches to its logger at construction time. Records without a
// component attribute use the default level.
//
// Level overrides can be changed at runtime, so a single noisy component can
// be turned up to DEBUG without drowning the rest of the output.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// mu and levels are shared pointers so handler clones created by
	// WithAttrs/WithGroup observe runtime level changes.
	mu     *sync.RWMutex
	levels map[string]slog.Level

	// preAttrs holds attributes attached via With(), searched for the
	// component key when the record itself carries none.
	preAttrs []slog.Attr
}

// NewComponentFilterHandler wraps next with per-component level filtering.
// Records below defaultLevel are dropped unless their component has an
// override set via SetLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	var mu sync.RWMutex
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		mu:           &mu,
		levels:       make(map[string]slog.Level),
	}
}

// SetLevel overrides the minimum level for a single component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.levels[component] = level
}

// ClearLevel removes a component's override, reverting it to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.levels, component)
}

// SetDefaultLevel changes the level applied to components without an
// override. It affects this handler and clones created afterwards, so call
// it before handing the logger out.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultLevel = level
}

// Level returns the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if level, ok := h.levels[component]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel returns the level applied to components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.defaultLevel
}

// Enabled reports whether any component could emit at this level. The
// per-component decision happens in Handle, where the component attribute
// is visible.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if level >= h.defaultLevel {
		return true
	}
	for _, l := range h.levels {
		if level >= l {
			return true
		}
	}
	return false
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.Level(h.component(r)) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preAttrs := make([]slog.Attr, len(h.preAttrs)+len(attrs))
	copy(preAttrs, h.preAttrs)
	copy(preAttrs[len(h.preAttrs):], attrs)

	// The copy reads defaultLevel, which SetDefaultLevel may write.
	h.mu.RLock()
	clone := *h
	h.mu.RUnlock()

	clone.preAttrs = preAttrs
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	h.mu.RLock()
	clone := *h
	h.mu.RUnlock()

	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}

// component extracts the component attribute from the record, falling back
// to attributes attached via With().
func (h *ComponentFilterHandler) component(r slog.Record) string {
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component != "" {
		return component
	}
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			return a.Value.String()
		}
	}
	return ""
}
