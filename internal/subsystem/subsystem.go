// Package subsystem implements the plugin/subsystem registry described
// in spec.md §4.5: dependency-ordered init/cleanup with idempotent
// per-subsystem state markers.
package subsystem

import (
	"fmt"
	"sort"
)

// Subsystem is anything the Registry can bring up and tear down in
// dependency order.
type Subsystem interface {
	Name() string
	DependsOn() []string
	Init() error
	Cleanup()
}

// EnableDisabler is implemented by subsystems that distinguish
// "initialised" from "enabled"; Enable/Disable only take effect while
// initialised (spec.md §4.5).
type EnableDisabler interface {
	Enable() error
	Disable()
}

// marker is the idempotent boolean state marker from spec.md §3
// ("Subsystem state marker"): init skips if already true then sets
// true; cleanup skips if already false then sets false.
type marker struct {
	initialised bool
	enabled     bool
}

func (m *marker) markInit() (skip bool) {
	if m.initialised {
		return true
	}
	m.initialised = true
	return false
}

func (m *marker) markCleanup() (skip bool) {
	if !m.initialised {
		return true
	}
	m.initialised = false
	return false
}

func (m *marker) markEnable() (skip bool) {
	if m.enabled {
		return true
	}
	m.enabled = true
	return false
}

func (m *marker) markDisable() (skip bool) {
	if !m.enabled {
		return true
	}
	m.enabled = false
	return false
}

// Registry orders subsystems by declared dependency and drives their
// lifecycle: init leaves-first, cleanup in reverse.
type Registry struct {
	byName  map[string]Subsystem
	markers map[string]*marker
	order   []string // init order, filled in by Init
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Subsystem),
		markers: make(map[string]*marker),
	}
}

// Add registers a subsystem. Add does not initialise it; call Init once
// every subsystem has been added.
func (r *Registry) Add(s Subsystem) {
	r.byName[s.Name()] = s
	r.markers[s.Name()] = &marker{}
}

// Init topologically sorts by declared dependencies (leaves first) and
// calls Init on each subsystem in that order. A missing dependency or a
// dependency cycle is a fatal configuration error. Init/cleanup calls
// are idempotent per the state marker; a subsystem already initialised
// is skipped.
//
// On the first failing subsystem, Init unwinds every subsystem it has
// already brought up (in reverse order) and returns the error, per
// spec.md §7 ("Fatal startup errors propagate up through the subsystem
// registry, which unwinds and aborts daemon start").
func (r *Registry) Init() error {
	order, err := r.topoSort()
	if err != nil {
		return err
	}

	var started []string
	for _, name := range order {
		s := r.byName[name]
		if r.markers[name].markInit() {
			continue
		}
		if err := s.Init(); err != nil {
			r.markers[name].initialised = false
			r.unwind(started)
			return fmt.Errorf("subsystem %q init: %w", name, err)
		}
		started = append(started, name)
	}
	r.order = order
	return nil
}

// Cleanup tears down every initialised subsystem in reverse
// dependency order. Idempotent: subsystems already cleaned up are
// skipped.
func (r *Registry) Cleanup() {
	r.unwind(r.order)
}

func (r *Registry) unwind(names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if r.markers[name].markCleanup() {
			continue
		}
		r.byName[name].Cleanup()
	}
}

// Enable calls Enable on name if it implements EnableDisabler, is
// initialised, and is not already enabled. No-op for subsystems without
// enable/disable semantics or not initialised.
func (r *Registry) Enable(name string) error {
	s, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("subsystem %q not registered", name)
	}
	ed, ok := s.(EnableDisabler)
	if !ok {
		return nil
	}
	if !r.markers[name].initialised {
		return nil
	}
	if r.markers[name].markEnable() {
		return nil
	}
	return ed.Enable()
}

// Disable calls Disable on name if it implements EnableDisabler, is
// initialised, and is currently enabled.
func (r *Registry) Disable(name string) {
	s, ok := r.byName[name]
	if !ok {
		return
	}
	ed, ok := s.(EnableDisabler)
	if !ok {
		return
	}
	if !r.markers[name].initialised {
		return
	}
	if r.markers[name].markDisable() {
		return
	}
	ed.Disable()
}

// topoSort returns subsystem names ordered so each name's dependencies
// precede it (leaves first).
func (r *Registry) topoSort() ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(r.byName))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("subsystem dependency cycle: %v -> %s", path, name)
		}
		s, ok := r.byName[name]
		if !ok {
			return fmt.Errorf("unknown subsystem dependency %q", name)
		}
		state[name] = visiting
		for _, dep := range s.DependsOn() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	// Deterministic base order before the stable topological sort, so
	// Init order only varies with declared dependencies, not map
	// iteration.
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
