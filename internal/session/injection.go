package session

import (
	"sort"
	"sync"
)

// InjectionState records what has been loaded into the target over this
// connection. The discovered entry point is only valid for the connection it
// was found on, so the state is cleared when the session closes.
type InjectionState struct {
	mu         sync.Mutex
	discovered bool
	modules    map[string]struct{}
}

func newInjectionState() *InjectionState {
	return &InjectionState{modules: make(map[string]struct{})}
}

// Discovered reports whether the bootstrap loader is in place.
func (st *InjectionState) Discovered() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.discovered
}

// MarkDiscovered records a successful discovery.
func (st *InjectionState) MarkDiscovered() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.discovered = true
}

// Injected reports whether the module has been loaded.
func (st *InjectionState) Injected(module string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.modules[module]
	return ok
}

// MarkInjected records a loaded module.
func (st *InjectionState) MarkInjected(module string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.modules[module] = struct{}{}
}

// Modules lists loaded modules in sorted order.
func (st *InjectionState) Modules() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.modules))
	for m := range st.modules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (st *InjectionState) reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.discovered = false
	st.modules = make(map[string]struct{})
}
