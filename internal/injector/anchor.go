package injector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RuntimeAnchor describes how to reach the runtime's internal module loader
// on one family of runtime versions.
type RuntimeAnchor interface {
	Name() string
	// Supports reports whether the anchor works on the given V8 version.
	Supports(v8Version string) bool
	// Expression evaluates, in the global context, to a function whose
	// closure holds the module loader.
	Expression() string
	// LoaderName is the closure variable holding the module loader.
	LoaderName() string
	// Bootstrap returns the expression that loads the bootstrap file at path
	// with the given JSON options, with LoaderName bound in scope.
	Bootstrap(path string, options []byte) string
}

// BindingAnchor reaches NativeModule through the closure of process.binding,
// which is defined inside the node bootstrap function on V8 3.x and 4.x.
type BindingAnchor struct{}

func (BindingAnchor) Name() string { return "process-binding" }

func (BindingAnchor) Supports(v string) bool {
	major, _, ok := parseVersion(v)
	return ok && major < 5
}

func (BindingAnchor) Expression() string { return "process.binding" }

func (BindingAnchor) LoaderName() string { return "NativeModule" }

func (a BindingAnchor) Bootstrap(path string, options []byte) string {
	return fmt.Sprintf("%s.require('module')._load(%s)(%s)", a.LoaderName(), jsString(path), options)
}

// ModuleLoadAnchor reaches NativeModule through Module._load, whose module
// scope imports it on V8 5.x and later.
type ModuleLoadAnchor struct{}

func (ModuleLoadAnchor) Name() string { return "module-load" }

func (ModuleLoadAnchor) Supports(v string) bool {
	major, _, ok := parseVersion(v)
	return ok && major >= 5
}

func (ModuleLoadAnchor) Expression() string { return "process.mainModule.constructor._load" }

func (ModuleLoadAnchor) LoaderName() string { return "NativeModule" }

func (a ModuleLoadAnchor) Bootstrap(path string, options []byte) string {
	return fmt.Sprintf("%s.require('module')._load(%s, null, false)(%s)", a.LoaderName(), jsString(path), options)
}

// DefaultAnchors is the order tried when no anchor is configured.
func DefaultAnchors() []RuntimeAnchor {
	return []RuntimeAnchor{BindingAnchor{}, ModuleLoadAnchor{}}
}

// SelectAnchor returns the anchor to use for v8Version. A non-empty name other
// than "auto" selects by name regardless of version.
func SelectAnchor(anchors []RuntimeAnchor, name, v8Version string) (RuntimeAnchor, error) {
	if name != "" && name != "auto" {
		for _, a := range anchors {
			if a.Name() == name {
				return a, nil
			}
		}
		return nil, fmt.Errorf("unknown anchor %q", name)
	}
	for _, a := range anchors {
		if a.Supports(v8Version) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no anchor for V8 %q", ErrUnsupportedRuntime, v8Version)
}

func parseVersion(v string) (major, minor int, ok bool) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
