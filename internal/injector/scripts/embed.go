// Package scripts provides the embedded JavaScript loaded into the target.
//
// The target loads these files with its own module loader, so they must exist
// on the target's filesystem. WriteAll materializes them into a directory.
package scripts

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Individual script files embedded at compile time
var (
	//go:embed bootstrap.js
	bootstrapJS string

	//go:embed agents/console.js
	consoleJS string

	//go:embed agents/network.js
	networkJS string

	//go:embed agents/heapprofiler.js
	heapProfilerJS string
)

// Agent domain names.
const (
	Console      = "Console"
	Network      = "Network"
	HeapProfiler = "HeapProfiler"
)

var agents = map[string]struct {
	file   string
	source string
}{
	Console:      {"console-agent.js", consoleJS},
	Network:      {"network-agent.js", networkJS},
	HeapProfiler: {"heapprofiler-agent.js", heapProfilerJS},
}

// Bootstrap returns the bootstrap loader source.
func Bootstrap() string {
	return bootstrapJS
}

// Agent returns the source of the named agent.
func Agent(domain string) (string, bool) {
	a, ok := agents[domain]
	return a.source, ok
}

// Domains lists the agent domains in sorted order.
func Domains() []string {
	out := make([]string, 0, len(agents))
	for d := range agents {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Paths holds the absolute locations of materialized scripts.
type Paths struct {
	Bootstrap string
	Agents    map[string]string
}

// WriteAll writes the bootstrap and every agent into dir and returns their
// absolute paths. Existing files are overwritten.
func WriteAll(dir string) (Paths, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create agent dir: %w", err)
	}

	p := Paths{
		Bootstrap: filepath.Join(abs, "bootstrap.js"),
		Agents:    make(map[string]string, len(agents)),
	}
	if err := os.WriteFile(p.Bootstrap, []byte(bootstrapJS), 0o644); err != nil {
		return Paths{}, fmt.Errorf("write bootstrap: %w", err)
	}
	for domain, a := range agents {
		path := filepath.Join(abs, a.file)
		if err := os.WriteFile(path, []byte(a.source), 0o644); err != nil {
			return Paths{}, fmt.Errorf("write %s agent: %w", domain, err)
		}
		p.Agents[domain] = path
	}
	return p, nil
}
