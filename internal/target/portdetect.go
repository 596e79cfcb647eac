package target

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// PortDetector finds the debug port of a process.
type PortDetector struct {
	// Patterns matching the debugger banner node prints
	patterns []*regexp.Regexp
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewPortDetector creates a detector that shells out to ss or lsof.
func NewPortDetector() *PortDetector {
	return &PortDetector{
		patterns: []*regexp.Regexp{
			// node 0.x: "Debugger listening on port 5858"
			regexp.MustCompile(`(?i)debugger\s+listening\s+on\s+port\s+(\d+)`),
			// io.js and node 4+: "Debugger listening on 127.0.0.1:5858" or "[::]:5858"
			regexp.MustCompile(`(?i)debugger\s+listening\s+on\s+\S*:(\d+)`),
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// DetectFromOutput scans a process's stderr for the debugger banner.
// Returns the port, or 0 if none is announced.
func (pd *PortDetector) DetectFromOutput(output string) int {
	for _, pattern := range pd.patterns {
		if matches := pattern.FindStringSubmatch(output); len(matches) > 1 {
			if port, err := strconv.Atoi(matches[1]); err == nil && validPort(port) {
				return port
			}
		}
	}
	return 0
}

// DetectFromPID finds listening TCP ports for a process using ss or lsof.
func (pd *PortDetector) DetectFromPID(ctx context.Context, pid int) []int {
	if out, err := pd.run(ctx, "ss", "-tlnp"); err == nil {
		if ports := parseSs(string(out), pid); len(ports) > 0 {
			return ports
		}
	}
	out, err := pd.run(ctx, "lsof", "-iTCP", "-sTCP:LISTEN", "-p", strconv.Itoa(pid), "-n", "-P")
	if err != nil {
		return nil
	}
	return parseLsof(string(out))
}

// parseSs reads `ss -tlnp` output, e.g.
//
//	LISTEN 0 128 127.0.0.1:5858 0.0.0.0:* users:(("node",pid=4242,fd=11))
func parseSs(output string, pid int) []int {
	var ports []int
	pidStr := "pid=" + strconv.Itoa(pid) + ","
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, pidStr) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		local := fields[3]
		idx := strings.LastIndex(local, ":")
		if idx == -1 {
			continue
		}
		if port, err := strconv.Atoi(local[idx+1:]); err == nil && validPort(port) {
			ports = appendUnique(ports, port)
		}
	}
	return ports
}

var lsofPort = regexp.MustCompile(`:(\d+)\s+\(LISTEN\)`)

func parseLsof(output string) []int {
	var ports []int
	for _, line := range strings.Split(output, "\n") {
		if matches := lsofPort.FindStringSubmatch(line); len(matches) > 1 {
			if port, err := strconv.Atoi(matches[1]); err == nil && validPort(port) {
				ports = appendUnique(ports, port)
			}
		}
	}
	return ports
}

func validPort(port int) bool {
	return port > 0 && port < 65536
}

func appendUnique(ports []int, port int) []int {
	for _, p := range ports {
		if p == port {
			return ports
		}
	}
	return append(ports, port)
}
