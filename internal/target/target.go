// Package target connects to a V8 debug port and can ask a running process
// to open one.
package target

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

// DefaultDebugPort is where node listens after receiving the debug signal.
const DefaultDebugPort = 5858

// ErrNoDebugPort means the process never started listening.
var ErrNoDebugPort = errors.New("debug port did not open")

// Dial opens a TCP connection to the debug port at addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial target %s: %w", addr, err)
	}
	return conn, nil
}

// AttachOptions controls Attach.
type AttachOptions struct {
	// Host the debug port is reached on.
	Host string
	// Timeout bounds the wait for the port to open.
	Timeout time.Duration
	// Detector finds listening ports by pid; nil uses NewPortDetector.
	Detector *PortDetector
}

// Attach signals pid to start its debugger and returns the address of the
// debug port once it accepts connections. Node always uses DefaultDebugPort
// unless started with a different one, so that port is tried first and the
// process's own listening ports are the fallback.
func Attach(ctx context.Context, pid int, opts AttachOptions) (string, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Detector == nil {
		opts.Detector = NewPortDetector()
	}

	if err := EnableDebugger(pid); err != nil {
		return "", err
	}
	log.Printf("[target] sent debug signal to pid %d", pid)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		candidates := []int{DefaultDebugPort}
		candidates = append(candidates, opts.Detector.DetectFromPID(ctx, pid)...)
		for _, port := range candidates {
			addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))
			if listening(ctx, addr) {
				return addr, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("pid %d: %w", pid, ErrNoDebugPort)
		case <-ticker.C:
		}
	}
}

func listening(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	conn, err := Dial(ctx, addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
