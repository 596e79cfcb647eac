//go:build !windows

package target

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAttach_FindsPortOfProcess(t *testing.T) {
	// Catch the debug signal so it does not terminate the test binary.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	pid := os.Getpid()
	pd := NewPortDetector()
	pd.run = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return []byte(fmt.Sprintf("LISTEN 0 128 127.0.0.1:%d 0.0.0.0:* users:((\"node\",pid=%d,fd=3))\n", port, pid)), nil
	}

	addr, err := Attach(context.Background(), pid, AttachOptions{Detector: pd, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), addr)

	select {
	case <-sigs:
	case <-time.After(time.Second):
		t.Fatal("debug signal not delivered")
	}
}

func TestAttach_TimesOut(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	pd := NewPortDetector()
	pd.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, fmt.Errorf("unavailable")
	}

	_, err := Attach(context.Background(), os.Getpid(), AttachOptions{Detector: pd, Timeout: 300 * time.Millisecond})
	assert.ErrorIs(t, err, ErrNoDebugPort)
}
