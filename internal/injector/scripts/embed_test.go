package scripts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSources(t *testing.T) {
	assert.Contains(t, Bootstrap(), "module.exports = function bootstrap(options)")
	for _, d := range Domains() {
		src, ok := Agent(d)
		require.True(t, ok, d)
		assert.Contains(t, src, "(require, debug, options)", "agent %s must use the agent calling convention", d)
	}
	_, ok := Agent("Profiler")
	assert.False(t, ok)
}

func TestWriteAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "agents")

	p, err := WriteAll(dir)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p.Bootstrap))
	assert.Len(t, p.Agents, 3)

	data, err := os.ReadFile(p.Agents[Console])
	require.NoError(t, err)
	src, _ := Agent(Console)
	assert.Equal(t, src, string(data))

	// Second write overwrites in place.
	_, err = WriteAll(dir)
	require.NoError(t, err)
}
