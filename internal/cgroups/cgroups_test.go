package cgroups

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApplyV2(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory"), 0644))

	m := NewManager(root)
	assert.Equal(t, 2, m.Version())

	path, err := m.Apply("extract-42", 42, Limits{CPUMax: "50000 100000", CPUWeight: 50, MemoryMax: 512 << 20})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "vidhook", "extract-42"), path)

	assert.Equal(t, "42", readFile(t, filepath.Join(path, "cgroup.procs")))
	assert.Equal(t, "50000 100000", readFile(t, filepath.Join(path, "cpu.max")))
	assert.Equal(t, "50", readFile(t, filepath.Join(path, "cpu.weight")))
	assert.Equal(t, "536870912", readFile(t, filepath.Join(path, "memory.max")))
}

func TestApplyV1(t *testing.T) {
	m := NewManager(t.TempDir())
	assert.Equal(t, 1, m.Version())

	path, err := m.Apply("extract-7", 7, Limits{CPUMax: "50000 100000", CPUWeight: 100, MemoryMax: 1024})
	require.NoError(t, err)

	assert.Equal(t, "1024", readFile(t, filepath.Join(path, "cpu.shares")))
	assert.Equal(t, "1024", readFile(t, filepath.Join(path, "memory.limit_in_bytes")))
	_, err = os.Stat(filepath.Join(path, "cpu.max"))
	assert.True(t, os.IsNotExist(err), "cpu.max is v2 only")
}

func TestApplyNoop(t *testing.T) {
	m := NewManager(t.TempDir())

	path, err := m.Apply("x", 1, Limits{})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.NoError(t, m.Remove(path))

	_, err = m.Apply("x", 0, Limits{CPUWeight: 10})
	assert.Error(t, err)

	_, err = m.Apply("x", 1, Limits{CPUWeight: 20000})
	assert.Error(t, err)
}
