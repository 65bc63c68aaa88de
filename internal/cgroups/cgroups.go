// Package cgroups caps the CPU and memory of helper processes such as ffmpeg.
//
// Everything here is best effort: without write access to the cgroup tree
// the process simply runs unconfined.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is where the unified hierarchy is mounted
const DefaultRoot = "/sys/fs/cgroup"

// Limits is what may be written for one process. Zero values leave the
// corresponding controller alone.
type Limits struct {
	CPUMax    string `mapstructure:"cpu_max"`    // "quota period" or "max", v2 only
	CPUWeight int    `mapstructure:"cpu_weight"` // 1-10000
	MemoryMax int64  `mapstructure:"memory_max"` // bytes
}

// Empty reports whether l sets nothing
func (l Limits) Empty() bool {
	return l.CPUMax == "" && l.CPUWeight == 0 && l.MemoryMax == 0
}

// Validate rejects out of range values
func (l Limits) Validate() error {
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	return nil
}

// Manager creates per-process groups under root/vidhook
type Manager struct {
	root    string
	version int
}

// NewManager returns a manager for the hierarchy mounted at root
func NewManager(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	version := 1
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		version = 2
	}
	return &Manager{root: root, version: version}
}

// Version returns the detected cgroup version (1 or 2)
func (m *Manager) Version() int {
	return m.version
}

// Apply moves pid into a new group called name and writes limits to it.
// It returns the group path for Remove; an empty path with a nil error means
// the tree is not writable and nothing was done.
func (m *Manager) Apply(name string, pid int, limits Limits) (string, error) {
	if limits.Empty() {
		return "", nil
	}
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid: %d", pid)
	}
	if err := limits.Validate(); err != nil {
		return "", err
	}

	path := m.groupPath(name)
	if err := os.MkdirAll(path, 0755); err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	if err := write(path, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to join cgroup: %w", err)
	}

	var errs []error
	if limits.CPUMax != "" && m.version == 2 {
		errs = append(errs, write(path, "cpu.max", limits.CPUMax))
	}
	if limits.CPUWeight > 0 {
		if m.version == 2 {
			errs = append(errs, write(path, "cpu.weight", strconv.Itoa(limits.CPUWeight)))
		} else {
			// weight 100 = 1024 shares
			errs = append(errs, write(path, "cpu.shares", strconv.Itoa(limits.CPUWeight*1024/100)))
		}
	}
	if limits.MemoryMax > 0 {
		file := "memory.max"
		if m.version == 1 {
			file = "memory.limit_in_bytes"
		}
		errs = append(errs, write(path, file, strconv.FormatInt(limits.MemoryMax, 10)))
	}
	return path, errors.Join(errs...)
}

// Remove deletes a group created by Apply once its process has exited
func (m *Manager) Remove(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}

func (m *Manager) groupPath(name string) string {
	if m.version == 2 {
		return filepath.Join(m.root, "vidhook", name)
	}
	// v1 keeps one tree per controller; the cpu tree hosts the group
	return filepath.Join(m.root, "cpu", "vidhook", name)
}

func write(dir, file, value string) error {
	return os.WriteFile(filepath.Join(dir, file), []byte(value), 0644)
}
