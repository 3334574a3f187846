// Package kernelsink writes pipeline verdicts back into a pinned eBPF map so
// a kernel-side LSM hook can enforce the decision directly on the sandboxed
// process's syscalls, instead of relying solely on the HTTP response the
// proxy receives. This is the optional low-latency enforcement extension
// named in spec §9; without it VEIL is purely a userspace advisory gate.
package kernelsink

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// Kernel verdict encoding the pinned map expects, matching the teacher's
// probe.VerdictUpdater convention.
const (
	VerdictAllow uint32 = 1
	VerdictBlock uint32 = 2
)

// Sink writes ALLOW/BLOCK decisions into a pinned PID-keyed eBPF map.
type Sink struct {
	verdictMap *ebpf.Map
}

// NewSink loads the pinned map at path.
func NewSink(path string) (*Sink, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("kernelsink: load pinned map %s: %w", path, err)
	}
	return &Sink{verdictMap: m}, nil
}

// Release tells the kernel that pid's held syscall may proceed.
func (s *Sink) Release(pid uint32) error {
	if err := s.verdictMap.Update(pid, VerdictAllow, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("kernelsink: update ALLOW for pid %d: %w", pid, err)
	}
	return nil
}

// Revoke tells the kernel to block pid's held syscall.
func (s *Sink) Revoke(pid uint32) error {
	if err := s.verdictMap.Update(pid, VerdictBlock, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("kernelsink: update BLOCK for pid %d: %w", pid, err)
	}
	return nil
}

// Close releases the underlying map handle.
func (s *Sink) Close() error { return s.verdictMap.Close() }
