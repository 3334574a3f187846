package identitygate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// EBPFResolver maps a client socket address to a fingerprint by reading a
// pinned eBPF hash map that a kernel-side tracer keeps populated with
// PID/cgroup-derived identity hashes keyed by source address. This is the
// alternative to DockerResolver for hosts where the proxy and engine run as
// bare processes rather than containers.
type EBPFResolver struct {
	identityMap *ebpf.Map
}

// NewEBPFResolver loads the pinned map at path (e.g.
// /sys/fs/bpf/veil/identity_map), keyed by a 32-bit hash of the client's
// socket address and valued with a 32-bit fingerprint handle.
func NewEBPFResolver(pinPath string) (*EBPFResolver, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("identity: remove memlock: %w", err)
	}

	m, err := ebpf.LoadPinnedMap(pinPath, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: load pinned map %s: %w", pinPath, err)
	}

	slog.Info("identity: ebpf resolver attached", "map", pinPath)
	return &EBPFResolver{identityMap: m}, nil
}

// Resolve hashes clientAddress, looks it up in the pinned map, and renders
// the stored fingerprint handle as a hex string image-digest analog.
func (r *EBPFResolver) Resolve(_ context.Context, clientAddress string) (string, error) {
	key := addressHash(clientAddress)

	var value uint32
	if err := r.identityMap.Lookup(key, &value); err != nil {
		if err == ebpf.ErrKeyNotExist {
			return FingerprintUnknown, nil
		}
		slog.Error("identity: ebpf map lookup failed", "error", err)
		return FingerprintError, err
	}

	return fmt.Sprintf("ebpf:%08x", value), nil
}

func (r *EBPFResolver) Close() error { return r.identityMap.Close() }

func addressHash(addr string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(addr); i++ {
		h ^= uint32(addr[i])
		h *= 16777619
	}
	return h
}
