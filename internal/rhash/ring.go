// Package rhash implements the consistent-hash ring used to map a group id
// or hash-key onto exactly one Redis partition (spec.md §4.1). Grounded on
// the original C++ source's UserConsistentFnvHash (original_source
// src/utils/consistent_hash.h): an FNV-1a hash with ~200 virtual nodes per
// partition, keyed into a sorted ring so lookups are a single
// lower-bound search.
//
// This is hand-rolled against the stdlib rather than reached for from the
// pack: the pack's closest analog (github.com/dgryski/go-rendezvous,
// pulled in transitively by m0rjc-OsmDeviceAdapter) implements rendezvous
// hashing, a different algorithm with different redistribution properties
// than the explicit "~200 virtual nodes per partition" ring spec.md
// mandates. See DESIGN.md.
package rhash

import (
	"encoding/binary"
	"sort"
	"sync"
)

// DefaultVirtualNodes matches the original implementation's
// DEFAULTNUMBEROFREPLICAS.
const DefaultVirtualNodes = 200

func fnv1a(b []byte) uint32 {
	const (
		offset uint32 = 0x811C9DC5
		prime  uint32 = 16777619
	)
	h := offset
	for _, c := range b {
		h = (h ^ uint32(c)) * prime
	}
	h += h << 13
	h ^= h >> 7
	h += h << 3
	h ^= h >> 17
	h += h << 5
	return h
}

// Ring is a consistent-hash ring over named partitions.
type Ring struct {
	mu           sync.RWMutex
	virtualNodes int
	points       []uint32          // sorted
	owners       map[uint32]string // point -> partition name
}

// New builds an empty ring. virtualNodes <= 0 selects DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		owners:       make(map[uint32]string),
	}
}

// AddPartition inserts a partition's virtual nodes into the ring.
func (r *Ring) AddPartition(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.virtualNodes; i++ {
		point := fnv1a(vnodeKey(name, i))
		if _, dup := r.owners[point]; !dup {
			r.points = append(r.points, point)
		}
		r.owners[point] = name
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// RemovePartition drops a partition's virtual nodes from the ring.
func (r *Ring) RemovePartition(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.virtualNodes; i++ {
		point := fnv1a(vnodeKey(name, i))
		if r.owners[point] == name {
			delete(r.owners, point)
		}
	}
	filtered := r.points[:0]
	for _, p := range r.points {
		if _, ok := r.owners[p]; ok {
			filtered = append(filtered, p)
		}
	}
	r.points = filtered
}

// vnodeKey matches the original hashbuf construction: the server name
// followed by the little-endian replica index, in a fixed-size buffer.
func vnodeKey(name string, idx int) []byte {
	buf := make([]byte, 50)
	n := copy(buf, name)
	if n > 50-4 {
		n = 50 - 4
	}
	binary.LittleEndian.PutUint32(buf[n:n+4], uint32(idx))
	return buf[:n+4]
}

// PickGID maps a numeric group id onto a partition name via its 8-byte
// little-endian encoding, matching the original hash(uint64_t) overload.
func (r *Ring) PickGID(gid uint64) (string, bool) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], gid)
	return r.pick(fnv1a(b[:]))
}

// PickKey maps an arbitrary string hash-key onto a partition name.
func (r *Ring) PickKey(key string) (string, bool) {
	return r.pick(fnv1a([]byte(key)))
}

func (r *Ring) pick(hash uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return "", false
	}
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= hash })
	if idx == len(r.points) {
		idx = 0
	}
	return r.owners[r.points[idx]], true
}

// Partitions lists the distinct partition names currently on the ring.
func (r *Ring) Partitions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, name := range r.owners {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
