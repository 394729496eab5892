// Package nodemap maps graph node ids to the kernels holding a replica of them.
package nodemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// Static resolves node ids from two tables: explicit per-node assignments,
// consulted first, and a partition table reached by hashing the node id.
//
// Lookup:
//
//	node 42 ──explicit?──> [addr...]
//	   └─ fnv(42) % partitions ──> partition 3 ──> [addr...]
//
// All methods are safe for concurrent use and return copies.
type Static struct {
	mu         sync.RWMutex
	nodes      map[int64][]string
	partitions map[int][]string
	local      map[int64]bool
	localParts map[int]bool
	numParts   int
}

// NewStatic creates a mapper with numPartitions hash partitions. Zero
// partitions disables the partition table.
func NewStatic(numPartitions int) *Static {
	if numPartitions < 0 {
		numPartitions = 0
	}
	return &Static{
		nodes:      make(map[int64][]string),
		partitions: make(map[int][]string),
		local:      make(map[int64]bool),
		localParts: make(map[int]bool),
		numParts:   numPartitions,
	}
}

// Assign sets the replica addresses of one node, replacing earlier ones.
func (s *Static) Assign(nodeID int64, addrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID] = append([]string(nil), addrs...)
}

// AssignPartition sets the replica addresses of a partition.
func (s *Static) AssignPartition(partition int, addrs ...string) error {
	if partition < 0 || partition >= s.numParts {
		return fmt.Errorf("invalid partition %d, must be in range [0, %d)", partition, s.numParts)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[partition] = append([]string(nil), addrs...)
	return nil
}

// SetLocal marks node ids as stored on this process.
func (s *Static) SetLocal(nodeIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range nodeIDs {
		s.local[id] = true
	}
}

// SetLocalPartition marks a whole partition as stored on this process.
func (s *Static) SetLocalPartition(partition int) error {
	if partition < 0 || partition >= s.numParts {
		return fmt.Errorf("invalid partition %d, must be in range [0, %d)", partition, s.numParts)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localParts[partition] = true
	return nil
}

// Partition returns the hash partition of nodeID, or -1 without partitions.
func (s *Static) Partition(nodeID int64) int {
	if s.numParts == 0 {
		return -1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nodeID))
	h := fnv.New32a()
	h.Write(buf[:])
	return int(h.Sum32() % uint32(s.numParts))
}

// Addresses returns the kernels believed to hold nodeID, in preference order.
// An unknown node yields an empty slice.
func (s *Static) Addresses(nodeID int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if addrs, ok := s.nodes[nodeID]; ok {
		return append([]string(nil), addrs...)
	}
	if p := s.Partition(nodeID); p >= 0 {
		return append([]string(nil), s.partitions[p]...)
	}
	return []string{}
}

// IsLocal reports whether nodeID is stored on this process
func (s *Static) IsLocal(nodeID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.local[nodeID] {
		return true
	}
	if p := s.Partition(nodeID); p >= 0 {
		return s.localParts[p]
	}
	return false
}

// ErrEmptyAddress is returned by Validate for blank replica addresses.
var ErrEmptyAddress = errors.New("nodemap: empty replica address")

// Validate checks that no assignment holds a blank address.
func (s *Static) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, addrs := range s.nodes {
		for _, a := range addrs {
			if a == "" {
				return fmt.Errorf("%w for node %d", ErrEmptyAddress, id)
			}
		}
	}
	for p, addrs := range s.partitions {
		for _, a := range addrs {
			if a == "" {
				return fmt.Errorf("%w for partition %d", ErrEmptyAddress, p)
			}
		}
	}
	return nil
}
