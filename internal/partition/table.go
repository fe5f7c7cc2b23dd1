// Package partition tracks which member owns each partition replica.
// The invocation core re-reads the table on every dispatch so that
// migrations are observed between retries.
package partition

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/oriys/lattice/internal/cluster"
)

// DefaultPartitionCount is the number of logical shards when the
// configuration does not override it.
const DefaultPartitionCount = 271

// MaxReplicaIndex bounds the replica rank within a partition; index 0 is
// the primary, higher indexes are backups.
const MaxReplicaIndex = 6

// Table holds the partition ownership assignments.
type Table struct {
	mu     sync.RWMutex
	count  int
	owners [][]cluster.Address // [partition][replica]
}

// NewTable creates an ownership table with the given partition count.
func NewTable(count int) *Table {
	if count <= 0 {
		count = DefaultPartitionCount
	}
	owners := make([][]cluster.Address, count)
	for i := range owners {
		owners[i] = make([]cluster.Address, MaxReplicaIndex+1)
	}
	return &Table{count: count, owners: owners}
}

// Count returns the partition count.
func (t *Table) Count() int {
	return t.count
}

// PartitionID maps a key to its partition.
func (t *Table) PartitionID(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(t.count))
}

// Owner returns the address owning the given partition replica. The second
// return value is false when the replica is unassigned (e.g. during
// initial assignment or while a migration is in flight).
func (t *Table) Owner(partitionID, replicaIndex int) (cluster.Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if partitionID < 0 || partitionID >= t.count || replicaIndex < 0 || replicaIndex > MaxReplicaIndex {
		return cluster.Address{}, false
	}
	addr := t.owners[partitionID][replicaIndex]
	if addr.IsZero() {
		return cluster.Address{}, false
	}
	return addr, true
}

// SetOwner assigns a partition replica to a member. Migrations call this
// to repoint ownership; in-flight invocations pick up the change on their
// next dispatch.
func (t *Table) SetOwner(partitionID, replicaIndex int, addr cluster.Address) error {
	if partitionID < 0 || partitionID >= t.count {
		return fmt.Errorf("partition %d out of range [0,%d)", partitionID, t.count)
	}
	if replicaIndex < 0 || replicaIndex > MaxReplicaIndex {
		return fmt.Errorf("replica index %d out of range [0,%d]", replicaIndex, MaxReplicaIndex)
	}

	t.mu.Lock()
	t.owners[partitionID][replicaIndex] = addr
	t.mu.Unlock()
	return nil
}

// ClearOwner marks a partition replica as unassigned.
func (t *Table) ClearOwner(partitionID, replicaIndex int) error {
	return t.SetOwner(partitionID, replicaIndex, cluster.Address{})
}

// AssignAll gives every partition's primary replica to the given member.
// Single-member grids use this to bootstrap ownership.
func (t *Table) AssignAll(addr cluster.Address) {
	t.mu.Lock()
	for i := range t.owners {
		t.owners[i][0] = addr
	}
	t.mu.Unlock()
}
