// Package pool provides reusable vertex slices for graph traversals.
//
// Breadth-first walks allocate a fresh frontier for every level. Reusing
// the backing arrays keeps deep lineage and path queries from churning the
// garbage collector.
//
// Usage:
//
//	frontier := pool.GetNodeSlice()
//	defer pool.PutNodeSlice(frontier)
package pool

import (
	"sync"

	"github.com/orneryd/provgraph/pkg/storage"
)

// MaxPooledCap is the largest capacity kept in the pool. Larger slices are
// left to the garbage collector so one huge walk does not pin its memory.
const MaxPooledCap = 1 << 14

var nodeSlicePool = sync.Pool{
	New: func() any {
		s := make([]*storage.Node, 0, 64)
		return &s
	},
}

// GetNodeSlice returns an empty vertex slice from the pool.
// Call PutNodeSlice when done.
func GetNodeSlice() []*storage.Node {
	return (*nodeSlicePool.Get().(*[]*storage.Node))[:0]
}

// PutNodeSlice returns a vertex slice to the pool. The slice must not be
// used afterwards.
func PutNodeSlice(nodes []*storage.Node) {
	if nodes == nil || cap(nodes) > MaxPooledCap {
		return
	}
	// Clear references so pooled slices do not keep vertices alive
	clear(nodes[:cap(nodes)])
	nodes = nodes[:0]
	nodeSlicePool.Put(&nodes)
}
