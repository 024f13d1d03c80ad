package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
	prefixMeta          = byte(0xFF) // engine bookkeeping
)

// bulkChunkSize keeps bulk writes below badger's transaction size limit.
const bulkChunkSize = 1000

var seqKey = []byte{prefixMeta, 's', 'e', 'q'}

// BadgerEngine is a persistent graph store on BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//
// Sequence numbers come from a badger.Sequence, so they stay monotonic
// across restarts (with gaps where a leased range was not used).
type BadgerEngine struct {
	db     *badger.DB
	seq    *badger.Sequence
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	DataDir string

	// InMemory runs BadgerDB without touching disk.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// BlockCacheSize in bytes. Zero keeps the engine default.
	BlockCacheSize int64

	// Logger for BadgerDB internal logging. A *logrus.Entry satisfies it.
	// If nil, badger logging is disabled.
	Logger badger.Logger
}

// NewBadgerEngine opens (or creates) a persistent engine in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates a badger engine that never touches disk.
// Useful for tests that want badger semantics without a directory.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a badger engine with custom settings.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithIndexCacheSize(16 << 20)

	if opts.BlockCacheSize > 0 {
		badgerOpts = badgerOpts.WithBlockCacheSize(opts.BlockCacheSize)
	} else {
		badgerOpts = badgerOpts.WithBlockCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence(seqKey, 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lease sequence: %w", err)
	}

	return &BadgerEngine{db: db, seq: seq}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// Format: prefix + label + 0x00 + nodeID
func labelIndexKey(label string, nodeID NodeID) []byte {
	key := make([]byte, 0, 2+len(label)+len(nodeID))
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(label)...)
	key = append(key, 0x00)
	key = append(key, []byte(nodeID)...)
	return key
}

func labelIndexPrefix(label string) []byte {
	key := make([]byte, 0, 2+len(label))
	key = append(key, prefixLabelIndex)
	key = append(key, []byte(label)...)
	key = append(key, 0x00)
	return key
}

func adjacencyKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	key := make([]byte, 0, 2+len(nodeID)+len(edgeID))
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	key = append(key, 0x00)
	key = append(key, []byte(edgeID)...)
	return key
}

func adjacencyPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, 2+len(nodeID))
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	key = append(key, 0x00)
	return key
}

// suffixAfter returns the bytes after the first 0x00 separator.
func suffixAfter(key []byte) []byte {
	idx := bytes.IndexByte(key, 0x00)
	if idx < 0 {
		return nil
	}
	return key[idx+1:]
}

func encodeNode(n *Node) ([]byte, error) { return json.Marshal(n) }

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	return &n, nil
}

func encodeEdge(e *Edge) ([]byte, error) { return json.Marshal(e) }

func decodeEdge(data []byte) (*Edge, error) {
	var e Edge
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}
	return &e, nil
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *BadgerEngine) nextSeq() (uint64, error) {
	n, err := b.seq.Next()
	if err != nil {
		return 0, err
	}
	// badger sequences start at zero; zero means "unassigned" here
	return n + 1, nil
}

func getNodeTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		var decErr error
		node, decErr = decodeNode(val)
		return decErr
	})
	return node, err
}

func getEdgeTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decErr error
		edge, decErr = decodeEdge(val)
		return decErr
	})
	return edge, err
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func (b *BadgerEngine) putNodeTxn(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}
	for _, label := range node.Labels {
		if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerEngine) putEdgeTxn(txn *badger.Txn, edge *Edge) error {
	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	if err := txn.Set(edgeKey(edge.ID), data); err != nil {
		return err
	}
	if err := txn.Set(adjacencyKey(prefixOutgoingIndex, edge.StartNode, edge.ID), []byte{}); err != nil {
		return err
	}
	return txn.Set(adjacencyKey(prefixIncomingIndex, edge.EndNode, edge.ID), []byte{})
}

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	seq, err := b.nextSeq()
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, nodeKey(node.ID))
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyExists
		}
		stored := copyNode(node)
		stored.Seq = seq
		if err := b.putNodeTxn(txn, stored); err != nil {
			return err
		}
		node.Seq = seq
		return nil
	})
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNodeTxn(txn, id)
		return err
	})
	return node, err
}

// UpdateNode rewrites a node and its label index entries.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := getNodeTxn(txn, node.ID)
		if err != nil {
			return err
		}
		for _, label := range existing.Labels {
			if err := txn.Delete(labelIndexKey(label, node.ID)); err != nil {
				return err
			}
		}
		stored := copyNode(node)
		stored.Seq = existing.Seq
		return b.putNodeTxn(txn, stored)
	})
}

// DeleteNode removes a node, its label entries and all attached edges.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		node, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		for _, label := range node.Labels {
			if err := txn.Delete(labelIndexKey(label, id)); err != nil {
				return err
			}
		}
		for _, prefix := range []byte{prefixOutgoingIndex, prefixIncomingIndex} {
			ids, err := scanSuffixes(txn, adjacencyPrefix(prefix, id))
			if err != nil {
				return err
			}
			for _, edgeID := range ids {
				if err := deleteEdgeTxn(txn, EdgeID(edgeID)); err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
			}
		}
		return txn.Delete(nodeKey(id))
	})
}

// CreateEdge creates an edge between two existing nodes.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	seq, err := b.nextSeq()
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, edgeKey(edge.ID))
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyExists
		}
		if err := checkEndpoints(txn, edge); err != nil {
			return err
		}
		stored := copyEdge(edge)
		stored.Seq = seq
		if err := b.putEdgeTxn(txn, stored); err != nil {
			return err
		}
		edge.Seq = seq
		return nil
	})
}

func checkEndpoints(txn *badger.Txn, edge *Edge) error {
	for _, id := range []NodeID{edge.StartNode, edge.EndNode} {
		found, err := exists(txn, nodeKey(id))
		if err != nil {
			return err
		}
		if !found {
			return ErrInvalidEdge
		}
	}
	return nil
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeTxn(txn, id)
		return err
	})
	return edge, err
}

// UpdateEdge rewrites an edge. Endpoints cannot change.
func (b *BadgerEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := getEdgeTxn(txn, edge.ID)
		if err != nil {
			return err
		}
		if existing.StartNode != edge.StartNode || existing.EndNode != edge.EndNode {
			return ErrInvalidEdge
		}
		stored := copyEdge(edge)
		stored.Seq = existing.Seq
		data, err := encodeEdge(stored)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		return txn.Set(edgeKey(edge.ID), data)
	})
}

// DeleteEdge removes an edge and its adjacency entries.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeTxn(txn, id)
	})
}

func deleteEdgeTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := getEdgeTxn(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixOutgoingIndex, edge.StartNode, id)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixIncomingIndex, edge.EndNode, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// scanSuffixes collects the IDs stored after the separator of every key
// under prefix.
func scanSuffixes(txn *badger.Txn, prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, string(suffixAfter(it.Item().KeyCopy(nil))))
	}
	return ids, nil
}

// GetNodesByLabel returns every node carrying label, in sequence order.
func (b *BadgerEngine) GetNodesByLabel(label string) ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := labelIndexPrefix(label)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := NodeID(key[len(prefix):])
			node, err := getNodeTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	return nodes, nil
}

func (b *BadgerEngine) adjacentEdges(prefix byte, nodeID NodeID) ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		ids, err := scanSuffixes(txn, adjacencyPrefix(prefix, nodeID))
		if err != nil {
			return err
		}
		for _, id := range ids {
			edge, err := getEdgeTxn(txn, EdgeID(id))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEdges(edges)
	return edges, nil
}

// GetOutgoingEdges returns the edges starting at nodeID.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns the edges ending at nodeID.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixIncomingIndex, nodeID)
}

// AllNodes returns every node in sequence order.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	var nodes []*Node
	err := b.StreamNodes(context.Background(), func(n *Node) error {
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	return nodes, nil
}

// AllEdges returns every edge in sequence order.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	var edges []*Edge
	err := b.StreamEdges(context.Background(), func(e *Edge) error {
		edges = append(edges, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEdges(edges)
	return edges, nil
}

// StreamNodes visits nodes in key order without materializing them all.
func (b *BadgerEngine) StreamNodes(ctx context.Context, fn NodeVisitor) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return streamPrefix(ctx, txn, prefixNode, func(val []byte) error {
			node, err := decodeNode(val)
			if err != nil {
				return fmt.Errorf("failed to decode node: %w", err)
			}
			return fn(node)
		})
	})
}

// StreamEdges visits edges in key order without materializing them all.
func (b *BadgerEngine) StreamEdges(ctx context.Context, fn EdgeVisitor) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return streamPrefix(ctx, txn, prefixEdge, func(val []byte) error {
			edge, err := decodeEdge(val)
			if err != nil {
				return fmt.Errorf("failed to decode edge: %w", err)
			}
			return fn(edge)
		})
	})
}

func streamPrefix(ctx context.Context, txn *badger.Txn, prefix byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.PrefetchSize = 10
	it := txn.NewIterator(opts)
	defer it.Close()

	p := []byte{prefix}
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := it.Item().Value(fn); err != nil {
			if errors.Is(err, ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

// BulkCreateNodes creates nodes in chunked transactions. Duplicate IDs are
// rejected before anything is written.
func (b *BadgerEngine) BulkCreateNodes(nodes []*Node) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	seen := make(map[NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		if node == nil {
			return ErrInvalidData
		}
		if node.ID == "" {
			return ErrInvalidID
		}
		if _, dup := seen[node.ID]; dup {
			return ErrAlreadyExists
		}
		seen[node.ID] = struct{}{}
	}

	err := b.db.View(func(txn *badger.Txn) error {
		for _, node := range nodes {
			found, err := exists(txn, nodeKey(node.ID))
			if err != nil {
				return err
			}
			if found {
				return ErrAlreadyExists
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for start := 0; start < len(nodes); start += bulkChunkSize {
		chunk := nodes[start:min(start+bulkChunkSize, len(nodes))]
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, node := range chunk {
				seq, err := b.nextSeq()
				if err != nil {
					return err
				}
				stored := copyNode(node)
				stored.Seq = seq
				if err := b.putNodeTxn(txn, stored); err != nil {
					return err
				}
				node.Seq = seq
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// BulkCreateEdges creates edges in chunked transactions.
func (b *BadgerEngine) BulkCreateEdges(edges []*Edge) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	seen := make(map[EdgeID]struct{}, len(edges))
	for _, edge := range edges {
		if edge == nil {
			return ErrInvalidData
		}
		if edge.ID == "" {
			return ErrInvalidID
		}
		if _, dup := seen[edge.ID]; dup {
			return ErrAlreadyExists
		}
		seen[edge.ID] = struct{}{}
	}

	err := b.db.View(func(txn *badger.Txn) error {
		for _, edge := range edges {
			found, err := exists(txn, edgeKey(edge.ID))
			if err != nil {
				return err
			}
			if found {
				return ErrAlreadyExists
			}
			if err := checkEndpoints(txn, edge); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for start := 0; start < len(edges); start += bulkChunkSize {
		chunk := edges[start:min(start+bulkChunkSize, len(edges))]
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, edge := range chunk {
				seq, err := b.nextSeq()
				if err != nil {
					return err
				}
				stored := copyEdge(edge)
				stored.Seq = seq
				if err := b.putEdgeTxn(txn, stored); err != nil {
					return err
				}
				edge.Seq = seq
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// NodeCount returns the number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

// RunGC runs garbage collection on the BadgerDB value log.
// badger.ErrNoRewrite (nothing to collect) is not an error.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close releases the sequence lease and closes the database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return b.db.Close()
}

var (
	_ StreamingEngine = (*BadgerEngine)(nil)
	_ StreamingEngine = (*MemoryEngine)(nil)
)
