// Package backend is the statement layer between the query engine and the
// graph store.
//
// A Statement is one unit of work against a storage.Engine. Statements run
// one at a time: each write statement holds the store's write lock for its
// whole duration, so another session never observes half of a statement.
// This is the transaction boundary of the engine. Consecutive statements
// are not atomic with respect to each other unless they are submitted
// together through Batch.
//
// Failures coming out of the engine are reported as BACKEND_FAILURE
// (see package qerr).
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/provgraph/pkg/convert"
	"github.com/orneryd/provgraph/pkg/cypher"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Statement mutates (or reads) the store. It must not retain g after it
// returns.
type Statement func(ctx context.Context, g storage.Engine) error

// NodeQuery selects vertices for export.
type NodeQuery func(ctx context.Context, g storage.Engine) ([]*storage.Node, error)

// EdgeQuery selects edges for export.
type EdgeQuery func(ctx context.Context, g storage.Engine) ([]*storage.Edge, error)

// QueriedEdge is an exported edge with its endpoint hashes.
type QueriedEdge struct {
	Hash        string            `json:"hash"`
	ChildHash   string            `json:"child"`
	ParentHash  string            `json:"parent"`
	Annotations map[string]string `json:"annotations"`
}

// Store serializes statements over one storage engine.
type Store struct {
	engine storage.Engine
	mu     sync.RWMutex
	log    *logrus.Entry
}

// NewStore wraps engine. The store takes ownership and closes it on Close.
func NewStore(engine storage.Engine) *Store {
	return &Store{
		engine: engine,
		log:    logrus.WithField("component", "backend"),
	}
}

// Exec runs a write statement under the write lock.
func (s *Store) Exec(ctx context.Context, name string, stmt Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, name, stmt)
}

// Batch runs several statements under a single write lock acquisition.
// The first failure stops the batch; statements that already ran are not
// rolled back.
func (s *Store) Batch(ctx context.Context, name string, stmts ...Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stmt := range stmts {
		if err := s.run(ctx, fmt.Sprintf("%s[%d]", name, i), stmt); err != nil {
			return err
		}
	}
	return nil
}

// Read runs a read-only statement under the read lock.
func (s *Store) Read(ctx context.Context, name string, stmt Statement) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run(ctx, name, stmt)
}

func (s *Store) run(ctx context.Context, name string, stmt Statement) error {
	if err := ctx.Err(); err != nil {
		return qerr.Backend(name, err)
	}

	start := time.Now()
	err := stmt(ctx, s.engine)
	observeStatement(name, start, err)

	if err != nil {
		s.log.WithError(err).WithField("statement", name).Debug("statement failed")
		return qerr.Backend(name, err)
	}
	s.log.WithFields(logrus.Fields{
		"statement": name,
		"elapsed":   time.Since(start),
	}).Trace("statement done")
	return nil
}

// ExportVertices returns the selected vertices keyed by hash with their
// annotations rendered as strings.
func (s *Store) ExportVertices(ctx context.Context, q NodeQuery) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	err := s.Read(ctx, "export_vertices", func(ctx context.Context, g storage.Engine) error {
		nodes, err := q(ctx, g)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			out[string(n.ID)] = Annotations(n.Properties)
		}
		return nil
	})
	return out, err
}

// ExportEdges returns the selected edges ordered by hash. Keys listed in
// hidden are left out of the annotations.
func (s *Store) ExportEdges(ctx context.Context, q EdgeQuery, hidden ...string) ([]QueriedEdge, error) {
	var out []QueriedEdge
	err := s.Read(ctx, "export_edges", func(ctx context.Context, g storage.Engine) error {
		edges, err := q(ctx, g)
		if err != nil {
			return err
		}
		for _, e := range edges {
			out = append(out, QueriedEdge{
				Hash:        string(e.ID),
				ChildHash:   string(e.EndNode),
				ParentHash:  string(e.StartNode),
				Annotations: Annotations(e.Properties, hidden...),
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, err
}

// Evaluate runs a native read-only query and returns its table.
func (s *Store) Evaluate(ctx context.Context, query string) (*cypher.Result, error) {
	var result *cypher.Result
	err := s.Read(ctx, "evaluate_query", func(ctx context.Context, g storage.Engine) error {
		var err error
		result, err = cypher.Evaluate(ctx, g, query)
		return err
	})
	return result, err
}

// Counts returns the number of vertices and edges in the store.
func (s *Store) Counts(ctx context.Context) (nodes, edges int64, err error) {
	err = s.Read(ctx, "counts", func(_ context.Context, g storage.Engine) error {
		var err error
		if nodes, err = g.NodeCount(); err != nil {
			return err
		}
		edges, err = g.EdgeCount()
		return err
	})
	return nodes, edges, err
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close()
}

// Annotations renders properties as strings, skipping hidden keys.
func Annotations(props map[string]any, hidden ...string) map[string]string {
	out := make(map[string]string, len(props))
outer:
	for k, v := range props {
		for _, h := range hidden {
			if k == h {
				continue outer
			}
		}
		out[k] = convert.ToString(v)
	}
	return out
}
