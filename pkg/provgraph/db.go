// Package provgraph provides the embedded API of the provenance query
// engine.
//
// A DB ties together the graph store, the membership scheme that encodes
// named graphs as tags, the persistent symbol table, the instruction
// executor and the garbage collector. Programs are lists of instructions
// whose operands name user symbols ($graph, @metadata, %predicate) or
// program temporaries (#tmp); Execute compiles them against the symbol
// table and runs them in one session.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	db, err := provgraph.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Load(ctx, "./export.json"); err != nil {
//		log.Fatal(err)
//	}
//
//	steps, err := instruction.Decode(program)
//	if err != nil {
//		log.Fatal(err)
//	}
//	resp, err := db.Execute(ctx, steps)
//	if err != nil {
//		// resp.Results holds what completed before the failure
//	}
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Each Execute call runs in its
//	own session; statements of concurrent sessions interleave.
package provgraph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/config"
	"github.com/orneryd/provgraph/pkg/executor"
	"github.com/orneryd/provgraph/pkg/gc"
	"github.com/orneryd/provgraph/pkg/instruction"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/orneryd/provgraph/pkg/symbols"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by every method once Close was called.
var ErrClosed = errors.New("provgraph: database is closed")

// DB is an open provenance query engine.
type DB struct {
	config *config.Config
	mu     sync.RWMutex
	closed bool

	store  *backend.Store
	scheme *membership.Scheme
	env    *symbols.Environment
	exec   *executor.StoreExecutor
	gc     *gc.Collector

	// Background goroutine tracking
	cancel context.CancelFunc
	bgWg   sync.WaitGroup
	log    *logrus.Entry
}

// Open opens the configured store, loads its symbol table and starts the
// periodic garbage collector when an interval is configured. A nil cfg
// means config.DefaultConfig().
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := backend.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	return openStore(store, cfg)
}

// OpenStore opens a DB over an already built store. The DB takes ownership
// of store.
func OpenStore(store *backend.Store, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return openStore(store, cfg)
}

func openStore(store *backend.Store, cfg *config.Config) (*DB, error) {
	base := cfg.Engine.BaseLabel
	env, err := symbols.Open(context.Background(), store, base)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open symbol table: %w", err)
	}

	scheme := membership.New(store, base)
	db := &DB{
		config: cfg,
		store:  store,
		scheme: scheme,
		env:    env,
		exec: executor.New(scheme, env, executor.Options{
			ExportLimit:     cfg.Engine.ExportLimit,
			BatchStatements: cfg.Engine.BatchStatements,
		}),
		gc:  gc.New(scheme, env),
		log: logrus.WithField("component", "provgraph"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	if cfg.Engine.GCInterval > 0 {
		db.bgWg.Add(1)
		go func() {
			defer db.bgWg.Done()
			db.gc.Run(ctx, cfg.Engine.GCInterval)
		}()
	}

	db.log.WithFields(logrus.Fields{
		"engine":     cfg.Storage.Engine,
		"base_label": base,
		"counter":    env.Counter(),
	}).Info("database opened")
	return db, nil
}

// Response is the outcome of one program.
type Response struct {
	SessionID string            `json:"session_id"`
	Results   []executor.Result `json:"results"`
}

// Execute compiles steps against the symbol table and runs them in a new
// session. On failure the response carries the results of the instructions
// that completed; they are not rolled back. Names the program allocates or
// reads through bindings stay pinned until it ends, so temporaries become
// garbage only afterwards. Cancelling ctx does not interrupt a program once
// it has started.
func (db *DB) Execute(ctx context.Context, steps []instruction.Instruction) (*Response, error) {
	ctx = context.WithoutCancel(ctx)
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	compiled, err := instruction.Compile(ctx, db.env, steps)
	if err != nil {
		return &Response{Results: []executor.Result{}}, err
	}
	defer db.env.Release(compiled.Pinned()...)

	sess := db.exec.NewSession()
	results, err := sess.Run(ctx, compiled.Instructions)
	if results == nil {
		results = []executor.Result{}
	}
	return &Response{SessionID: sess.ID, Results: results}, err
}

// Run executes an already resolved instruction list whose operands are
// internal names.
func (db *DB) Run(ctx context.Context, list []instruction.Instruction) (*Response, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	sess := db.exec.NewSession()
	results, err := sess.Run(ctx, list)
	return &Response{SessionID: sess.ID, Results: results}, err
}

// GC runs a garbage collection now.
func (db *DB) GC(ctx context.Context) (gc.Report, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return gc.Report{}, ErrClosed
	}
	return db.gc.Collect(ctx)
}

// Load ingests a provenance export: a combined JSON file, or a directory
// holding nodes.json and relationships.json.
func (db *DB) Load(ctx context.Context, path string) (storage.LoadStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.LoadStats{}, ErrClosed
	}

	info, err := os.Stat(path)
	if err != nil {
		return storage.LoadStats{}, fmt.Errorf("loading export: %w", err)
	}

	var stats storage.LoadStats
	err = db.store.Exec(ctx, "load", func(_ context.Context, g storage.Engine) error {
		loader := &storage.Loader{Engine: g, BaseLabel: db.config.Engine.BaseLabel}
		var err error
		if info.IsDir() {
			stats, err = loader.LoadDir(path)
		} else {
			stats, err = loader.LoadFile(path)
		}
		return err
	})
	if err != nil {
		return stats, err
	}
	db.log.WithFields(logrus.Fields{
		"path":     path,
		"vertices": stats.Vertices,
		"edges":    stats.Edges,
	}).Info("export loaded")
	return stats, nil
}

// Symbols returns a snapshot of the three namespaces keyed by namespace
// name ("graph", "metadata", "predicate"). $base is included.
func (db *DB) Symbols() map[string]map[string]string {
	out := make(map[string]map[string]string, 3)
	for _, ns := range []symbols.Namespace{symbols.Graphs, symbols.Metadata, symbols.Predicates} {
		out[ns.String()] = db.env.Snapshot(ns)
	}
	out[symbols.Graphs.String()][symbols.BaseSymbol] = db.env.BaseGraph()
	return out
}

// Metadata returns the metadata bundle bound to the user name ("@m").
func (db *DB) Metadata(ctx context.Context, user string) (*executor.GraphMetadata, error) {
	name, err := db.env.Resolve(symbols.Metadata, user)
	if err != nil {
		return nil, err
	}
	return db.exec.ReadMetadata(ctx, name)
}

// Reset drops every symbol binding and collects the tags they kept alive.
// Ingested provenance is kept.
func (db *DB) Reset(ctx context.Context) (gc.Report, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return gc.Report{}, ErrClosed
	}
	if err := db.env.Clear(ctx); err != nil {
		return gc.Report{}, err
	}
	return db.gc.Collect(ctx)
}

// Stats holds store-wide counts.
type Stats struct {
	Vertices int64 `json:"vertices"`
	Edges    int64 `json:"edges"`
	Counter  int64 `json:"id_counter"`
}

// Stats returns the number of stored vertices and edges, bookkeeping
// vertices included, and the allocation counter.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	nodes, edges, err := db.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Vertices: nodes, Edges: edges, Counter: db.env.Counter()}, nil
}

// Executor returns the instruction executor.
func (db *DB) Executor() *executor.StoreExecutor { return db.exec }

// Config returns the configuration the DB was opened with.
func (db *DB) Config() *config.Config { return db.config }

// Close stops background collection and closes the store.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	db.cancel()
	db.bgWg.Wait()

	if err := db.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	db.log.Info("database closed")
	return nil
}
