// Package gc reclaims the tags of graphs and metadata bundles that no
// symbol refers to anymore.
//
// Erasing a symbol, rebinding it, or finishing a program that used
// temporaries leaves internal names tagged on vertices and edges with
// nothing pointing at them. A collection finds those names and drops their
// tags. Names that are bound, pinned by an in-flight program, or reserved
// (the base label, the symbol record, the metadata label) are never
// touched.
//
// Each name is dropped on its own: a failure is logged and counted in the
// report, and the collection moves on to the next name.
//
// Example Usage:
//
//	c := gc.New(scheme, env)
//	report, err := c.Collect(ctx)
//
//	// or periodically, until ctx ends
//	go c.Run(ctx, 10*time.Minute)
package gc

import (
	"context"
	"errors"
	"time"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/executor"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/orneryd/provgraph/pkg/symbols"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_gc_reclaimed_total",
		Help: "Names reclaimed by the garbage collector, by kind",
	}, []string{"kind"})

	collectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_gc_collections_total",
		Help: "Garbage collections by result",
	}, []string{"result"})
)

// Report describes one collection.
type Report struct {
	VertexTags []string      `json:"vertex_tags"`
	EdgeTags   []string      `json:"edge_tags"`
	Metadata   []string      `json:"metadata"`
	Failures   int           `json:"failures"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Reclaimed returns the number of names dropped.
func (r Report) Reclaimed() int {
	return len(r.VertexTags) + len(r.EdgeTags) + len(r.Metadata)
}

// Collector sweeps unreachable names out of one store.
type Collector struct {
	store  *backend.Store
	scheme *membership.Scheme
	env    *symbols.Environment
	group  singleflight.Group
	log    *logrus.Entry
}

// New returns a collector over the store behind scheme.
func New(scheme *membership.Scheme, env *symbols.Environment) *Collector {
	return &Collector{
		store:  scheme.Store(),
		scheme: scheme,
		env:    env,
		log:    logrus.WithField("component", "gc"),
	}
}

// Collect runs one collection. Calls made while a collection is running
// share its report.
func (c *Collector) Collect(ctx context.Context) (Report, error) {
	v, err, shared := c.group.Do("collect", func() (any, error) {
		return c.collect(ctx)
	})
	if shared {
		c.log.Debug("joined a running collection")
	}
	if err != nil {
		collectionsTotal.WithLabelValues("error").Inc()
		return Report{}, err
	}
	collectionsTotal.WithLabelValues("ok").Inc()
	return v.(Report), nil
}

func (c *Collector) collect(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{VertexTags: []string{}, EdgeTags: []string{}, Metadata: []string{}}

	// Present names are read before the reachable set, and pins before
	// bindings: a program binds its targets before releasing them.
	vertexTags, err := c.scheme.EnumerateVertexTags(ctx)
	if err != nil {
		return report, err
	}
	edgeTags, err := c.scheme.EnumerateEdgeTags(ctx)
	if err != nil {
		return report, err
	}
	metadata, err := c.metadataNames(ctx)
	if err != nil {
		return report, err
	}
	reachable := c.reachable()

	for _, name := range vertexTags {
		if !garbage(name, reachable) {
			continue
		}
		if err := c.scheme.DropVertexTag(ctx, name); err != nil {
			c.fail(&report, "vertex", name, err)
			continue
		}
		report.VertexTags = append(report.VertexTags, name)
	}
	for _, name := range edgeTags {
		if !garbage(name, reachable) {
			continue
		}
		if err := c.scheme.DropEdgeTag(ctx, name); err != nil {
			c.fail(&report, "edge", name, err)
			continue
		}
		report.EdgeTags = append(report.EdgeTags, name)
	}
	for _, name := range metadata {
		if !garbage(name, reachable) {
			continue
		}
		if err := c.dropMetadata(ctx, name); err != nil {
			c.fail(&report, "metadata", name, err)
			continue
		}
		report.Metadata = append(report.Metadata, name)
	}

	reclaimedTotal.WithLabelValues("vertex").Add(float64(len(report.VertexTags)))
	reclaimedTotal.WithLabelValues("edge").Add(float64(len(report.EdgeTags)))
	reclaimedTotal.WithLabelValues("metadata").Add(float64(len(report.Metadata)))
	report.Elapsed = time.Since(start)

	c.log.WithFields(logrus.Fields{
		"vertex_tags": len(report.VertexTags),
		"edge_tags":   len(report.EdgeTags),
		"metadata":    len(report.Metadata),
		"failures":    report.Failures,
		"elapsed":     report.Elapsed,
	}).Info("garbage collection done")
	return report, nil
}

func (c *Collector) fail(report *Report, kind, name string, err error) {
	report.Failures++
	c.log.WithError(err).WithFields(logrus.Fields{"kind": kind, "name": name}).Warn("could not reclaim name")
}

// reachable returns every name a collection must keep.
func (c *Collector) reachable() map[string]struct{} {
	keep := map[string]struct{}{
		c.scheme.BaseGraph():   {},
		symbols.RecordID:       {},
		executor.MetadataLabel: {},
	}
	for _, name := range c.env.Roots() {
		keep[name] = struct{}{}
	}
	return keep
}

// garbage reports whether name is an internal name nothing refers to.
func garbage(name string, reachable map[string]struct{}) bool {
	if !membership.IsInternalName(name) {
		return false
	}
	_, keep := reachable[name]
	return !keep
}

func (c *Collector) metadataNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.store.Read(ctx, "gc.metadata_names", func(_ context.Context, g storage.Engine) error {
		nodes, err := g.GetNodesByLabel(executor.MetadataLabel)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if name, ok := executor.MetadataName(n.ID); ok {
				names = append(names, name)
			}
		}
		return nil
	})
	return names, err
}

func (c *Collector) dropMetadata(ctx context.Context, name string) error {
	return c.store.Exec(ctx, "gc.drop_metadata", func(_ context.Context, g storage.Engine) error {
		err := g.DeleteNode(executor.MetadataID(name))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
}

// Run collects every interval until ctx ends. A zero or negative interval
// returns immediately.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.WithField("interval", interval).Info("periodic garbage collection started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Error("garbage collection failed")
			}
		}
	}
}
